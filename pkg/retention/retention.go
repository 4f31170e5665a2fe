// Package retention prunes old task history so each schedule keeps only
// its most recent tasks.
package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultPerSchedule is the number of tasks kept per schedule
const DefaultPerSchedule = 10

// Result summarizes one cleanup pass
type Result struct {
	Deleted []string `json:"deleted"`
	Failed  int      `json:"failed"`
}

// Cleaner deletes terminal tasks beyond the per-schedule ceiling
type Cleaner struct {
	store   storage.Store
	ceiling func() int
	mu      sync.Mutex
	logger  zerolog.Logger
}

// NewCleaner creates a cleaner. ceiling is read on every pass; nil means
// DefaultPerSchedule. A ceiling of zero or less disables pruning.
func NewCleaner(store storage.Store, ceiling func() int) *Cleaner {
	if ceiling == nil {
		ceiling = func() int { return DefaultPerSchedule }
	}
	return &Cleaner{
		store:   store,
		ceiling: ceiling,
		logger:  log.WithComponent("retention"),
	}
}

// Run groups tasks by schedule (orphans by their original schedule name),
// orders each group newest first by UpdatedAt and deletes the terminal
// tasks ranked past the ceiling. Live tasks and the task a schedule
// records as its most recent are always kept. Each group is pruned in its
// own transaction.
func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, "retention")

	var result Result
	ceiling := c.ceiling()
	if ceiling <= 0 {
		return result, nil
	}

	var tasks []*types.Task
	err := c.store.View(ctx, func(tx storage.Tx) error {
		var err error
		tasks, err = tx.ListTasks(storage.TaskFilter{})
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to list tasks: %w", err)
	}

	for key, ids := range Excess(tasks, ceiling) {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		deleted, err := c.prune(ctx, ids)
		if err != nil {
			result.Failed++
			metrics.JobFailures.WithLabelValues("retention").Inc()
			c.logger.Error().Err(err).Str("schedule", key).Msg("failed to prune task history")
			continue
		}
		result.Deleted = append(result.Deleted, deleted...)
		metrics.TasksPruned.Add(float64(len(deleted)))
	}

	c.logger.Info().
		Int("deleted", len(result.Deleted)).
		Int("failed", result.Failed).
		Msg("history cleanup complete")
	return result, nil
}

// prune deletes ids after re-checking each one inside the transaction
func (c *Cleaner) prune(ctx context.Context, ids []string) ([]string, error) {
	var deleted []string
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		deleted = deleted[:0]
		// most recent task per schedule, looked up once per schedule
		recent := make(map[string]string)
		for _, id := range ids {
			task, err := tx.GetTask(id)
			if errdefs.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if !task.Status.Terminal() {
				continue
			}
			if task.ScheduleID != "" {
				mostRecent, seen := recent[task.ScheduleID]
				if !seen {
					schedule, err := tx.GetScheduleByID(task.ScheduleID)
					if err != nil && !errdefs.IsNotFound(err) {
						return err
					}
					if schedule != nil {
						mostRecent = schedule.MostRecentTask
					}
					recent[task.ScheduleID] = mostRecent
				}
				if mostRecent == id {
					continue
				}
			}
			if err := tx.DeleteTask(id); err != nil {
				return err
			}
			deleted = append(deleted, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Excess returns, per history group, the ids of terminal tasks ranked past
// keep. Ranking is UpdatedAt descending, ties broken by id.
func Excess(tasks []*types.Task, keep int) map[string][]string {
	groups := make(map[string][]*types.Task)
	for _, t := range tasks {
		key := t.HistoryKey()
		groups[key] = append(groups[key], t)
	}

	out := make(map[string][]string)
	for key, group := range groups {
		if len(group) <= keep {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].UpdatedAt.Equal(group[j].UpdatedAt) {
				return group[i].UpdatedAt.After(group[j].UpdatedAt)
			}
			return group[i].ID < group[j].ID
		})
		for _, t := range group[keep:] {
			if t.Status.Terminal() {
				out[key] = append(out[key], t.ID)
			}
		}
	}
	return out
}
