package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/offlinefarm/dispatcher/pkg/offliner"
	"github.com/offlinefarm/dispatcher/pkg/request"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/rs/zerolog"
)

// Identity is recorded as the requester of periodic requests
const Identity = "periodic-scheduler"

// DefaultWindows is how long a successful start keeps a schedule quiet
var DefaultWindows = map[types.Periodicity]time.Duration{
	types.PeriodicityMonthly:    31 * 24 * time.Hour,
	types.PeriodicityQuarterly:  92 * 24 * time.Hour,
	types.PeriodicityBiannually: 183 * 24 * time.Hour,
	types.PeriodicityAnnually:   365 * 24 * time.Hour,
}

// Result summarizes one scheduler pass
type Result struct {
	// Requested holds the names of the schedules requested in this pass
	Requested []string `json:"requested"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
}

// Scheduler requests every enabled recurring schedule whose period has
// elapsed
type Scheduler struct {
	store   storage.Store
	cache   *offliner.Cache
	windows map[types.Periodicity]time.Duration
	mu      sync.Mutex
	now     func() time.Time
	logger  zerolog.Logger
}

// NewScheduler creates a scheduler. A nil windows map uses DefaultWindows.
func NewScheduler(store storage.Store, cache *offliner.Cache, windows map[types.Periodicity]time.Duration) *Scheduler {
	if windows == nil {
		windows = DefaultWindows
	}
	return &Scheduler{
		store:   store,
		cache:   cache,
		windows: windows,
		now:     time.Now,
		logger:  log.WithComponent("scheduler"),
	}
}

// Run performs one pass. Each due schedule is requested in its own
// transaction; a failing schedule is logged and counted without aborting
// the others. Only a failure to list schedules is returned.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, "scheduler")

	var schedules []*types.Schedule
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		schedules, err = tx.ListSchedules()
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list schedules: %w", err)
	}

	var result Result
	now := s.now()
	for _, schedule := range schedules {
		window, recurring := s.windows[schedule.Periodicity]
		if !recurring || !schedule.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		requested, err := s.request(ctx, schedule.Name, now.Add(-window), now)
		switch {
		case err != nil:
			result.Failed++
			metrics.JobFailures.WithLabelValues("scheduler").Inc()
			logger := log.WithSchedule(schedule.Name)
			logger.Error().Err(err).Msg("failed to request schedule")
		case requested:
			result.Requested = append(result.Requested, schedule.Name)
		default:
			result.Skipped++
		}
	}

	s.logger.Info().
		Int("requested", len(result.Requested)).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("scheduler pass complete")
	return result, nil
}

// request re-reads the schedule and requests it if it is still due
func (s *Scheduler) request(ctx context.Context, name string, periodStart, now time.Time) (bool, error) {
	requested := false
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		schedule, err := tx.GetSchedule(name)
		if err != nil {
			return err
		}
		if !schedule.Enabled {
			return nil
		}
		queued, err := request.Queued(tx, schedule.ID)
		if err != nil || queued {
			return err
		}
		due, err := Due(tx, schedule, periodStart)
		if err != nil || !due {
			return err
		}

		rt, err := request.ForSchedule(tx, s.cache, schedule, 0, Identity, "", now)
		if err != nil {
			return err
		}
		requested = true
		logger := log.WithSchedule(schedule.Name)
		logger.Debug().
			Str("task_id", rt.ID).
			Msg("schedule requested")
		return nil
	})
	if err != nil {
		return false, err
	}
	if requested {
		metrics.TasksRequested.WithLabelValues("scheduler").Inc()
	}
	return requested, nil
}

// Due reports whether schedule should run again given the start of its
// current period. A schedule with no recorded task, or whose recorded task
// row is gone, is due. A task still in flight blocks it. Otherwise the
// task's start time (its first status when it never started) must predate
// periodStart.
func Due(tx storage.Tx, schedule *types.Schedule, periodStart time.Time) (bool, error) {
	if schedule.MostRecentTask == "" {
		return true, nil
	}
	task, err := tx.GetTask(schedule.MostRecentTask)
	if errdefs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !task.Status.Terminal() {
		return false, nil
	}

	started, ok := task.StatusLog.First(types.StatusStarted)
	if !ok {
		if len(task.StatusLog) == 0 {
			return true, nil
		}
		started = task.StatusLog[0].Timestamp
	}
	return !started.After(periodStart), nil
}
