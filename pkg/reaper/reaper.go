package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/lifecycle"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/rs/zerolog"
)

// Identity is recorded as the canceler of reaped tasks
const Identity = "stale-task-reaper"

// Timeouts bounds how long a task may sit in a status class. A zero or
// negative timeout disables reaping for that class.
type Timeouts struct {
	Reserved        time.Duration `json:"reserved" yaml:"reserved"`
	Started         time.Duration `json:"started" yaml:"started"`
	Incomplete      time.Duration `json:"incomplete" yaml:"incomplete"`
	CancelRequested time.Duration `json:"cancel_requested" yaml:"cancel_requested"`
}

// DefaultTimeouts are used when no source is configured
var DefaultTimeouts = Timeouts{
	Reserved:        30 * time.Minute,
	Started:         30 * time.Minute,
	Incomplete:      7 * 24 * time.Hour,
	CancelRequested: time.Hour,
}

// For returns the timeout that applies to status
func (t Timeouts) For(status types.Status) time.Duration {
	switch {
	case status == types.StatusReserved:
		return t.Reserved
	case status == types.StatusStarted:
		return t.Started
	case status.Incomplete():
		return t.Incomplete
	case status.Canceling():
		return t.CancelRequested
	}
	return 0
}

// Result summarizes one reaper pass
type Result struct {
	// CancelRequested holds the active tasks moved to cancel_requested
	CancelRequested []string `json:"cancel_requested"`
	// Canceled holds the stuck cancellations forced to canceled
	Canceled []string `json:"canceled"`
	Failed   int      `json:"failed"`
}

// Reaper recovers tasks whose worker stopped reporting
type Reaper struct {
	store    storage.Store
	timeouts func() Timeouts
	mu       sync.Mutex
	now      func() time.Time
	logger   zerolog.Logger
}

// NewReaper creates a reaper. timeouts is consulted on every pass so
// reloaded settings apply without a restart; nil means DefaultTimeouts.
func NewReaper(store storage.Store, timeouts func() Timeouts) *Reaper {
	if timeouts == nil {
		timeouts = func() Timeouts { return DefaultTimeouts }
	}
	return &Reaper{
		store:    store,
		timeouts: timeouts,
		now:      time.Now,
		logger:   log.WithComponent("reaper"),
	}
}

// Run performs one pass over the non-terminal tasks. Each stale task is
// transitioned in its own transaction, after re-checking it is still stale.
func (r *Reaper) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, "reaper")

	var tasks []*types.Task
	err := r.store.View(ctx, func(tx storage.Tx) error {
		var err error
		tasks, err = tx.ListTasks(storage.TaskFilter{Statuses: types.NonTerminalStatuses()})
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list tasks: %w", err)
	}

	var result Result
	timeouts := r.timeouts()
	now := r.now()
	for _, task := range tasks {
		if _, ok := Stale(task, timeouts, now); !ok {
			continue
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		from, to, err := r.reap(ctx, task.ID, timeouts, now)
		switch {
		case err != nil:
			result.Failed++
			metrics.JobFailures.WithLabelValues("reaper").Inc()
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to reap task")
		case to == types.StatusCanceled:
			result.Canceled = append(result.Canceled, task.ID)
		case to == types.StatusCancelRequested:
			result.CancelRequested = append(result.CancelRequested, task.ID)
		}
		if to != "" {
			metrics.TasksReaped.WithLabelValues(string(from)).Inc()
			r.logger.Warn().
				Str("task_id", task.ID).
				Str("worker", task.WorkerName).
				Str("status", string(from)).
				Msgf("stale task moved to %s", to)
		}
	}

	r.logger.Info().
		Int("cancel_requested", len(result.CancelRequested)).
		Int("canceled", len(result.Canceled)).
		Int("failed", result.Failed).
		Msg("reaper pass complete")
	return result, nil
}

func (r *Reaper) reap(ctx context.Context, id string, timeouts Timeouts, now time.Time) (from, to types.Status, err error) {
	err = r.store.Update(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTask(id)
		if err != nil {
			return err
		}
		target, ok := Stale(task, timeouts, now)
		if !ok {
			return nil
		}
		if _, err := lifecycle.Apply(tx, id, types.Event(target), lifecycle.Payload{Actor: Identity}, now); err != nil {
			return err
		}
		from, to = task.Status, target
		return nil
	})
	// the task moved on or vanished between listing and reaping
	if errdefs.IsNotFound(err) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return from, to, nil
}

// Stale reports whether task has outlived the timeout of its status, and
// the status it should be forced to. Age is measured from the latest entry
// for the current status.
func Stale(task *types.Task, timeouts Timeouts, now time.Time) (types.Status, bool) {
	if task.Status.Terminal() {
		return "", false
	}
	timeout := timeouts.For(task.Status)
	if timeout <= 0 {
		return "", false
	}

	since, ok := task.StatusLog.Latest(task.Status)
	if !ok {
		since = task.UpdatedAt
	}
	if now.Sub(since) <= timeout {
		return "", false
	}

	if task.Status.Canceling() {
		return types.StatusCanceled, true
	}
	return types.StatusCancelRequested, true
}
