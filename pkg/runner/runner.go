// Package runner hosts the background jobs of a dispatcher server on a
// cron schedule.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one background job
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus is the outcome of the last run of a job
type JobStatus struct {
	Runs     int       `json:"runs"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	Duration string    `json:"duration"`
}

// Runner schedules jobs with robfig/cron. A panicking job is recovered and
// a job still running when its next tick fires skips that tick.
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	status  map[string]JobStatus
}

// New creates a runner
func New() *Runner {
	logger := log.WithComponent("runner")
	cl := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		status:  make(map[string]JobStatus),
	}
}

// Add registers job to run every job.Interval. Intervals below one second
// are rounded up by cron.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a function: %w", errdefs.ErrInvalidArgument)
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive: %w", job.Name, errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[job.Name]; ok {
		return fmt.Errorf("job %s: %w", job.Name, errdefs.ErrAlreadyExists)
	}

	id, err := r.cron.AddJob("@every "+job.Interval.String(), cron.FuncJob(func() { r.run(job) }))
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	r.entries[job.Name] = id
	return nil
}

// Start starts the scheduler. Jobs receive ctx, so canceling it aborts
// in-flight passes.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
	r.logger.Info().Int("jobs", len(r.entries)).Msg("runner started")
}

// Stop stops scheduling and waits for running jobs until ctx ends
func (r *Runner) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
		r.logger.Info().Msg("runner stopped")
	case <-ctx.Done():
		r.logger.Warn().Msg("runner stopped with jobs still running")
	}
}

// Trigger runs a registered job now, through the same recover and skip
// wrappers as its scheduled runs. It does not wait for the job.
func (r *Runner) Trigger(name string) error {
	r.mu.Lock()
	id, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", name, errdefs.ErrNotFound)
	}
	entry := r.cron.Entry(id)
	if !entry.Valid() {
		return fmt.Errorf("job %s: %w", name, errdefs.ErrNotFound)
	}
	go entry.WrappedJob.Run()
	return nil
}

// Status returns the last outcome of every job that ran at least once
func (r *Runner) Status() map[string]JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]JobStatus, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

func (r *Runner) run(job Job) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	r.mu.Lock()
	st := r.status[job.Name]
	st.Runs++
	st.LastRun = start
	st.Duration = elapsed.String()
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	r.status[job.Name] = st
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Str("job", job.Name).Dur("took", elapsed).Msg("job failed")
		return
	}
	r.logger.Debug().Str("job", job.Name).Dur("took", elapsed).Msg("job done")
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
