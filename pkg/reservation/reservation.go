// Package reservation hands requested tasks to polling workers. A claim
// promotes exactly one requested task into a reserved task, atomically.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/lifecycle"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/matcher"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"golang.org/x/time/rate"
)

// ErrNoTask is returned when no requested task is eligible for the worker
var ErrNoTask = fmt.Errorf("no eligible requested task: %w", errdefs.ErrNotFound)

// DefaultMaxAttempts bounds the retries of a single Claim
const DefaultMaxAttempts = 3

// Poll is what a worker reports when it asks for work
type Poll struct {
	Worker    string
	Resources types.Resources
	Offliners []string
	// Platforms and Contexts replace the stored ceilings when non-nil
	Platforms map[string]int
	Contexts  map[string]int
	IP        string
}

// Claimer runs the claim protocol against a store
type Claimer struct {
	store       storage.Store
	MaxAttempts int
	now         func() time.Time
}

// NewClaimer creates a claimer
func NewClaimer(store storage.Store) *Claimer {
	return &Claimer{
		store:       store,
		MaxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// CheckIn records the worker's reported capacity inside tx and returns the
// updated worker. A deleted worker cannot check in.
func CheckIn(tx storage.Tx, p Poll, now time.Time) (*types.Worker, error) {
	if p.Worker == "" {
		return nil, fmt.Errorf("worker name is required: %w", errdefs.ErrInvalidArgument)
	}
	if err := p.Resources.Validate(); err != nil {
		return nil, err
	}

	worker, err := tx.GetWorker(p.Worker)
	switch {
	case errdefs.IsNotFound(err):
		worker = &types.Worker{Name: p.Worker}
	case err != nil:
		return nil, err
	case worker.Deleted:
		return nil, fmt.Errorf("worker %s is deleted: %w", p.Worker, errdefs.ErrFailedPrecondition)
	}

	worker.Resources = p.Resources
	worker.Offliners = p.Offliners
	if p.Platforms != nil {
		worker.Platforms = p.Platforms
	}
	if p.Contexts != nil {
		worker.Contexts = p.Contexts
	}
	worker.LastSeen = now
	if p.IP != "" {
		worker.LastIP = p.IP
	}
	if err := tx.PutWorker(worker); err != nil {
		return nil, fmt.Errorf("failed to save worker %s: %w", worker.Name, err)
	}
	return worker, nil
}

// Claim checks the worker in and reserves the best eligible requested task
// for it. Each attempt is one transaction; a lost race skips that candidate
// and retries, up to MaxAttempts. Returns ErrNoTask when nothing fits.
func (c *Claimer) Claim(ctx context.Context, p Poll) (*types.Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClaimLatency)

	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	logger := log.WithWorker(p.Worker)
	skip := make(map[string]bool)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var (
			task   *types.Task
			picked string
		)
		err := c.store.Update(ctx, func(tx storage.Tx) error {
			now := c.now()
			worker, err := CheckIn(tx, p, now)
			if err != nil {
				return err
			}

			candidates, err := tx.ListRequestedTasks()
			if err != nil {
				return err
			}
			candidates = without(candidates, skip)

			running, err := tx.ListTasks(storage.TaskFilter{
				Worker:   worker.Name,
				Statuses: types.NonTerminalStatuses(),
			})
			if err != nil {
				return err
			}

			rt := matcher.Select(worker, candidates, running)
			if rt == nil {
				// commit the check-in anyway
				return nil
			}
			picked = rt.ID
			task, err = lifecycle.Reserve(tx, rt, worker.Name, now)
			return err
		})

		switch {
		case err == nil && task == nil:
			return nil, ErrNoTask
		case err == nil:
			metrics.TasksClaimed.Inc()
			logger.Info().
				Str("task_id", task.ID).
				Str("schedule", task.OriginalScheduleName).
				Int("attempt", attempt).
				Msg("task reserved")
			return task, nil
		case errdefs.IsConflict(err):
			metrics.ClaimConflicts.Inc()
			if picked != "" {
				skip[picked] = true
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case permanent(err):
			return nil, err
		}

		lastErr = err
		logger.Debug().Err(err).
			Int("attempt", attempt).
			Msg("claim attempt failed, retrying")
	}
	return nil, fmt.Errorf("claim for %s gave up after %d attempts: %v: %w", p.Worker, attempts, lastErr, errdefs.ErrConflict)
}

// NewPollLimiter paces a long poll to one claim attempt per interval
func NewPollLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Wait repeats Claim, paced by limiter, until a task is claimed or ctx
// ends. No transaction is held between attempts.
func (c *Claimer) Wait(ctx context.Context, p Poll, limiter *rate.Limiter) (*types.Task, error) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		task, err := c.Claim(ctx, p)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, ErrNoTask) && !errdefs.IsConflict(err) {
			return nil, err
		}
	}
}

// permanent errors carry a kind that retrying cannot change
func permanent(err error) bool {
	return errdefs.IsInvalidArgument(err) ||
		errdefs.IsFailedPrecondition(err) ||
		errdefs.IsNotFound(err) ||
		errdefs.IsAlreadyExists(err)
}

func without(candidates []*types.RequestedTask, skip map[string]bool) []*types.RequestedTask {
	if len(skip) == 0 {
		return candidates
	}
	kept := candidates[:0]
	for _, rt := range candidates {
		if !skip[rt.ID] {
			kept = append(kept, rt)
		}
	}
	return kept
}
