package manager

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/offlinefarm/dispatcher/pkg/events"
	"github.com/offlinefarm/dispatcher/pkg/lifecycle"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/matcher"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/offlinefarm/dispatcher/pkg/offliner"
	"github.com/offlinefarm/dispatcher/pkg/reaper"
	"github.com/offlinefarm/dispatcher/pkg/request"
	"github.com/offlinefarm/dispatcher/pkg/reservation"
	"github.com/offlinefarm/dispatcher/pkg/retention"
	"github.com/offlinefarm/dispatcher/pkg/scheduler"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Manager is the entry point to every dispatcher operation. It owns the
// store, the offliner cache and the event broker, and publishes an event
// after each committed change.
type Manager struct {
	store       storage.Store
	cache       *offliner.Cache
	eventBroker *events.Broker
	claimer     *reservation.Claimer
	scheduler   *scheduler.Scheduler
	reaper      *reaper.Reaper
	cleaner     *retention.Cleaner
	now         func() time.Time
	logger      zerolog.Logger
}

// Config holds configuration for creating a Manager. Zero values use the
// package defaults of the underlying components.
type Config struct {
	Windows     map[types.Periodicity]time.Duration
	Timeouts    func() reaper.Timeouts
	PerSchedule func() int
	MaxAttempts int
	OfflinerTTL time.Duration
}

// NewManager creates a manager over store and starts its event broker
func NewManager(store storage.Store, cfg Config) *Manager {
	ttl := cfg.OfflinerTTL
	if ttl <= 0 {
		ttl = offliner.DefaultTTL
	}
	cache := offliner.NewCache(ttl)

	claimer := reservation.NewClaimer(store)
	if cfg.MaxAttempts > 0 {
		claimer.MaxAttempts = cfg.MaxAttempts
	}

	eventBroker := events.NewBroker()
	eventBroker.Start()

	return &Manager{
		store:       store,
		cache:       cache,
		eventBroker: eventBroker,
		claimer:     claimer,
		scheduler:   scheduler.NewScheduler(store, cache, cfg.Windows),
		reaper:      reaper.NewReaper(store, cfg.Timeouts),
		cleaner:     retention.NewCleaner(store, cfg.PerSchedule),
		now:         time.Now,
		logger:      log.WithComponent("manager"),
	}
}

// Store returns the underlying store
func (m *Manager) Store() storage.Store {
	return m.store
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

func (m *Manager) publish(event *events.Event) {
	m.eventBroker.Publish(event)
}

// CreateRequestedTasks requests the schedules named in p. Either every
// schedule is requested or none is.
func (m *Manager) CreateRequestedTasks(ctx context.Context, p request.Params) ([]*types.RequestedTask, error) {
	var created []*types.RequestedTask
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		created, err = request.Create(tx, m.cache, p, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TasksRequested.WithLabelValues("manual").Add(float64(len(created)))
	for _, rt := range created {
		m.logger.Info().
			Str("task_id", rt.ID).
			Str("schedule", rt.ScheduleName).
			Int("priority", rt.Priority).
			Str("requested_by", rt.RequestedBy).
			Msg("task requested")
		m.publish(&events.Event{
			Type:     events.EventTaskRequested,
			TaskID:   rt.ID,
			Schedule: rt.ScheduleName,
			Worker:   rt.Worker,
			Status:   string(rt.Status),
		})
	}
	return created, nil
}

// DeleteRequestedTask removes a requested task that no worker claimed yet
func (m *Manager) DeleteRequestedTask(ctx context.Context, id string) error {
	var rt *types.RequestedTask
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		if rt, err = tx.GetRequestedTask(id); err != nil {
			return err
		}
		return request.Delete(tx, id)
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("task_id", id).Str("schedule", rt.ScheduleName).Msg("requested task deleted")
	m.publish(&events.Event{Type: events.EventRequestDeleted, TaskID: id, Schedule: rt.ScheduleName})
	return nil
}

// ListRequestedTasks returns the queue in claim order
func (m *Manager) ListRequestedTasks(ctx context.Context) ([]*types.RequestedTask, error) {
	var out []*types.RequestedTask
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListRequestedTasks()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return matcher.Less(out[i], out[j]) })
	return out, nil
}

// ClaimTask reserves the best eligible requested task for the polling
// worker. Returns reservation.ErrNoTask when nothing fits.
func (m *Manager) ClaimTask(ctx context.Context, poll reservation.Poll) (*types.Task, error) {
	task, err := m.claimer.Claim(ctx, poll)
	if err != nil {
		return nil, err
	}
	m.publishReserved(task)
	return task, nil
}

// WaitForTask long-polls ClaimTask, paced by limiter, until a task is
// reserved or ctx ends
func (m *Manager) WaitForTask(ctx context.Context, poll reservation.Poll, limiter *rate.Limiter) (*types.Task, error) {
	task, err := m.claimer.Wait(ctx, poll, limiter)
	if err != nil {
		return nil, err
	}
	m.publishReserved(task)
	return task, nil
}

func (m *Manager) publishReserved(task *types.Task) {
	m.publish(&events.Event{
		Type:     events.EventTaskReserved,
		TaskID:   task.ID,
		Schedule: task.OriginalScheduleName,
		Worker:   task.WorkerName,
		Status:   string(task.Status),
	})
}

// ApplyTaskEvent applies an event reported for a task
func (m *Manager) ApplyTaskEvent(ctx context.Context, id string, event types.Event, payload lifecycle.Payload) (*types.Task, error) {
	var task *types.Task
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		task, err = lifecycle.Apply(tx, id, event, payload, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TaskTransitions.WithLabelValues(string(event)).Inc()
	logger := log.WithTaskID(id)
	ev := &events.Event{
		Type:     events.EventTaskUpdated,
		TaskID:   id,
		Schedule: task.OriginalScheduleName,
		Worker:   task.WorkerName,
		Status:   string(task.Status),
		Metadata: map[string]string{"event": string(event)},
	}
	if event.StatusChange() {
		ev.Type = events.EventTaskStatus
		logger.Info().Str("status", string(task.Status)).Str("actor", payload.Actor).Msg("task status changed")
	} else {
		logger.Debug().Str("event", string(event)).Msg("task updated")
	}
	m.publish(ev)
	return task, nil
}

// CancelTask asks for a task to be canceled on behalf of actor
func (m *Manager) CancelTask(ctx context.Context, id, actor string) (*types.Task, error) {
	return m.ApplyTaskEvent(ctx, id, types.Event(types.StatusCancelRequested), lifecycle.Payload{Actor: actor})
}

// GetTask returns a task
func (m *Manager) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task *types.Task
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(id)
		return err
	})
	return task, err
}

// ListTasks returns the tasks matching filter, most recently updated first
func (m *Manager) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error) {
	var out []*types.Task
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListTasks(filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// RunPeriodicScheduler runs one scheduler pass
func (m *Manager) RunPeriodicScheduler(ctx context.Context) (scheduler.Result, error) {
	result, err := m.scheduler.Run(ctx)
	for _, name := range result.Requested {
		m.publish(&events.Event{Type: events.EventTaskRequested, Schedule: name, Status: string(types.StatusRequested)})
	}
	return result, err
}

// RunStaleReaper runs one reaper pass
func (m *Manager) RunStaleReaper(ctx context.Context) (reaper.Result, error) {
	result, err := m.reaper.Run(ctx)
	for _, id := range result.CancelRequested {
		m.publish(&events.Event{Type: events.EventTaskReaped, TaskID: id, Status: string(types.StatusCancelRequested)})
	}
	for _, id := range result.Canceled {
		m.publish(&events.Event{Type: events.EventTaskReaped, TaskID: id, Status: string(types.StatusCanceled)})
	}
	return result, err
}

// RunHistoryCleanup runs one retention pass
func (m *Manager) RunHistoryCleanup(ctx context.Context) (retention.Result, error) {
	result, err := m.cleaner.Run(ctx)
	for _, id := range result.Deleted {
		m.publish(&events.Event{Type: events.EventTaskPruned, TaskID: id})
	}
	return result, err
}

// PutSchedule creates or replaces the schedule with the same name. The
// id, creation time and most recent task of an existing schedule are kept.
func (m *Manager) PutSchedule(ctx context.Context, schedule *types.Schedule) (*types.Schedule, error) {
	if schedule.Name == "" {
		return nil, fmt.Errorf("schedule name is required: %w", errdefs.ErrInvalidArgument)
	}
	if !schedule.Periodicity.Valid() {
		return nil, fmt.Errorf("schedule %s: unknown periodicity %q: %w", schedule.Name, schedule.Periodicity, errdefs.ErrInvalidArgument)
	}
	if schedule.Config.Offliner == "" {
		return nil, fmt.Errorf("schedule %s: offliner is required: %w", schedule.Name, errdefs.ErrInvalidArgument)
	}
	if err := schedule.Config.Resources.Validate(); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", schedule.Name, err)
	}

	saved := *schedule
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := m.cache.Get(tx, saved.Config.Offliner); err != nil {
			if errdefs.IsNotFound(err) {
				return fmt.Errorf("schedule %s: unknown offliner %s: %w", saved.Name, saved.Config.Offliner, errdefs.ErrInvalidArgument)
			}
			return err
		}

		now := m.now()
		existing, err := tx.GetSchedule(saved.Name)
		switch {
		case err == nil:
			saved.ID = existing.ID
			saved.CreatedAt = existing.CreatedAt
			saved.MostRecentTask = existing.MostRecentTask
		case errdefs.IsNotFound(err):
			saved.ID = uuid.New().String()
			saved.CreatedAt = now
			saved.MostRecentTask = ""
		default:
			return err
		}
		saved.UpdatedAt = now
		return tx.PutSchedule(&saved)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("schedule", saved.Name).
		Str("periodicity", string(saved.Periodicity)).
		Bool("enabled", saved.Enabled).
		Msg("schedule saved")
	m.publish(&events.Event{Type: events.EventScheduleUpdated, Schedule: saved.Name})
	return &saved, nil
}

// DeleteSchedule deletes a schedule. Its requested tasks and tasks are
// kept as orphans, still carrying the schedule name.
func (m *Manager) DeleteSchedule(ctx context.Context, name string) error {
	orphaned := 0
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		schedule, err := tx.GetSchedule(name)
		if err != nil {
			return err
		}

		requested, err := tx.ListRequestedTasks()
		if err != nil {
			return err
		}
		for _, rt := range requested {
			if rt.ScheduleID != schedule.ID {
				continue
			}
			rt.ScheduleID = ""
			if err := tx.PutRequestedTask(rt); err != nil {
				return err
			}
			orphaned++
		}

		tasks, err := tx.ListTasks(storage.TaskFilter{ScheduleID: schedule.ID})
		if err != nil {
			return err
		}
		for _, task := range tasks {
			task.ScheduleID = ""
			if err := tx.PutTask(task); err != nil {
				return err
			}
			orphaned++
		}

		return tx.DeleteSchedule(name)
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("schedule", name).Int("orphaned", orphaned).Msg("schedule deleted")
	m.publish(&events.Event{Type: events.EventScheduleDeleted, Schedule: name})
	return nil
}

// GetSchedule returns a schedule by name
func (m *Manager) GetSchedule(ctx context.Context, name string) (*types.Schedule, error) {
	var schedule *types.Schedule
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		schedule, err = tx.GetSchedule(name)
		return err
	})
	return schedule, err
}

// ListSchedules returns every schedule sorted by name
func (m *Manager) ListSchedules(ctx context.Context) ([]*types.Schedule, error) {
	var out []*types.Schedule
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListSchedules()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CheckInWorker records a worker's capacity without claiming work
func (m *Manager) CheckInWorker(ctx context.Context, poll reservation.Poll) (*types.Worker, error) {
	var worker *types.Worker
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		worker, err = reservation.CheckIn(tx, poll, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	m.publish(&events.Event{Type: events.EventWorkerCheckedIn, Worker: worker.Name})
	return worker, nil
}

// DeleteWorker marks a worker deleted. It can no longer check in, claim
// work, or be pinned by new requests. Requested tasks pinned to it are
// unpinned so any eligible worker can claim them.
func (m *Manager) DeleteWorker(ctx context.Context, name string) error {
	var unpinned []*types.RequestedTask
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		worker, err := tx.GetWorker(name)
		if err != nil {
			return err
		}
		worker.Deleted = true
		if err := tx.PutWorker(worker); err != nil {
			return err
		}

		requested, err := tx.ListRequestedTasks()
		if err != nil {
			return err
		}
		for _, rt := range requested {
			if rt.Worker != name {
				continue
			}
			rt.Worker = ""
			if err := tx.PutRequestedTask(rt); err != nil {
				return fmt.Errorf("failed to unpin requested task %s: %w", rt.ID, err)
			}
			unpinned = append(unpinned, rt)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("worker", name).Int("unpinned", len(unpinned)).Msg("worker deleted")
	for _, rt := range unpinned {
		m.publish(&events.Event{
			Type:     events.EventTaskUpdated,
			TaskID:   rt.ID,
			Schedule: rt.ScheduleName,
			Status:   string(rt.Status),
		})
	}
	return nil
}

// ListWorkers returns every worker sorted by name
func (m *Manager) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var out []*types.Worker
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListWorkers()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutOffliner publishes an offliner definition
func (m *Manager) PutOffliner(ctx context.Context, o *types.Offliner) error {
	if o.ID == "" || o.DockerImage == "" {
		return fmt.Errorf("offliner needs an id and a docker image: %w", errdefs.ErrInvalidArgument)
	}
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutOffliner(o)
	})
	if err != nil {
		return err
	}
	m.cache.Invalidate(o.ID)
	m.logger.Info().Str("offliner", o.ID).Str("image", o.DockerImage).Msg("offliner saved")
	return nil
}

// ListOffliners returns every offliner definition
func (m *Manager) ListOffliners(ctx context.Context) ([]*types.Offliner, error) {
	var out []*types.Offliner
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListOffliners()
		return err
	})
	return out, err
}

// Shutdown stops the event broker and closes the store
func (m *Manager) Shutdown() error {
	m.eventBroker.Stop()
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
