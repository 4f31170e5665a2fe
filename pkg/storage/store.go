package storage

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/types"
)

// Store is a transactional state store. Every read-modify-write happens inside
// Update, which either commits entirely or not at all; concurrent Update calls
// are serialized so a precondition checked inside one holds until it commits.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a transaction. Getters return
// an errdefs.ErrNotFound wrapped error for missing rows.
type Tx interface {
	// Schedules
	GetSchedule(name string) (*types.Schedule, error)
	GetScheduleByID(id string) (*types.Schedule, error)
	ListSchedules() ([]*types.Schedule, error)
	PutSchedule(schedule *types.Schedule) error
	DeleteSchedule(name string) error

	// Requested tasks
	GetRequestedTask(id string) (*types.RequestedTask, error)
	ListRequestedTasks() ([]*types.RequestedTask, error)
	PutRequestedTask(rt *types.RequestedTask) error
	DeleteRequestedTask(id string) error

	// Tasks
	GetTask(id string) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	PutTask(task *types.Task) error
	DeleteTask(id string) error

	// Workers
	GetWorker(name string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	PutWorker(worker *types.Worker) error

	// Offliners
	GetOffliner(id string) (*types.Offliner, error)
	ListOffliners() ([]*types.Offliner, error)
	PutOffliner(offliner *types.Offliner) error
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Statuses   []types.Status
	Worker     string
	ScheduleID string
}

// Match reports whether the task passes the filter
func (f TaskFilter) Match(task *types.Task) bool {
	if f.Worker != "" && task.WorkerName != f.Worker {
		return false
	}
	if f.ScheduleID != "" && task.ScheduleID != f.ScheduleID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if task.Status == s {
			return true
		}
	}
	return false
}

// Open opens the store for the given driver ("sqlite" or "bolt"). An empty
// driver opens sqlite, the only backend several processes can share.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "bolt":
		s, err := NewBoltStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q: %w", driver, errdefs.ErrInvalidArgument)
	}
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, errdefs.ErrNotFound)
}
