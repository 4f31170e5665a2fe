// Package request creates and removes requested tasks
package request

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/offlinefarm/dispatcher/pkg/offliner"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
)

// Params describes a manual request for one or more schedules
type Params struct {
	ScheduleNames []string
	Priority      int
	RequestedBy   string
	Worker        string
}

// Create requests every schedule in p inside tx. Any rejected schedule
// aborts the whole request.
func Create(tx storage.Tx, cache *offliner.Cache, p Params, now time.Time) ([]*types.RequestedTask, error) {
	if len(p.ScheduleNames) == 0 {
		return nil, fmt.Errorf("no schedule to request: %w", errdefs.ErrInvalidArgument)
	}
	if p.RequestedBy == "" {
		return nil, fmt.Errorf("requester is required: %w", errdefs.ErrInvalidArgument)
	}

	var created []*types.RequestedTask
	for _, name := range p.ScheduleNames {
		schedule, err := tx.GetSchedule(name)
		if err != nil {
			return nil, err
		}
		rt, err := ForSchedule(tx, cache, schedule, p.Priority, p.RequestedBy, p.Worker, now)
		if err != nil {
			return nil, err
		}
		created = append(created, rt)
	}
	return created, nil
}

// ForSchedule creates a requested task for schedule. The task config is
// snapshotted so later edits of the schedule do not change queued work.
func ForSchedule(tx storage.Tx, cache *offliner.Cache, schedule *types.Schedule, priority int, requestedBy, worker string, now time.Time) (*types.RequestedTask, error) {
	if !schedule.Enabled {
		return nil, fmt.Errorf("schedule %s is disabled: %w", schedule.Name, errdefs.ErrFailedPrecondition)
	}

	queued, err := Queued(tx, schedule.ID)
	if err != nil {
		return nil, err
	}
	if queued {
		return nil, fmt.Errorf("schedule %s is already requested: %w", schedule.Name, errdefs.ErrAlreadyExists)
	}

	config, err := resolveConfig(tx, cache, schedule.Config)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", schedule.Name, err)
	}

	if worker != "" {
		w, err := tx.GetWorker(worker)
		if err != nil {
			return nil, err
		}
		if w.Deleted {
			return nil, fmt.Errorf("worker %s is deleted: %w", worker, errdefs.ErrFailedPrecondition)
		}
	}

	rt := &types.RequestedTask{
		ID:           uuid.New().String(),
		ScheduleID:   schedule.ID,
		ScheduleName: schedule.Name,
		Status:       types.StatusRequested,
		Priority:     priority,
		RequestedBy:  requestedBy,
		Worker:       worker,
		Context:      schedule.Context,
		Config:       config,
		Notification: copyMap(schedule.Notification),
		CreatedAt:    now,
	}
	rt.StatusLog.Append(types.StatusRequested, now)

	if err := tx.PutRequestedTask(rt); err != nil {
		return nil, fmt.Errorf("failed to save requested task: %w", err)
	}
	return rt, nil
}

// Delete removes a requested task before it is claimed
func Delete(tx storage.Tx, id string) error {
	return tx.DeleteRequestedTask(id)
}

// Queued reports whether a requested task exists for the schedule
func Queued(tx storage.Tx, scheduleID string) (bool, error) {
	requested, err := tx.ListRequestedTasks()
	if err != nil {
		return false, err
	}
	for _, rt := range requested {
		if rt.ScheduleID == scheduleID {
			return true, nil
		}
	}
	return false, nil
}

func resolveConfig(tx storage.Tx, cache *offliner.Cache, config types.TaskConfig) (types.TaskConfig, error) {
	if config.Offliner == "" {
		return config, fmt.Errorf("offliner is required: %w", errdefs.ErrInvalidArgument)
	}
	if err := config.Resources.Validate(); err != nil {
		return config, err
	}

	def, err := cache.Get(tx, config.Offliner)
	if errdefs.IsNotFound(err) {
		return config, fmt.Errorf("unknown offliner %s: %w", config.Offliner, errdefs.ErrInvalidArgument)
	}
	if err != nil {
		return config, err
	}

	resolved := config
	if resolved.Image == "" {
		resolved.Image = def.DockerImage
	}
	if resolved.Platform == "" {
		resolved.Platform = def.Platform
	}
	resolved.Flags = copyMap(config.Flags)
	return resolved, nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
