// Package lifecycle applies events to tasks. It is the only code that moves a
// task between statuses or touches a schedule's most recent task.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
)

// Payload is the data reported along with an event
type Payload struct {
	// Actor is the identity of the caller (worker, user or background job)
	Actor string `json:"actor,omitempty"`
	// Container is merged into the task's container metadata
	Container map[string]interface{} `json:"container,omitempty"`
	// File is required by file events
	File *types.FileRecord `json:"file,omitempty"`
}

// Apply applies event to the task inside tx and persists it.
//
// Status events must be legal successors of the current status: a terminal
// task or an illegal successor yields errdefs.ErrConflict, repeating the
// current status yields errdefs.ErrAlreadyExists. Either way the task is left
// untouched.
func Apply(tx storage.Tx, taskID string, event types.Event, payload Payload, now time.Time) (*types.Task, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("unknown event %q: %w", event, errdefs.ErrInvalidArgument)
	}
	if event.FileEvent() && (payload.File == nil || payload.File.Name == "") {
		return nil, fmt.Errorf("%s event requires a file name: %w", event, errdefs.ErrInvalidArgument)
	}

	task, err := tx.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	if event.StatusChange() {
		if err := transition(tx, task, types.Status(event), payload.Actor, now); err != nil {
			return nil, err
		}
	} else {
		if task.Status.Terminal() && !event.FileEvent() {
			return nil, fmt.Errorf("task %s is %s, %s not permitted: %w", task.ID, task.Status, event, errdefs.ErrConflict)
		}
		at := clamp(task, now)
		task.Events = append(task.Events, types.EventEntry{Code: event, Timestamp: at, Actor: payload.Actor})
		task.UpdatedAt = at
		if event.FileEvent() {
			recordFile(task, event, payload.File, at)
		}
	}

	mergeContainer(task, payload.Container)

	if err := tx.PutTask(task); err != nil {
		return nil, fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return task, nil
}

// Reserve promotes a requested task into a task reserved by worker. The
// requested task row is deleted in the same transaction; if it is already
// gone another claimer won and errdefs.ErrConflict is returned.
func Reserve(tx storage.Tx, rt *types.RequestedTask, worker string, now time.Time) (*types.Task, error) {
	if err := tx.DeleteRequestedTask(rt.ID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("requested task %s already claimed: %w", rt.ID, errdefs.ErrConflict)
		}
		return nil, err
	}
	if _, err := tx.GetTask(rt.ID); err == nil {
		return nil, fmt.Errorf("task %s already exists: %w", rt.ID, errdefs.ErrConflict)
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	log := make(types.StatusLog, len(rt.StatusLog))
	copy(log, rt.StatusLog)
	if len(log) == 0 {
		log.Append(types.StatusRequested, rt.CreatedAt)
	}

	task := &types.Task{
		ID:                   rt.ID,
		Status:               types.StatusRequested,
		StatusLog:            log,
		WorkerName:           worker,
		ScheduleID:           rt.ScheduleID,
		OriginalScheduleName: rt.ScheduleName,
		Priority:             rt.Priority,
		RequestedBy:          rt.RequestedBy,
		Context:              rt.Context,
		Config:               rt.Config,
		Notification:         rt.Notification,
		Upload:               rt.Upload,
		Container:            map[string]interface{}{},
		Files:                map[string]*types.FileRecord{},
	}
	for _, e := range log {
		task.Events = append(task.Events, types.EventEntry{Code: types.Event(e.Status), Timestamp: e.Timestamp})
	}

	if err := transition(tx, task, types.StatusReserved, worker, now); err != nil {
		return nil, err
	}
	if err := tx.PutTask(task); err != nil {
		return nil, fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return task, nil
}

// Replay rebuilds the status a task reached from its status log, checking
// every step against the transition table
func Replay(log types.StatusLog) (types.Status, error) {
	if len(log) == 0 {
		return "", fmt.Errorf("empty status log: %w", errdefs.ErrInvalidArgument)
	}
	current := log[0].Status
	if current != types.StatusRequested {
		return "", fmt.Errorf("status log starts with %s: %w", current, errdefs.ErrInvalidArgument)
	}
	for i, e := range log[1:] {
		if e.Timestamp.Before(log[i].Timestamp) {
			return "", fmt.Errorf("status log goes back in time at %s: %w", e.Status, errdefs.ErrInvalidArgument)
		}
		if !current.CanTransition(e.Status) {
			return "", fmt.Errorf("illegal transition %s -> %s: %w", current, e.Status, errdefs.ErrConflict)
		}
		current = e.Status
	}
	return current, nil
}

func transition(tx storage.Tx, task *types.Task, next types.Status, actor string, now time.Time) error {
	switch {
	case task.Status.Terminal():
		return fmt.Errorf("task %s is already %s: %w", task.ID, task.Status, errdefs.ErrConflict)
	case task.Status == next:
		return fmt.Errorf("task %s is already %s: %w", task.ID, next, errdefs.ErrAlreadyExists)
	case !task.Status.CanTransition(next):
		return fmt.Errorf("task %s cannot go from %s to %s: %w", task.ID, task.Status, next, errdefs.ErrConflict)
	}

	firstMove := task.Status == types.StatusRequested
	at := task.StatusLog.Append(next, clamp(task, now))
	task.Events = append(task.Events, types.EventEntry{Code: types.Event(next), Timestamp: at, Actor: actor})
	task.Status = next
	task.UpdatedAt = at

	if (next == types.StatusCancelRequested || next == types.StatusCanceled) && task.CanceledBy == "" {
		task.CanceledBy = actor
	}

	if firstMove && task.ScheduleID != "" {
		schedule, err := tx.GetScheduleByID(task.ScheduleID)
		if errdefs.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		schedule.MostRecentTask = task.ID
		if err := tx.PutSchedule(schedule); err != nil {
			return fmt.Errorf("failed to update schedule %s: %w", schedule.Name, err)
		}
	}
	return nil
}

func clamp(task *types.Task, now time.Time) time.Time {
	if task.UpdatedAt.After(now) {
		return task.UpdatedAt
	}
	return now
}

func recordFile(task *types.Task, event types.Event, file *types.FileRecord, at time.Time) {
	if task.Files == nil {
		task.Files = make(map[string]*types.FileRecord)
	}
	rec, ok := task.Files[file.Name]
	if !ok {
		rec = &types.FileRecord{Name: file.Name}
		task.Files[file.Name] = rec
	}
	rec.Status = event
	if file.Size > 0 {
		rec.Size = file.Size
	}
	if file.Info != "" {
		rec.Info = file.Info
	}
	switch event {
	case types.EventCreatedFile:
		rec.Created = at
	case types.EventUploadedFile, types.EventFailedFile:
		rec.Uploaded = at
	case types.EventCheckedFile:
		rec.Checked = at
	}
}

func mergeContainer(task *types.Task, container map[string]interface{}) {
	if len(container) == 0 {
		return
	}
	if task.Container == nil {
		task.Container = make(map[string]interface{})
	}
	for k, v := range container {
		task.Container[k] = v
	}
}
