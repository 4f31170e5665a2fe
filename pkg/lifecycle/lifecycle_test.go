package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seed stores a schedule and one requested task for it
func seed(t *testing.T, s storage.Store) *types.RequestedTask {
	t.Helper()
	schedule := &types.Schedule{ID: "s1", Name: "wiktionary_fr", Enabled: true, Periodicity: types.PeriodicityMonthly}
	rt := &types.RequestedTask{
		ID:           "rt1",
		ScheduleID:   "s1",
		ScheduleName: "wiktionary_fr",
		Status:       types.StatusRequested,
		RequestedBy:  "tester",
		Config:       types.TaskConfig{Offliner: "mwoffliner"},
		CreatedAt:    t0,
	}
	rt.StatusLog.Append(types.StatusRequested, t0)

	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.PutSchedule(schedule); err != nil {
			return err
		}
		return tx.PutRequestedTask(rt)
	}))
	return rt
}

func reserve(t *testing.T, s storage.Store, rt *types.RequestedTask) *types.Task {
	t.Helper()
	var task *types.Task
	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		var err error
		task, err = Reserve(tx, rt, "worker-1", t0.Add(time.Minute))
		return err
	}))
	return task
}

func apply(s storage.Store, id string, event types.Event, payload Payload, now time.Time) (*types.Task, error) {
	var task *types.Task
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		var err error
		task, err = Apply(tx, id, event, payload, now)
		return err
	})
	return task, err
}

func TestReservePromotesRequestedTask(t *testing.T) {
	s := newStore(t)
	rt := seed(t, s)

	task := reserve(t, s, rt)
	assert.Equal(t, "rt1", task.ID)
	assert.Equal(t, types.StatusReserved, task.Status)
	assert.Equal(t, "worker-1", task.WorkerName)
	assert.Equal(t, "wiktionary_fr", task.OriginalScheduleName)
	require.Len(t, task.StatusLog, 2)
	assert.Equal(t, types.StatusRequested, task.StatusLog[0].Status)
	assert.Equal(t, types.StatusReserved, task.StatusLog[1].Status)

	require.NoError(t, s.View(context.Background(), func(tx storage.Tx) error {
		_, err := tx.GetRequestedTask("rt1")
		assert.True(t, errdefs.IsNotFound(err), "requested task must be consumed")

		schedule, err := tx.GetSchedule("wiktionary_fr")
		require.NoError(t, err)
		assert.Equal(t, "rt1", schedule.MostRecentTask)
		return nil
	}))
}

func TestReserveTwiceConflicts(t *testing.T) {
	s := newStore(t)
	rt := seed(t, s)
	reserve(t, s, rt)

	err := s.Update(context.Background(), func(tx storage.Tx) error {
		_, err := Reserve(tx, rt, "worker-2", t0.Add(2*time.Minute))
		return err
	})
	assert.True(t, errdefs.IsConflict(err))
}

func TestApplyLegalSequenceReplays(t *testing.T) {
	s := newStore(t)
	task := reserve(t, s, seed(t, s))

	sequence := []types.Status{
		types.StatusStarted,
		types.StatusScraperStarted,
		types.StatusScraperRunning,
		types.StatusScraperCompleted,
		types.StatusSucceeded,
	}
	var err error
	for i, status := range sequence {
		task, err = apply(s, task.ID, types.Event(status), Payload{Actor: "worker-1"}, t0.Add(time.Duration(i+2)*time.Minute))
		require.NoError(t, err, "applying %s", status)
	}

	assert.Equal(t, types.StatusSucceeded, task.Status)
	assert.True(t, task.StatusLog.Monotonic())
	last, _ := task.StatusLog.Last()
	assert.Equal(t, task.Status, last.Status)

	replayed, err := Replay(task.StatusLog)
	require.NoError(t, err)
	assert.Equal(t, task.Status, replayed)
}

func TestApplyRejectsIllegalTransitions(t *testing.T) {
	s := newStore(t)
	task := reserve(t, s, seed(t, s))

	tests := []struct {
		name  string
		event types.Event
		check func(error) bool
	}{
		{"skip ahead", types.Event(types.StatusScraperCompleted), errdefs.IsConflict},
		{"same status", types.Event(types.StatusReserved), errdefs.IsAlreadyExists},
		{"unknown event", types.Event("exploded"), errdefs.IsInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := apply(s, task.ID, tt.event, Payload{}, t0.Add(time.Hour))
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}

	_, err := apply(s, "missing", types.Event(types.StatusStarted), Payload{}, t0)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestTerminalTaskIsFrozen(t *testing.T) {
	s := newStore(t)
	task := reserve(t, s, seed(t, s))
	for i, status := range []types.Status{types.StatusStarted, types.StatusScraperStarted, types.StatusScraperCompleted, types.StatusSucceeded} {
		_, err := apply(s, task.ID, types.Event(status), Payload{}, t0.Add(time.Duration(i+2)*time.Minute))
		require.NoError(t, err)
	}

	var before *types.Task
	require.NoError(t, s.View(context.Background(), func(tx storage.Tx) error {
		var err error
		before, err = tx.GetTask(task.ID)
		return err
	}))

	for _, status := range types.AllStatuses {
		_, err := apply(s, task.ID, types.Event(status), Payload{Actor: "admin"}, t0.Add(time.Hour))
		assert.True(t, errdefs.IsConflict(err), "event %s on succeeded task: %v", status, err)
	}
	_, err := apply(s, task.ID, types.EventUpdate, Payload{}, t0.Add(time.Hour))
	assert.True(t, errdefs.IsConflict(err))

	require.NoError(t, s.View(context.Background(), func(tx storage.Tx) error {
		after, err := tx.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSucceeded, after.Status)
		assert.Equal(t, before.StatusLog, after.StatusLog)
		assert.Empty(t, after.CanceledBy)
		return nil
	}))

	// uploads may still be reported after the scraper finished
	updated, err := apply(s, task.ID, types.EventUploadedFile, Payload{File: &types.FileRecord{Name: "wiktionary_fr.zim", Size: 42}}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Contains(t, updated.Files, "wiktionary_fr.zim")
	assert.Equal(t, types.EventUploadedFile, updated.Files["wiktionary_fr.zim"].Status)
	assert.Equal(t, types.StatusSucceeded, updated.Status)
}

func TestCancelRecordsFirstActor(t *testing.T) {
	s := newStore(t)
	task := reserve(t, s, seed(t, s))

	task, err := apply(s, task.ID, types.Event(types.StatusCancelRequested), Payload{Actor: "alice"}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "alice", task.CanceledBy)

	_, err = apply(s, task.ID, types.Event(types.StatusCancelRequested), Payload{Actor: "bob"}, t0.Add(2*time.Hour))
	assert.True(t, errdefs.IsAlreadyExists(err))

	task, err = apply(s, task.ID, types.Event(types.StatusCanceled), Payload{Actor: "bob"}, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "alice", task.CanceledBy)
	assert.Equal(t, types.StatusCanceled, task.Status)
}

func TestUpdateEventMergesContainer(t *testing.T) {
	s := newStore(t)
	task := reserve(t, s, seed(t, s))

	task, err := apply(s, task.ID, types.EventUpdate, Payload{Container: map[string]interface{}{"progress": 10.0}}, t0.Add(time.Hour))
	require.NoError(t, err)
	task, err = apply(s, task.ID, types.EventUpdate, Payload{Container: map[string]interface{}{"exit_code": 0.0}}, t0.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, types.StatusReserved, task.Status)
	assert.Len(t, task.StatusLog, 2, "informational events do not touch the status log")
	assert.Equal(t, 10.0, task.Container["progress"])
	assert.Equal(t, 0.0, task.Container["exit_code"])
}

func TestReplayRejectsBrokenLogs(t *testing.T) {
	tests := []struct {
		name string
		log  types.StatusLog
	}{
		{"empty", nil},
		{"bad start", types.StatusLog{{Status: types.StatusStarted, Timestamp: t0}}},
		{"illegal step", types.StatusLog{
			{Status: types.StatusRequested, Timestamp: t0},
			{Status: types.StatusSucceeded, Timestamp: t0},
		}},
		{"backwards", types.StatusLog{
			{Status: types.StatusRequested, Timestamp: t0},
			{Status: types.StatusReserved, Timestamp: t0.Add(-time.Second)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Replay(tt.log)
			assert.Error(t, err)
		})
	}
}
