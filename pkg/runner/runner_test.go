package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejects(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name  string
		job   Job
		check func(error) bool
	}{
		{"no name", Job{Interval: time.Second, Run: noop}, errdefs.IsInvalidArgument},
		{"no func", Job{Name: "x", Interval: time.Second}, errdefs.IsInvalidArgument},
		{"zero interval", Job{Name: "x", Run: noop}, errdefs.IsInvalidArgument},
		{"duplicate", Job{Name: "dup", Interval: time.Second, Run: noop}, errdefs.IsAlreadyExists},
	}

	r := New()
	require.NoError(t, r.Add(Job{Name: "dup", Interval: time.Second, Run: noop}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Add(tt.job)
			require.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}
}

func TestTriggerRecordsStatus(t *testing.T) {
	r := New()
	var calls atomic.Int32
	require.NoError(t, r.Add(Job{
		Name:     "reaper",
		Interval: time.Hour,
		Run: func(context.Context) error {
			calls.Add(1)
			return errors.New("store locked")
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop(context.Background())

	require.NoError(t, r.Trigger("reaper"))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return r.Status()["reaper"].LastErr == "store locked"
	}, time.Second, 10*time.Millisecond)

	assert.True(t, errdefs.IsNotFound(r.Trigger("missing")))
}

func TestPanickingJobIsRecovered(t *testing.T) {
	r := New()
	var calls atomic.Int32
	require.NoError(t, r.Add(Job{
		Name:     "boom",
		Interval: time.Second,
		Run: func(context.Context) error {
			calls.Add(1)
			panic("bad pass")
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop(context.Background())

	// the schedule keeps firing after a panic
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
}

func TestCanceledContextSkipsRuns(t *testing.T) {
	r := New()
	var calls atomic.Int32
	require.NoError(t, r.Add(Job{
		Name:     "scheduler",
		Interval: time.Hour,
		Run: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()
	require.NoError(t, r.Trigger("scheduler"))
	time.Sleep(50 * time.Millisecond)
	r.Stop(context.Background())

	assert.Zero(t, calls.Load())
}
