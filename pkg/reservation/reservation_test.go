package reservation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const gib = int64(1 << 30)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func forEachStore(t *testing.T, fn func(t *testing.T, s storage.Store)) {
	for _, driver := range []string{"bolt", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			s, err := storage.Open(driver, t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func newClaimer(s storage.Store) *Claimer {
	c := NewClaimer(s)
	c.now = func() time.Time { return base }
	return c
}

func poll(name string) Poll {
	return Poll{
		Worker:    name,
		Resources: types.Resources{CPU: 4, Memory: 8 * gib, Disk: 100 * gib},
		Offliners: []string{"mwoffliner"},
		IP:        "10.0.0.7",
	}
}

func seed(t *testing.T, s storage.Store, rts ...*types.RequestedTask) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx storage.Tx) error {
		for _, rt := range rts {
			if err := tx.PutRequestedTask(rt); err != nil {
				return err
			}
		}
		return nil
	}))
}

func requested(id string, priority int, memory int64) *types.RequestedTask {
	rt := &types.RequestedTask{
		ID:           id,
		ScheduleName: "wikipedia_" + id,
		Status:       types.StatusRequested,
		Priority:     priority,
		RequestedBy:  "admin",
		Config: types.TaskConfig{
			Offliner:  "mwoffliner",
			Resources: types.Resources{CPU: 1, Memory: memory, Disk: gib},
		},
		CreatedAt: base.Add(-time.Hour),
	}
	rt.StatusLog.Append(types.StatusRequested, rt.CreatedAt)
	return rt
}

func TestClaimPriorityOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storage.Store) {
		seed(t, s, requested("low", 0, gib), requested("high", 5, gib), requested("mid", 2, gib))
		c := newClaimer(s)
		ctx := context.Background()

		var got []string
		for i := 0; i < 3; i++ {
			task, err := c.Claim(ctx, poll("w1"))
			require.NoError(t, err)
			assert.Equal(t, types.StatusReserved, task.Status)
			assert.Equal(t, "w1", task.WorkerName)
			got = append(got, task.ID)
		}
		assert.Equal(t, []string{"high", "mid", "low"}, got)

		_, err := c.Claim(ctx, poll("w1"))
		assert.ErrorIs(t, err, ErrNoTask)
	})
}

func TestClaimMovesRequestToTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storage.Store) {
		seed(t, s, requested("r1", 0, gib))
		task, err := newClaimer(s).Claim(context.Background(), poll("w1"))
		require.NoError(t, err)

		require.NoError(t, s.View(context.Background(), func(tx storage.Tx) error {
			_, err := tx.GetRequestedTask("r1")
			assert.True(t, errdefs.IsNotFound(err))

			stored, err := tx.GetTask("r1")
			require.NoError(t, err)
			assert.Equal(t, task.ID, stored.ID)
			require.Len(t, stored.StatusLog, 2)
			assert.Equal(t, types.StatusRequested, stored.StatusLog[0].Status)
			assert.Equal(t, types.StatusReserved, stored.StatusLog[1].Status)

			w, err := tx.GetWorker("w1")
			require.NoError(t, err)
			assert.Equal(t, base, w.LastSeen.UTC())
			assert.Equal(t, "10.0.0.7", w.LastIP)
			return nil
		}))
	})
}

func TestClaimRespectsCapacity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storage.Store) {
		seed(t, s, requested("big", 9, 16*gib), requested("small", 0, gib))
		c := newClaimer(s)

		task, err := c.Claim(context.Background(), poll("w1"))
		require.NoError(t, err)
		assert.Equal(t, "small", task.ID)

		_, err = c.Claim(context.Background(), poll("w1"))
		assert.ErrorIs(t, err, ErrNoTask)
	})
}

func TestClaimRecordsCheckInWithoutWork(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storage.Store) {
		_, err := newClaimer(s).Claim(context.Background(), poll("idle"))
		require.ErrorIs(t, err, ErrNoTask)

		require.NoError(t, s.View(context.Background(), func(tx storage.Tx) error {
			w, err := tx.GetWorker("idle")
			require.NoError(t, err)
			assert.Equal(t, []string{"mwoffliner"}, w.Offliners)
			return nil
		}))
	})
}

func TestClaimRejects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(tx storage.Tx) error
		poll  Poll
		check func(error) bool
	}{
		{
			name:  "missing worker name",
			poll:  Poll{Resources: types.Resources{CPU: 1}},
			check: errdefs.IsInvalidArgument,
		},
		{
			name:  "negative resources",
			poll:  Poll{Worker: "w1", Resources: types.Resources{CPU: -1}},
			check: errdefs.IsInvalidArgument,
		},
		{
			name: "deleted worker",
			setup: func(tx storage.Tx) error {
				return tx.PutWorker(&types.Worker{Name: "w1", Deleted: true})
			},
			poll:  poll("w1"),
			check: errdefs.IsFailedPrecondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := storage.NewBoltStore(t.TempDir())
			require.NoError(t, err)
			defer s.Close()
			if tt.setup != nil {
				require.NoError(t, s.Update(context.Background(), tt.setup))
			}

			_, err = newClaimer(s).Claim(context.Background(), tt.poll)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)
		})
	}
}

func TestConcurrentClaimsReserveOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storage.Store) {
		seed(t, s, requested("only", 0, gib))
		c := newClaimer(s)

		var won atomic.Int32
		g, ctx := errgroup.WithContext(context.Background())
		for i := 0; i < 8; i++ {
			name := fmt.Sprintf("w%d", i)
			g.Go(func() error {
				_, err := c.Claim(ctx, poll(name))
				switch {
				case err == nil:
					won.Add(1)
					return nil
				case errors.Is(err, ErrNoTask):
					return nil
				default:
					return err
				}
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), won.Load())

		require.NoError(t, s.View(context.Background(), func(tx storage.Tx) error {
			tasks, err := tx.ListTasks(storage.TaskFilter{})
			require.NoError(t, err)
			assert.Len(t, tasks, 1)
			return nil
		}))
	})
}

func TestWait(t *testing.T) {
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	c := newClaimer(s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Wait(ctx, poll("w1"), NewPollLimiter(10*time.Millisecond))
	assert.Error(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.Update(context.Background(), func(tx storage.Tx) error {
			return tx.PutRequestedTask(requested("late", 0, gib))
		})
	}()
	task, err := c.Wait(context.Background(), poll("w1"), NewPollLimiter(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "late", task.ID)
}

func TestClaimersOnSeparateHandles(t *testing.T) {
	dir := t.TempDir()
	setup, err := storage.Open("sqlite", dir)
	require.NoError(t, err)
	defer setup.Close()

	const total = 20
	var rts []*types.RequestedTask
	for i := 0; i < total; i++ {
		rts = append(rts, requested(fmt.Sprintf("r%02d", i), 0, gib))
	}
	seed(t, setup, rts...)

	var won atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("w%d", i)
		g.Go(func() error {
			// one handle per worker process
			s, err := storage.Open("sqlite", dir)
			if err != nil {
				return err
			}
			defer s.Close()
			c := newClaimer(s)
			for {
				_, err := c.Claim(ctx, poll(name))
				switch {
				case err == nil:
					won.Add(1)
				case errors.Is(err, ErrNoTask):
					return nil
				default:
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(total), won.Load())

	require.NoError(t, setup.View(context.Background(), func(tx storage.Tx) error {
		tasks, err := tx.ListTasks(storage.TaskFilter{})
		require.NoError(t, err)
		assert.Len(t, tasks, total)
		queue, err := tx.ListRequestedTasks()
		require.NoError(t, err)
		assert.Empty(t, queue)
		return nil
	}))
}

func TestClaimLogsWorker(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	seed(t, s, requested("r1", 0, gib))

	_, err = newClaimer(s).Claim(context.Background(), poll("w1"))
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "task reserved", entry["message"])
	assert.Equal(t, "w1", entry["worker"])
	assert.Equal(t, "r1", entry["task_id"])
}
