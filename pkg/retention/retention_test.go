package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// history builds n tasks for one schedule, task i updated i hours after base
func history(prefix, scheduleID, scheduleName string, n int, status types.Status) []*types.Task {
	var out []*types.Task
	for i := 0; i < n; i++ {
		out = append(out, &types.Task{
			ID:                   fmt.Sprintf("%s-%02d", prefix, i),
			Status:               status,
			ScheduleID:           scheduleID,
			OriginalScheduleName: scheduleName,
			UpdatedAt:            base.Add(time.Duration(i) * time.Hour),
		})
	}
	return out
}

func ids(prefix string, from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("%s-%02d", prefix, i))
	}
	return out
}

func TestExcess(t *testing.T) {
	tests := []struct {
		name     string
		tasks    []*types.Task
		keep     int
		expected map[string][]string
	}{
		{
			name:     "under the ceiling",
			tasks:    history("a", "s1", "wiki", 5, types.StatusSucceeded),
			keep:     10,
			expected: map[string][]string{},
		},
		{
			name:     "oldest beyond the ceiling",
			tasks:    history("a", "s1", "wiki", 15, types.StatusSucceeded),
			keep:     10,
			expected: map[string][]string{"id:s1": ids("a", 0, 5)},
		},
		{
			name: "live tasks are kept",
			tasks: func() []*types.Task {
				tasks := history("a", "s1", "wiki", 4, types.StatusFailed)
				tasks[0].Status = types.StatusScraperRunning
				return tasks
			}(),
			keep:     2,
			expected: map[string][]string{"id:s1": {"a-01"}},
		},
		{
			name: "orphans grouped by name",
			tasks: append(
				history("o", "", "gone", 3, types.StatusCanceled),
				history("p", "", "other", 3, types.StatusCanceled)...,
			),
			keep: 1,
			expected: map[string][]string{
				"name:gone":  {"o-01", "o-00"},
				"name:other": {"p-01", "p-00"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Excess(tt.tasks, tt.keep))
		})
	}
}

func TestRun(t *testing.T) {
	for _, driver := range []string{"bolt", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			s, err := storage.Open(driver, t.TempDir())
			require.NoError(t, err)
			defer s.Close()
			ctx := context.Background()

			tasks := history("a", "s1", "wiki", 15, types.StatusSucceeded)
			// the schedule still points at an old task
			tasks = append(tasks, history("b", "s2", "books", 3, types.StatusSucceeded)...)
			require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
				if err := tx.PutSchedule(&types.Schedule{ID: "s1", Name: "wiki", MostRecentTask: "a-14"}); err != nil {
					return err
				}
				if err := tx.PutSchedule(&types.Schedule{ID: "s2", Name: "books", MostRecentTask: "b-00"}); err != nil {
					return err
				}
				for _, task := range tasks {
					if err := tx.PutTask(task); err != nil {
						return err
					}
				}
				return nil
			}))

			c := NewCleaner(s, func() int { return 10 })
			result, err := c.Run(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, ids("a", 0, 5), result.Deleted)
			assert.Zero(t, result.Failed)

			require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
				left, err := tx.ListTasks(storage.TaskFilter{ScheduleID: "s1"})
				require.NoError(t, err)
				var got []string
				for _, task := range left {
					got = append(got, task.ID)
				}
				assert.ElementsMatch(t, ids("a", 5, 15), got)
				return nil
			}))

			c = NewCleaner(s, func() int { return 1 })
			result, err = c.Run(ctx)
			require.NoError(t, err)
			// b-00 survives as the recorded most recent task
			assert.ElementsMatch(t, append(ids("a", 5, 14), "b-01"), result.Deleted)
		})
	}
}

func TestRunDisabled(t *testing.T) {
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		for _, task := range history("a", "s1", "wiki", 3, types.StatusFailed) {
			if err := tx.PutTask(task); err != nil {
				return err
			}
		}
		return nil
	}))

	result, err := NewCleaner(s, func() int { return 0 }).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
}
