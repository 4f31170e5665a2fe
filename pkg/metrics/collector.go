package metrics

import (
	"context"
	"time"

	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
)

// Collector refreshes the state gauges from the store
type Collector struct {
	store        storage.Store
	onlineWindow time.Duration
	now          func() time.Time
}

// NewCollector creates a new metrics collector. Workers seen within
// onlineWindow count as online.
func NewCollector(store storage.Store, onlineWindow time.Duration) *Collector {
	return &Collector{
		store:        store,
		onlineWindow: onlineWindow,
		now:          time.Now,
	}
}

// Collect reads the store once and updates the gauges
func (c *Collector) Collect(ctx context.Context) error {
	var (
		tasks     []*types.Task
		requested []*types.RequestedTask
		workers   []*types.Worker
	)
	err := c.store.View(ctx, func(tx storage.Tx) error {
		var err error
		if tasks, err = tx.ListTasks(storage.TaskFilter{}); err != nil {
			return err
		}
		if requested, err = tx.ListRequestedTasks(); err != nil {
			return err
		}
		workers, err = tx.ListWorkers()
		return err
	})
	if err != nil {
		return err
	}

	counts := make(map[types.Status]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	// every status is set so vanished ones drop back to zero
	for _, status := range types.AllStatuses {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	RequestedTasksTotal.Set(float64(len(requested)))

	online := 0
	cutoff := c.now().Add(-c.onlineWindow)
	for _, w := range workers {
		if !w.Deleted && w.LastSeen.After(cutoff) {
			online++
		}
	}
	WorkersOnline.Set(float64(online))
	return nil
}
