package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	all := b.Subscribe()
	statusOnly := b.Subscribe(EventTaskStatus)
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventTaskReserved, TaskID: "t1"})
	b.Publish(&Event{Type: EventTaskStatus, TaskID: "t1", Status: "started"})

	ev := receive(t, all)
	assert.Equal(t, EventTaskReserved, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, EventTaskStatus, receive(t, all).Type)

	ev = receive(t, statusOnly)
	assert.Equal(t, "started", ev.Status)
	select {
	case extra := <-statusOnly:
		t.Fatalf("unexpected event %s", extra.Type)
	default:
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())
}

func TestBrokerStopClosesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()

	b.Stop()
	b.Stop()
	<-b.Done()

	_, open := <-sub
	assert.False(t, open)

	// publishing after stop is a no-op
	b.Publish(&Event{Type: EventTaskPruned})
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	_ = b.Subscribe()

	// loop not started, so the queue fills up
	for i := 0; i < cap(b.eventCh)+10; i++ {
		b.Publish(&Event{Type: EventTaskUpdated})
	}
	require.Len(t, b.eventCh, cap(b.eventCh))
	assert.Equal(t, uint64(10), b.Dropped())
}
