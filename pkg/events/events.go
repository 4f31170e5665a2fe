package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskRequested   EventType = "task.requested"
	EventRequestDeleted  EventType = "task.request_deleted"
	EventTaskReserved    EventType = "task.reserved"
	EventTaskStatus      EventType = "task.status"
	EventTaskUpdated     EventType = "task.updated"
	EventTaskReaped      EventType = "task.reaped"
	EventTaskPruned      EventType = "task.pruned"
	EventScheduleUpdated EventType = "schedule.updated"
	EventScheduleDeleted EventType = "schedule.deleted"
	EventWorkerCheckedIn EventType = "worker.checked_in"
)

// Event is published after the change it describes is committed
type Event struct {
	Type      EventType
	TaskID    string
	Schedule  string
	Worker    string
	Status    string
	Timestamp time.Time
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	types map[EventType]bool // empty means every type
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broker fans events out to subscribers. Publish never blocks: when the
// broker queue or a subscriber buffer is full the event is dropped for
// that receiver and counted.
type Broker struct {
	subscribers map[Subscriber]subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	dropped     uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]subscription),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the distribution loop and closes every subscriber channel
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Done is closed once the distribution loop has exited
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Subscribe registers a subscriber for the given types, or for every
// type when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	s := subscription{types: make(map[EventType]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}
	b.subscribers[sub] = s
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		b.drop()
	}
}

// Dropped returns how many deliveries were skipped
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Broker) drop() {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			b.closeAll()
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	skipped := 0
	for sub, s := range b.subscribers {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			skipped++
		}
	}
	b.mu.RUnlock()

	if skipped > 0 {
		b.mu.Lock()
		b.dropped += uint64(skipped)
		b.mu.Unlock()
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
