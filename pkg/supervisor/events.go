package supervisor

import (
	"sync"
	"time"
)

// EventType names a supervision event.
type EventType string

const (
	// EventProcessExit fires whenever a worker process ends, whether
	// supervisor-initiated or not.
	EventProcessExit EventType = "process-exit"
	// EventProcessError fires when a worker cannot be brought up and
	// the retry budget is spent.
	EventProcessError EventType = "process-error"
	// EventHealthCheckFailed fires when a ready worker fails the
	// consecutive health check threshold.
	EventHealthCheckFailed EventType = "health-check-failed"
)

// Event is a supervision notification delivered to subscribers.
type Event struct {
	Type       EventType
	InstanceID string
	PID        int
	ExitCode   int
	Err        error
	At         time.Time
}

// Bus is a small in-process fan-out for supervision events. Publishing
// never blocks; a subscriber that falls behind loses events.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber channel. The returned
// function cancels the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
