package atspec

import (
	"sync"
	"time"
)

// EventKind says which field of an Event carries news
type EventKind string

const (
	// EventState is published when an axis changes State
	EventState EventKind = "state"

	// EventInPosition is published when an axis gains or loses its target
	EventInPosition EventKind = "inPosition"

	// EventPosition is published with the final position after a move or
	// home, and whenever all axes are synchronized
	EventPosition EventKind = "position"
)

// Event is one transition observed by the controller
type Event struct {
	Kind       EventKind `json:"kind"`
	Axis       Axis      `json:"axis"`
	State      State     `json:"state"`
	Fault      Fault     `json:"fault"`
	InPosition bool      `json:"inPosition"`
	Position   float64   `json:"position"`
	InBetween  bool      `json:"inBetween"`

	// Slot is the optic at a wheel position, nil for the stage or when the
	// position has no entry in the slot table
	Slot *Slot `json:"slot,omitempty"`

	Time time.Time `json:"time"`
}

// Publisher receives transitions.  Publish must not block for long; it is
// called from inside the motion loops.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(Event)

// Publish calls f(e)
func (f PublisherFunc) Publish(e Event) { f(e) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Broadcaster fans events out to any number of subscribers.  A subscriber
// whose buffer is full misses the event rather than stalling the publisher.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewBroadcaster returns a Broadcaster with no subscribers
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber with room for buf pending events.
// The returned func unsubscribes and closes the channel; it may be called
// more than once.
func (b *Broadcaster) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish implements Publisher
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Len returns the number of subscribers
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel.  Later subscribers get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
