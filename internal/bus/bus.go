package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	// Namespace must be a prefix of Event.Kind.
	Namespace string
	AccountID string
}

func (f Filter) match(evt Event) bool {
	if !strings.HasPrefix(evt.Kind, f.Namespace) {
		return false
	}
	return f.AccountID == "" || f.AccountID == evt.AccountID
}

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	filter Filter
	ch     chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose filter matches it.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.match(evt) {
			select {
			case sub.ch <- evt:
			default:
				// Slow subscribers lose events rather than block publishers.
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeFilter(Filter{Namespace: namespace}, bufSize)
}

// SubscribeFilter is Subscribe with an account filter.
func (b *Bus) SubscribeFilter(f Filter, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{filter: f, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
