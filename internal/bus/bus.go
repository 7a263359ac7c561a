// Package bus is the in-process event bus connecting the sync layer, the
// outbox and the service facades. Subscribers filter by kind prefix, so
// "message." receives every message event while "message.send_ack" receives
// only acks.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to prefix-filtered subscribers. Delivery is
// non-blocking: a subscriber that falls behind loses events rather than
// stalling the publisher, so consumers must treat the stream as lossy and
// re-read state from the cache.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Full subscriber buffers are skipped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a listener for kinds starting with prefix. An empty
// prefix matches everything. The returned function removes the registration;
// calling it more than once is safe. The channel is never closed by the bus.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	unsub := sync.OnceFunc(func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	})
	return ch, unsub
}
