// Package bus fans readings out from the collectors to every consumer
// (dashboard, mirrors, metrics).
package bus

import (
	"sync"

	"github.com/hydrosense/gateway/internal/readings"
)

// Bus provides fan-out pub/sub for readings. Each Subscribe call gets its own
// channel that receives every future publication; past messages are not
// replayed. Safe for concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan readings.Reading
	closed      bool
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a channel receiving future readings. size is the buffer;
// a full buffer makes Publish skip that subscriber for that reading.
func (b *Bus) Subscribe(size int) <-chan readings.Reading {
	if size < 1 {
		size = 1
	}
	ch := make(chan readings.Reading, size)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(ch <-chan readings.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers r to all subscribers without blocking. It returns the
// number of subscribers that had to skip r because their buffer was full.
func (b *Bus) Publish(r readings.Reading) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	skipped := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- r.Clone():
		default:
			skipped++
		}
	}
	return skipped
}

// Close closes every subscriber channel; later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
