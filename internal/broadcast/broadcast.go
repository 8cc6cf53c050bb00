// Package broadcast fans dispatch runs out to live API subscribers.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

const DefaultBuffer = 16

type Broadcaster struct {
	subscribers map[uint64]chan *models.DispatchRun
	nextID      atomic.Uint64
	dropped     atomic.Uint64
	buffer      int
	closed      bool
	mu          sync.RWMutex
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subscribers: make(map[uint64]chan *models.DispatchRun),
		buffer:      buffer,
	}
}

// Subscribe registers a listener. After Close the returned channel is
// already closed.
func (b *Broadcaster) Subscribe() (uint64, <-chan *models.DispatchRun) {
	id := b.nextID.Add(1)
	ch := make(chan *models.DispatchRun, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch

	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Broadcast never blocks the dispatcher: a subscriber whose buffer is full
// misses the run.
func (b *Broadcaster) Broadcast(r *models.DispatchRun) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- r:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped is the number of deliveries skipped because of slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels so open streams end.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
