package events

import (
	"context"
	"sync"
	"time"
)

// ChunkUploaded is emitted once per stored chunk.
type ChunkUploaded struct {
	JobID   string
	OwnerID string
	Index   int
	Size    int
	At      time.Time
}

// Bus carries upload completions from the ingestion path to whoever listens.
// Processing never reads from it; the stepper works off persisted state.
type Bus struct {
	ch     chan ChunkUploaded
	mu     sync.RWMutex
	closed bool
}

// NewBus creates a bus buffering up to size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 100
	}
	return &Bus{ch: make(chan ChunkUploaded, size)}
}

// Publish never blocks an upload; it reports false when the event was dropped.
func (b *Bus) Publish(ev ChunkUploaded) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- ev:
		return true
	default:
		return false
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Consume hands every event to fn until ctx is done or the bus closes.
func (b *Bus) Consume(ctx context.Context, fn func(ChunkUploaded)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.ch:
			if !ok {
				return
			}
			fn(ev)
		}
	}
}
