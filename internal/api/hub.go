package api

import (
	"sync"

	"voice-notes-go/internal/types"
)

// Hub fans job status changes out to websocket subscribers. Slow
// subscribers miss intermediate updates but always see the latest one.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan types.JobStatus]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan types.JobStatus]struct{})}
}

// Publish implements pipeline.Notifier.
func (h *Hub) Publish(st types.JobStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[st.JobID] {
		select {
		case ch <- st:
		default:
			// drop the stale update and keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Subscribe returns a channel of status updates for jobID and a function
// that unsubscribes and closes it.
func (h *Hub) Subscribe(jobID string) (<-chan types.JobStatus, func()) {
	ch := make(chan types.JobStatus, 4)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan types.JobStatus]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers is the number of open subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
