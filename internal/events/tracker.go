package events

import (
	"sync"
	"time"
)

// Tracker remembers the latest upload per job so housekeeping can tell an
// idle job from one that is still receiving audio.
type Tracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
	seen map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]time.Time), seen: make(map[string]int)}
}

func (t *Tracker) Record(ev ChunkUploaded) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.At.After(t.last[ev.JobID]) {
		t.last[ev.JobID] = ev.At
	}
	t.seen[ev.JobID]++
}

// LastUpload returns the zero time for jobs without recorded uploads.
func (t *Tracker) LastUpload(jobID string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last[jobID]
}

func (t *Tracker) Uploads(jobID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seen[jobID]
}

func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, jobID)
	delete(t.seen, jobID)
}
