package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"voice-notes-go/internal/types"
)

type chunkKey struct {
	job   string
	index int
}

// Memory keeps everything in process. Values are copied on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]*types.Job
	chunks      map[chunkKey]types.Chunk
	transcripts map[chunkKey]types.Transcript
	parts       map[chunkKey]types.SummaryPart
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*types.Job),
		chunks:      make(map[chunkKey]types.Chunk),
		transcripts: make(map[chunkKey]types.Transcript),
		parts:       make(map[chunkKey]types.SummaryPart),
	}
}

func (m *Memory) Close() {}

func cloneJob(j *types.Job) *types.Job {
	c := *j
	if j.LastError != nil {
		s := *j.LastError
		c.LastError = &s
	}
	if j.Provenance != nil {
		c.Provenance = make(map[string]string, len(j.Provenance))
		for k, v := range j.Provenance {
			c.Provenance[k] = v
		}
	}
	c.Reserved = append([]string(nil), j.Reserved...)
	if j.Note != nil {
		n := *j.Note
		c.Note = &n
	}
	return &c
}

func (m *Memory) CreateJob(ctx context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, types.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) UpdateJob(ctx context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return types.ErrJobNotFound
	}
	if cur.Version != job.Version {
		return types.ErrStaleJob
	}
	job.Version++
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return types.ErrJobNotFound
	}
	delete(m.jobs, id)
	for k := range m.chunks {
		if k.job == id {
			delete(m.chunks, k)
		}
	}
	for k := range m.transcripts {
		if k.job == id {
			delete(m.transcripts, k)
		}
	}
	for k := range m.parts {
		if k.job == id {
			delete(m.parts, k)
		}
	}
	return nil
}

func (m *Memory) StaleJobs(ctx context.Context, before time.Time) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Job
	for _, j := range m.jobs {
		if j.UpdatedAt.Before(before) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return out, nil
}

func (m *Memory) PutChunk(ctx context.Context, c types.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[c.JobID]; !ok {
		return types.ErrJobNotFound
	}
	c.Data = append([]byte(nil), c.Data...)
	m.chunks[chunkKey{c.JobID, c.Index}] = c
	return nil
}

func (m *Memory) GetChunk(ctx context.Context, jobID string, index int) (*types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[chunkKey{jobID, index}]
	if !ok {
		return nil, fmt.Errorf("chunk %s/%d not found", jobID, index)
	}
	c.Data = append([]byte(nil), c.Data...)
	return &c, nil
}

func (m *Memory) ListChunks(ctx context.Context, jobID string) ([]types.ChunkMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ChunkMeta
	for k, c := range m.chunks {
		if k.job == jobID {
			out = append(out, c.Meta())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

func (m *Memory) DeleteChunks(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if k.job == jobID {
			delete(m.chunks, k)
		}
	}
	return nil
}

func (m *Memory) PutTranscript(ctx context.Context, t types.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[t.JobID]; !ok {
		return types.ErrJobNotFound
	}
	m.transcripts[chunkKey{t.JobID, t.Index}] = t
	return nil
}

func (m *Memory) DeleteTranscript(ctx context.Context, jobID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transcripts, chunkKey{jobID, index})
	return nil
}

func (m *Memory) ListTranscripts(ctx context.Context, jobID string) ([]types.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Transcript
	for k, t := range m.transcripts {
		if k.job == jobID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

func (m *Memory) PutSummaryPart(ctx context.Context, p types.SummaryPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[p.JobID]; !ok {
		return types.ErrJobNotFound
	}
	m.parts[chunkKey{p.JobID, p.Index}] = p
	return nil
}

func (m *Memory) ListSummaryParts(ctx context.Context, jobID string) ([]types.SummaryPart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.SummaryPart
	for k, p := range m.parts {
		if k.job == jobID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}
