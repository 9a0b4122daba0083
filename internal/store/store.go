// Package store is the keyed record store behind jobs, chunks, transcripts
// and summary parts. Everything a job owns is keyed by its id and goes away
// with DeleteJob.
package store

import (
	"context"
	"time"

	"voice-notes-go/internal/types"
)

type Jobs interface {
	CreateJob(ctx context.Context, job *types.Job) error
	// GetJob returns types.ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error
	// DeleteJob removes the job and everything keyed by it.
	DeleteJob(ctx context.Context, id string) error
	// StaleJobs lists jobs not updated since before.
	StaleJobs(ctx context.Context, before time.Time) ([]*types.Job, error)
}

type Chunks interface {
	// PutChunk upserts by (job, index).
	PutChunk(ctx context.Context, c types.Chunk) error
	GetChunk(ctx context.Context, jobID string, index int) (*types.Chunk, error)
	// ListChunks is ordered by index.
	ListChunks(ctx context.Context, jobID string) ([]types.ChunkMeta, error)
	DeleteChunks(ctx context.Context, jobID string) error
}

type Transcripts interface {
	PutTranscript(ctx context.Context, t types.Transcript) error
	DeleteTranscript(ctx context.Context, jobID string, index int) error
	// ListTranscripts is ordered by index.
	ListTranscripts(ctx context.Context, jobID string) ([]types.Transcript, error)
}

type Parts interface {
	PutSummaryPart(ctx context.Context, p types.SummaryPart) error
	// ListSummaryParts is ordered by index.
	ListSummaryParts(ctx context.Context, jobID string) ([]types.SummaryPart, error)
}

// Store is the full repository injected into the services.
type Store interface {
	Jobs
	Chunks
	Transcripts
	Parts
	Close()
}
