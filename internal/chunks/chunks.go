package chunks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/auth"
	"voice-notes-go/internal/events"
	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/store"
	"voice-notes-go/internal/types"
)

// Service is the chunk ingestion path. Uploads for one job are expected to
// arrive one at a time; the service only guarantees per-index upsert.
type Service struct {
	store    store.Store
	authz    *auth.Authorizer
	bus      *events.Bus
	maxBytes int
	now      func() time.Time
	log      *logrus.Entry
}

func New(s store.Store, authz *auth.Authorizer, bus *events.Bus, maxBytes int) *Service {
	return &Service{
		store:    s,
		authz:    authz,
		bus:      bus,
		maxBytes: maxBytes,
		now:      time.Now,
		log:      logger.New().WithField("component", "chunks"),
	}
}

// CreateJob starts a job in the asr stage for ownerID.
func (s *Service) CreateJob(ctx context.Context, ownerID string) (*types.Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, types.ErrForbidden
	}
	now := s.now()
	j := &types.Job{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Stage:     types.StageASR,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.log.WithFields(logrus.Fields{"job_id": j.ID, "owner_id": ownerID}).Info("job created")
	return j, nil
}

// PutChunk stores one fragment. Re-sending an index replaces the previous
// bytes and drops any transcript made from them.
func (s *Service) PutChunk(ctx context.Context, callerID, jobID string, index int, data []byte, mime, filename string) error {
	if index < 0 {
		return types.ErrInvalidIndex
	}
	if len(data) == 0 {
		return types.ErrEmptyChunk
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return fmt.Errorf("%d bytes, limit %d: %w", len(data), s.maxBytes, types.ErrChunkTooLarge)
	}
	j, err := s.authz.Authorize(ctx, callerID, jobID)
	if err != nil {
		return err
	}
	if j.Stage != types.StageASR {
		return fmt.Errorf("job %s is in stage %s: %w", jobID, j.Stage, types.ErrUploadClosed)
	}

	c := types.Chunk{
		JobID:      jobID,
		Index:      index,
		Data:       data,
		Mime:       normalizeMime(mime),
		Filename:   filename,
		Size:       len(data),
		UploadedAt: s.now(),
	}
	if c.Filename == "" {
		c.Filename = DefaultFilename(index, c.Mime)
	}
	if err := s.store.PutChunk(ctx, c); err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	if err := s.store.DeleteTranscript(ctx, jobID, index); err != nil {
		return fmt.Errorf("invalidate transcript: %w", err)
	}

	if s.bus != nil && !s.bus.Publish(events.ChunkUploaded{JobID: jobID, OwnerID: callerID, Index: index, Size: len(data), At: c.UploadedAt}) {
		s.log.WithField("job_id", jobID).Warn("upload event dropped")
	}
	s.log.WithFields(logrus.Fields{
		"job_id": jobID,
		"index":  index,
		"size":   len(data),
		"mime":   c.Mime,
	}).Debug("chunk stored")
	return nil
}

// ListChunks returns chunk metadata ordered by index.
func (s *Service) ListChunks(ctx context.Context, callerID, jobID string) ([]types.ChunkMeta, error) {
	if _, err := s.authz.Authorize(ctx, callerID, jobID); err != nil {
		return nil, err
	}
	return s.store.ListChunks(ctx, jobID)
}

// Finalize records how many chunks the client sent. The set must already be
// contiguous and match the declared total.
func (s *Service) Finalize(ctx context.Context, callerID, jobID string, total int) (*types.Job, error) {
	j, err := s.authz.Authorize(ctx, callerID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Stage != types.StageASR {
		return nil, fmt.Errorf("job %s is in stage %s: %w", jobID, j.Stage, types.ErrUploadClosed)
	}
	metas, err := s.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, types.ErrNoChunks
	}
	if err := ValidateContiguous(metas); err != nil {
		return nil, err
	}
	if total > 0 && total != len(metas) {
		if total > len(metas) {
			return nil, &types.GapError{Expected: len(metas), Actual: -1}
		}
		return nil, types.E(types.KindInput, "finalize", fmt.Errorf("declared %d chunks but %d were uploaded", total, len(metas)))
	}
	j.TotalChunks = len(metas)
	j.Finalized = true
	j.UpdatedAt = s.now()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"job_id": jobID, "total": j.TotalChunks}).Info("upload finalized")
	return j, nil
}

// ValidateContiguous checks that indices run 0..n-1 without holes.
// The input must be ordered by index.
func ValidateContiguous(metas []types.ChunkMeta) error {
	for i, m := range metas {
		if m.Index != i {
			return &types.GapError{Expected: i, Actual: m.Index}
		}
	}
	return nil
}

func normalizeMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "" {
		return "application/octet-stream"
	}
	return m
}

// DefaultFilename gives the ASR service a name with a sensible extension.
func DefaultFilename(index int, mime string) string {
	return fmt.Sprintf("chunk-%05d%s", index, extensionFor(mime))
}

func extensionFor(mime string) string {
	base := mime
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	switch strings.TrimSpace(base) {
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "video/mp4":
		return ".m4a"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	}
	return ".bin"
}
