// Package processor is the finalize-all path: every pending chunk of a job
// is transcribed in one call over a bounded worker pool, after which the
// stepper carries on from the summarize stage.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/auth"
	"voice-notes-go/internal/chunks"
	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/pipeline"
	"voice-notes-go/internal/quota"
	"voice-notes-go/internal/store"
	"voice-notes-go/internal/transcription"
	"voice-notes-go/internal/types"
)

// Result is returned by /jobs/{id}/finalize-all.
type Result struct {
	JobID       string          `json:"job_id"`
	Transcribed int             `json:"transcribed"`
	Skipped     int             `json:"skipped"`
	Status      types.JobStatus `json:"status"`
	DurationMs  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
}

type Processor struct {
	store     store.Store
	authz     *auth.Authorizer
	guard     quota.Guard
	pool      *transcription.Pool
	asrWeight int
	notifier  pipeline.Notifier
	now       func() time.Time
	log       *logrus.Entry
}

func New(s store.Store, authz *auth.Authorizer, guard quota.Guard, pool *transcription.Pool, asrWeight int) *Processor {
	if guard == nil {
		guard = quota.Unlimited{}
	}
	if asrWeight <= 0 {
		asrWeight = 70
	}
	return &Processor{
		store:     s,
		authz:     authz,
		guard:     guard,
		pool:      pool,
		asrWeight: asrWeight,
		now:       time.Now,
		log:       logger.New().WithField("component", "processor"),
	}
}

// SetNotifier registers a listener for status changes.
func (p *Processor) SetNotifier(n pipeline.Notifier) { p.notifier = n }

// Finalize transcribes all chunks that have no transcript yet and moves the
// job to summarize. One failed segment fails the whole batch and the job.
// Jobs already past asr are returned unchanged.
func (p *Processor) Finalize(ctx context.Context, callerID, jobID string) (Result, error) {
	start := time.Now()
	res := Result{JobID: jobID}

	j, err := p.authz.Authorize(ctx, callerID, jobID)
	if err != nil {
		return res, err
	}
	switch j.Stage {
	case types.StageFailed:
		res.Status = j.Status()
		msg := ""
		if j.LastError != nil {
			msg = *j.LastError
		}
		return res, &types.FailedError{JobID: j.ID, LastError: msg}
	case types.StageASR:
	default:
		res.Status = j.Status()
		return res, nil
	}

	metas, err := p.store.ListChunks(ctx, jobID)
	if err != nil {
		return res, err
	}
	if len(metas) == 0 {
		return res, types.ErrNoChunks
	}
	if err := chunks.ValidateContiguous(metas); err != nil {
		return res, err
	}
	if j.Finalized && j.TotalChunks > len(metas) {
		return res, &types.GapError{Expected: len(metas), Actual: -1}
	}
	if !j.HasReserved(quota.KindASR) {
		if err := quota.ReserveOnce(ctx, p.guard, j, quota.KindASR, len(metas)); err != nil {
			return res, err
		}
		// Record the reservation before transcribing so a retry never charges again.
		if err := p.update(ctx, j, markReserved(quota.KindASR)); err != nil {
			return res, err
		}
		if j.Stage != types.StageASR {
			res.Status = j.Status()
			return res, nil
		}
	}

	existing, err := p.store.ListTranscripts(ctx, jobID)
	if err != nil {
		return res, err
	}
	have := make(map[int]bool, len(existing))
	for _, t := range existing {
		have[t.Index] = true
	}
	var segments []transcription.Segment
	for _, m := range metas {
		if have[m.Index] {
			res.Skipped++
			continue
		}
		c, err := p.store.GetChunk(ctx, jobID, m.Index)
		if err != nil {
			return res, err
		}
		segments = append(segments, transcription.Segment{Index: c.Index, Data: c.Data, Mime: c.Mime, Filename: c.Filename})
	}

	log := p.log.WithFields(logrus.Fields{"job_id": jobID, "pending": len(segments), "skipped": res.Skipped})
	log.Info("finalize-all started")

	results, err := p.pool.TranscribeAll(ctx, segments)
	if err != nil {
		res.Error = err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		if ctx.Err() == nil {
			cause := fmt.Errorf("finalize-all: %w", err)
			fail := func(j *types.Job) {
				if j.Stage == types.StageASR {
					j.Fail(cause)
				}
			}
			if uerr := p.save(context.WithoutCancel(ctx), j, fail); uerr != nil {
				log.WithError(uerr).Warn("could not record failure")
			}
		}
		res.Status = j.Status()
		log.WithError(err).Error("finalize-all failed")
		return res, err
	}

	for _, r := range results {
		t := types.Transcript{JobID: jobID, Index: r.Index, Text: r.Text, CreatedAt: p.now()}
		if err := p.store.PutTranscript(ctx, t); err != nil {
			return res, err
		}
		res.Transcribed++
	}

	// A job a concurrent step already moved past asr stays as stored.
	toSummarize := func(j *types.Job) {
		if j.Stage != types.StageASR {
			return
		}
		j.Stage = types.StageSummarize
		j.LastError = nil
		if j.Progress < p.asrWeight {
			j.Progress = p.asrWeight
		}
	}
	if err := p.save(ctx, j, toSummarize); err != nil {
		return res, err
	}

	res.Status = j.Status()
	res.DurationMs = time.Since(start).Milliseconds()
	log.WithField("duration_ms", res.DurationMs).Info("finalize-all done")
	return res, nil
}

func markReserved(kind string) func(*types.Job) {
	return func(j *types.Job) {
		if !j.HasReserved(kind) {
			j.Reserved = append(j.Reserved, kind)
		}
	}
}

// update applies change to j and persists it. If a concurrent step wrote
// the job first, change is applied again to the stored job.
func (p *Processor) update(ctx context.Context, j *types.Job, change func(*types.Job)) error {
	change(j)
	j.UpdatedAt = p.now()
	err := p.store.UpdateJob(ctx, j)
	if errors.Is(err, types.ErrStaleJob) {
		stored, gerr := p.store.GetJob(ctx, j.ID)
		if gerr != nil {
			return fmt.Errorf("reload job %s: %w", j.ID, gerr)
		}
		*j = *stored
		change(j)
		j.UpdatedAt = p.now()
		err = p.store.UpdateJob(ctx, j)
	}
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// save is update plus a status notification.
func (p *Processor) save(ctx context.Context, j *types.Job, change func(*types.Job)) error {
	if err := p.update(ctx, j, change); err != nil {
		return err
	}
	if p.notifier != nil {
		p.notifier.Publish(j.Status())
	}
	return nil
}
