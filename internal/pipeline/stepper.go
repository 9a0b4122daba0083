// Package pipeline drives a job through asr, summarize and merge one
// bounded batch at a time. Every call persists its progress before
// returning, so callers can invoke Step repeatedly under a short deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/auth"
	"voice-notes-go/internal/chunks"
	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/quota"
	"voice-notes-go/internal/store"
	"voice-notes-go/internal/summarizer"
	"voice-notes-go/internal/transcription"
	"voice-notes-go/internal/types"
)

// NoSpeechNote is stored as the final markdown when every chunk was silent.
const NoSpeechNote = "_No speech was detected in this recording._"

// Summarizer is the part of summarizer.Engine the stepper drives.
type Summarizer interface {
	SummarizeSlice(ctx context.Context, text string) (summarizer.SlicePart, error)
	FinalMerge(ctx context.Context, parts []string) (summarizer.Result[*types.FinalNote], error)
}

// Notifier hears about every persisted status change.
type Notifier interface {
	Publish(status types.JobStatus)
}

type Options struct {
	// BatchSize is the number of work units per Step call.
	BatchSize     int
	SliceWindow   int
	SliceOverlap  int
	ASRWeight     int
	SummaryWeight int
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.SliceWindow <= 0 {
		o.SliceWindow = 12000
		if o.SliceOverlap == 0 {
			o.SliceOverlap = 800
		}
	}
	if o.SliceOverlap < 0 || o.SliceOverlap >= o.SliceWindow {
		o.SliceOverlap = 0
	}
	if o.ASRWeight <= 0 {
		o.ASRWeight = 70
	}
	if o.SummaryWeight <= 0 {
		o.SummaryWeight = 25
	}
}

type Stepper struct {
	store    store.Store
	authz    *auth.Authorizer
	guard    quota.Guard
	asr      transcription.Transcriber
	sum      Summarizer
	opts     Options
	notifier Notifier
	now      func() time.Time
	log      *logrus.Entry
}

func NewStepper(s store.Store, authz *auth.Authorizer, guard quota.Guard, asr transcription.Transcriber, sum Summarizer, opts Options) *Stepper {
	opts.defaults()
	if guard == nil {
		guard = quota.Unlimited{}
	}
	return &Stepper{
		store: s,
		authz: authz,
		guard: guard,
		asr:   asr,
		sum:   sum,
		opts:  opts,
		now:   time.Now,
		log:   logger.New().WithField("component", "stepper"),
	}
}

// SetNotifier registers a listener for status changes.
func (s *Stepper) SetNotifier(n Notifier) { s.notifier = n }

// Status is the read-only view of a job.
func (s *Stepper) Status(ctx context.Context, callerID, jobID string) (types.JobStatus, error) {
	j, err := s.authz.Authorize(ctx, callerID, jobID)
	if err != nil {
		return types.JobStatus{}, err
	}
	return j.Status(), nil
}

// Step performs at most BatchSize units of work and returns the persisted
// status. A done job is a no-op; a failed job returns its stored error.
func (s *Stepper) Step(ctx context.Context, callerID, jobID string) (types.JobStatus, error) {
	j, err := s.authz.Authorize(ctx, callerID, jobID)
	if err != nil {
		return types.JobStatus{}, err
	}

	for unit := 0; unit < s.opts.BatchSize; unit++ {
		switch j.Stage {
		case types.StageDone:
			return j.Status(), nil
		case types.StageFailed:
			return j.Status(), failedError(j)
		}

		if err := s.stepOnce(ctx, j); err != nil {
			return j.Status(), err
		}
	}
	if j.Stage == types.StageFailed {
		return j.Status(), failedError(j)
	}
	return j.Status(), nil
}

// Run calls Step until the job is done, an error occurs or maxSteps calls
// have been made.
func (s *Stepper) Run(ctx context.Context, callerID, jobID string, maxSteps int) (types.JobStatus, error) {
	var (
		st  types.JobStatus
		err error
	)
	for i := 0; i < maxSteps; i++ {
		st, err = s.Step(ctx, callerID, jobID)
		if err != nil || st.Stage == types.StageDone {
			return st, err
		}
	}
	return st, nil
}

func failedError(j *types.Job) error {
	msg := ""
	if j.LastError != nil {
		msg = *j.LastError
	}
	return &types.FailedError{JobID: j.ID, LastError: msg}
}

func (s *Stepper) stepOnce(ctx context.Context, j *types.Job) error {
	var err error
	switch j.Stage {
	case types.StageASR:
		err = s.stepASR(ctx, j)
	case types.StageSummarize:
		err = s.stepSummarize(ctx, j)
	case types.StageMerge:
		err = s.stepMerge(ctx, j)
	default:
		return fmt.Errorf("job %s has unknown stage %q", j.ID, j.Stage)
	}
	if err != nil {
		return s.refuse(ctx, j, err)
	}
	return nil
}

// refuse records an input or policy refusal on the job without failing it,
// so the caller can fix the cause and step again.
func (s *Stepper) refuse(ctx context.Context, j *types.Job, err error) error {
	switch types.KindOf(err) {
	case types.KindInput, types.KindPolicy:
	default:
		return err
	}
	msg := err.Error()
	j.LastError = &msg
	if uerr := s.save(ctx, j); uerr != nil {
		s.log.WithField("job_id", j.ID).WithError(uerr).Warn("could not record refusal")
	}
	s.log.WithFields(logrus.Fields{"job_id": j.ID, "stage": j.Stage}).WithError(err).Info("step refused")
	return err
}

// fail moves the job to failed and returns err. A cancelled caller context
// does not fail the job.
func (s *Stepper) fail(ctx context.Context, j *types.Job, err error) error {
	if ctx.Err() != nil {
		return err
	}
	j.Fail(err)
	if uerr := s.save(context.WithoutCancel(ctx), j); uerr != nil {
		return fmt.Errorf("%w (and saving the failure: %v)", err, uerr)
	}
	if j.Stage != types.StageFailed {
		// A concurrent step moved the job on; the next step retries this unit.
		s.log.WithField("job_id", j.ID).WithError(err).Warn("failure superseded by a concurrent step")
		return nil
	}
	s.log.WithFields(logrus.Fields{"job_id": j.ID, "progress": j.Progress}).WithError(err).Error("job failed")
	return err
}

// save persists j and notifies listeners.
func (s *Stepper) save(ctx context.Context, j *types.Job) error {
	if err := s.persist(ctx, j); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Publish(j.Status())
	}
	return nil
}

// persist writes j unless another step updated the job since it was
// loaded. In that case j is replaced by the stored job, so stage and
// progress never move backwards.
func (s *Stepper) persist(ctx context.Context, j *types.Job) error {
	j.UpdatedAt = s.now()
	err := s.store.UpdateJob(ctx, j)
	if errors.Is(err, types.ErrStaleJob) {
		return s.adopt(ctx, j)
	}
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// adopt loads the stored job into j. Quota reservations and provenance the
// losing step recorded are carried over so they are neither charged again
// nor lost.
func (s *Stepper) adopt(ctx context.Context, j *types.Job) error {
	stored, err := s.store.GetJob(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", j.ID, err)
	}
	changed := false
	for _, kind := range j.Reserved {
		if !stored.HasReserved(kind) {
			stored.Reserved = append(stored.Reserved, kind)
			changed = true
		}
	}
	for k, v := range j.Provenance {
		if _, ok := stored.Provenance[k]; !ok {
			if stored.Provenance == nil {
				stored.Provenance = map[string]string{}
			}
			stored.Provenance[k] = v
			changed = true
		}
	}
	if changed {
		stored.UpdatedAt = s.now()
		if err := s.store.UpdateJob(ctx, stored); err != nil && !errors.Is(err, types.ErrStaleJob) {
			return fmt.Errorf("save job %s: %w", j.ID, err)
		}
	}
	s.log.WithFields(logrus.Fields{"job_id": j.ID, "stage": stored.Stage, "progress": stored.Progress}).Info("job advanced by a concurrent step, keeping stored state")
	*j = *stored
	return nil
}

// reserve takes quota for kind once per job and persists the reservation
// before any other work, so a later store failure cannot charge twice.
// It reports whether the job is still at stage afterwards.
func (s *Stepper) reserve(ctx context.Context, j *types.Job, kind string, amount int) (bool, error) {
	stage := j.Stage
	if j.HasReserved(kind) {
		return true, nil
	}
	if err := quota.ReserveOnce(ctx, s.guard, j, kind, amount); err != nil {
		return false, err
	}
	if err := s.persist(ctx, j); err != nil {
		return false, err
	}
	return j.Stage == stage, nil
}

// advance sets progress without ever moving it backwards.
func advance(j *types.Job, progress int) {
	if progress > j.Progress {
		j.Progress = progress
	}
}

func (s *Stepper) stepASR(ctx context.Context, j *types.Job) error {
	metas, err := s.store.ListChunks(ctx, j.ID)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		return types.ErrNoChunks
	}
	if err := chunks.ValidateContiguous(metas); err != nil {
		return err
	}
	total := len(metas)
	if j.Finalized && j.TotalChunks > total {
		return &types.GapError{Expected: total, Actual: -1}
	}
	if ok, err := s.reserve(ctx, j, quota.KindASR, total); err != nil || !ok {
		return err
	}

	transcripts, err := s.store.ListTranscripts(ctx, j.ID)
	if err != nil {
		return err
	}
	have := make(map[int]bool, len(transcripts))
	for _, t := range transcripts {
		have[t.Index] = true
	}
	done := 0
	next := -1
	for _, m := range metas {
		if have[m.Index] {
			done++
		} else if next < 0 {
			next = m.Index
		}
	}

	if next >= 0 {
		c, err := s.store.GetChunk(ctx, j.ID, next)
		if err != nil {
			return err
		}
		text, err := s.asr.Transcribe(ctx, c.Data, c.Mime, c.Filename)
		if err != nil {
			return s.fail(ctx, j, fmt.Errorf("transcribe chunk %d: %w", next, err))
		}
		if err := s.store.PutTranscript(ctx, types.Transcript{JobID: j.ID, Index: next, Text: text, CreatedAt: s.now()}); err != nil {
			return err
		}
		done++
		s.log.WithFields(logrus.Fields{"job_id": j.ID, "index": next, "chars": len(text)}).Info("chunk transcribed")
	}

	j.LastError = nil
	advance(j, done*s.opts.ASRWeight/total)
	if done == total {
		j.Stage = types.StageSummarize
		advance(j, s.opts.ASRWeight)
	}
	return s.save(ctx, j)
}

// transcriptText joins the non-empty transcripts in index order.
func (s *Stepper) transcriptText(ctx context.Context, jobID string) (string, error) {
	ts, err := s.store.ListTranscripts(ctx, jobID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		if txt := strings.TrimSpace(t.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (s *Stepper) stepSummarize(ctx context.Context, j *types.Job) error {
	text, err := s.transcriptText(ctx, j.ID)
	if err != nil {
		return err
	}
	slices := SliceTranscript(text, s.opts.SliceWindow, s.opts.SliceOverlap)
	if ok, err := s.reserve(ctx, j, quota.KindSummarize, 1); err != nil || !ok {
		return err
	}

	parts, err := s.store.ListSummaryParts(ctx, j.ID)
	if err != nil {
		return err
	}
	have := make(map[int]bool, len(parts))
	for _, p := range parts {
		if p.Index < len(slices) {
			have[p.Index] = true
		}
	}
	next := -1
	for i := range slices {
		if !have[i] {
			next = i
			break
		}
	}

	if next >= 0 {
		part := types.SummaryPart{JobID: j.ID, Index: next, Provider: "none", CreatedAt: s.now()}
		if strings.TrimSpace(slices[next]) != "" {
			sp, err := s.sum.SummarizeSlice(ctx, slices[next])
			if err != nil {
				return s.fail(ctx, j, fmt.Errorf("summarize slice %d of %d: %w", next+1, len(slices), err))
			}
			part.Text = sp.Markdown
			part.Provider = sp.ProviderLabel()
		}
		if err := s.store.PutSummaryPart(ctx, part); err != nil {
			return err
		}
		have[next] = true
		if j.Provenance == nil {
			j.Provenance = map[string]string{}
		}
		j.Provenance[fmt.Sprintf("slice.%d", next)] = part.Provider
		s.log.WithFields(logrus.Fields{"job_id": j.ID, "slice": next, "slices": len(slices), "provider": part.Provider}).Info("slice summarized")
	}

	j.LastError = nil
	advance(j, s.opts.ASRWeight+len(have)*s.opts.SummaryWeight/len(slices))
	if len(have) == len(slices) {
		j.Stage = types.StageMerge
		advance(j, s.opts.ASRWeight+s.opts.SummaryWeight)
	}
	return s.save(ctx, j)
}

func (s *Stepper) stepMerge(ctx context.Context, j *types.Job) error {
	parts, err := s.store.ListSummaryParts(ctx, j.ID)
	if err != nil {
		return err
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.Text) != "" {
			texts = append(texts, p.Text)
		}
	}

	if len(texts) == 0 {
		j.Markdown = NoSpeechNote
		j.Note = nil
	} else {
		res, err := s.sum.FinalMerge(ctx, texts)
		if err != nil {
			return s.fail(ctx, j, fmt.Errorf("final merge: %w", err))
		}
		j.Note = res.Value
		j.Markdown = res.Value.Markdown
		if !strings.Contains(j.Markdown, "#") {
			j.Markdown = summarizer.RenderNote(res.Value)
		}
		if j.Provenance == nil {
			j.Provenance = map[string]string{}
		}
		j.Provenance[summarizer.PhaseMerge] = res.Marker()
	}

	j.LastError = nil
	j.Stage = types.StageDone
	advance(j, 100)
	if err := s.save(ctx, j); err != nil {
		return err
	}
	if j.Stage != types.StageDone {
		return nil
	}

	if err := s.store.DeleteChunks(ctx, j.ID); err != nil && !errors.Is(err, types.ErrJobNotFound) {
		s.log.WithField("job_id", j.ID).WithError(err).Warn("could not purge chunks")
	}
	s.log.WithFields(logrus.Fields{"job_id": j.ID, "chars": len(j.Markdown)}).Info("job done")
	return nil
}
