package summarizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/extractor"
	"voice-notes-go/internal/llm"
	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/types"
)

// Phase names, also used as provenance keys.
const (
	PhaseOutline = "outline"
	PhaseSection = "section_notes"
	PhaseMerge   = "final_merge"
)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds every single primary call; SecondaryTimeout does the
	// same for the fallback provider and defaults to Timeout.
	Timeout          time.Duration
	SecondaryTimeout time.Duration
	// MaxSections is the section count the outline prompt asks for. Every
	// section a valid outline returns still gets its own notes.
	MaxSections int
}

// Result carries a phase output and which provider produced it.
type Result[T any] struct {
	Value    T
	Provider string
	// Strict is set when the value came from the strict re-prompt.
	Strict bool
	// Fallback is set when the secondary provider answered.
	Fallback bool
}

// Marker is the provenance string stored on the job, e.g. "openai:strict".
func (r Result[T]) Marker() string {
	switch {
	case r.Strict:
		return r.Provider + ":strict"
	case r.Fallback:
		return r.Provider + ":fallback"
	}
	return r.Provider
}

// Engine runs the three summarization phases against a primary provider,
// falling back to a secondary one.
type Engine struct {
	primary   llm.Provider
	secondary llm.Provider
	opts      Options
	log       *logrus.Entry
}

// NewEngine builds an engine. secondary may be nil, in which case the
// strict re-prompt is the last resort.
func NewEngine(primary, secondary llm.Provider, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 8 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.SecondaryTimeout == 0 {
		opts.SecondaryTimeout = opts.Timeout
	}
	if opts.MaxSections <= 0 {
		opts.MaxSections = 8
	}
	return &Engine{
		primary:   primary,
		secondary: secondary,
		opts:      opts,
		log:       logger.New().WithField("component", "summarizer"),
	}
}

// Outline runs phase one over a transcript.
func (e *Engine) Outline(ctx context.Context, transcript string) (Result[*types.Outline], error) {
	return call(ctx, e, PhaseOutline, BuildOutlinePrompt(transcript, e.opts.MaxSections), extractor.ParseOutline)
}

// SectionNotes runs phase two for one outline section.
func (e *Engine) SectionNotes(ctx context.Context, section types.OutlineSection) (Result[*types.SectionNotes], error) {
	msgs := BuildSectionNotesPrompt(section.ID, section.Heading, section.SourceText)
	return call(ctx, e, PhaseSection, msgs, extractor.ParseSectionNotes)
}

// FinalMerge runs phase three over the rendered section outputs.
func (e *Engine) FinalMerge(ctx context.Context, parts []string) (Result[*types.FinalNote], error) {
	return call(ctx, e, PhaseMerge, BuildFinalMergePrompt(parts), extractor.ParseFinalNote)
}

func isOutputError(err error) bool {
	var se *extractor.SchemaError
	var pe *extractor.ParseError
	return errors.As(err, &se) || errors.As(err, &pe)
}

// hardProviderError is a provider refusal that retrying the same
// provider cannot fix, like an unknown model.
func hardProviderError(err error) bool {
	var pe *types.ProviderError
	return errors.As(err, &pe) && !pe.Class.Retryable()
}

func call[T any](ctx context.Context, e *Engine, phase string, msgs []llm.Message, parse func(string) (T, error)) (Result[T], error) {
	var (
		zero  Result[T]
		value T
	)
	accept := func(raw string) error {
		v, err := parse(raw)
		if err != nil {
			return err
		}
		value = v
		return nil
	}

	err := e.attempts(ctx, phase, e.primary, e.opts.Timeout, msgs, e.opts.MaxAttempts, true, accept)
	if err == nil {
		return Result[T]{Value: value, Provider: e.primary.Name()}, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	if !hardProviderError(err) {
		e.log.WithFields(logrus.Fields{"phase": phase, "provider": e.primary.Name()}).WithError(err).Warn("retries exhausted, sending strict re-prompt")
		if err = e.attempts(ctx, phase, e.primary, e.opts.Timeout, strictMessages(msgs), 1, false, accept); err == nil {
			return Result[T]{Value: value, Provider: e.primary.Name(), Strict: true}, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	if e.secondary == nil {
		return zero, phaseError(phase, err)
	}

	e.log.WithFields(logrus.Fields{"phase": phase, "provider": e.secondary.Name()}).WithError(err).Warn("falling back to secondary provider")
	if err = e.attempts(ctx, phase, e.secondary, e.opts.SecondaryTimeout, msgs, e.opts.MaxAttempts, false, accept); err == nil {
		return Result[T]{Value: value, Provider: e.secondary.Name(), Fallback: true}, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	return zero, phaseError(phase, err)
}

// phaseError classifies the last failure of a phase. Bad output and hard
// provider refusals are structural; exhausted transient errors stay
// transient.
func phaseError(phase string, err error) error {
	op := "summarize " + phase
	if isOutputError(err) || hardProviderError(err) {
		return types.E(types.KindStructural, op, err)
	}
	return types.E(types.KindTransient, op, err)
}

// attempts calls p up to max times with exponential backoff. Retryable
// provider errors are always retried; unusable output only when
// retryOutput is set.
func (e *Engine) attempts(ctx context.Context, phase string, p llm.Provider, timeout time.Duration, msgs []llm.Message, max int, retryOutput bool, accept func(string) error) error {
	var (
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		fields := logrus.Fields{"phase": phase, "provider": p.Name(), "attempt": attempt}
		resp, err := p.Chat(callCtx, llm.ChatRequest{Messages: msgs, Temperature: 0.2, JSON: true})
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				err = &types.ProviderError{Provider: p.Name(), Class: types.ClassTransient, Reason: types.ReasonTimeout, Err: err}
			}
			lastErr = err
			class := types.ClassOf(err)
			e.log.WithFields(fields).WithField("class", class.String()).WithError(err).Warn("llm call failed")
			if ctx.Err() != nil || !class.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}

		if err := accept(resp.Content); err != nil {
			lastErr = err
			e.log.WithFields(fields).WithError(err).Warn("llm output rejected")
			if !retryOutput {
				return backoff.Permanent(err)
			}
			return err
		}
		e.log.WithFields(fields).WithField("tokens", resp.Usage.TotalTokens).Debug("llm call succeeded")
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BaseDelay
	b.MaxInterval = e.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("%s via %s after %d attempts: %w", phase, p.Name(), attempt, lastErr)
	}
	return nil
}
