package types

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput is a bad request; never retried.
	KindInput
	// KindNotFound is a missing job.
	KindNotFound
	// KindTransient is a provider hiccup that may succeed later.
	KindTransient
	// KindStructural is undecodable audio or output that failed every fallback.
	KindStructural
	// KindPolicy covers quota and authorization refusals.
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindStructural:
		return "structural"
	case KindPolicy:
		return "policy"
	}
	return "unknown"
}

var (
	ErrInvalidJobID  = &Error{Kind: KindInput, Err: errors.New("invalid job id")}
	ErrInvalidIndex  = &Error{Kind: KindInput, Err: errors.New("invalid chunk index")}
	ErrChunkTooLarge = &Error{Kind: KindInput, Err: errors.New("chunk exceeds maximum size")}
	ErrEmptyChunk    = &Error{Kind: KindInput, Err: errors.New("chunk is empty")}
	ErrNoChunks      = &Error{Kind: KindInput, Err: errors.New("job has no chunks")}
	ErrUploadClosed  = &Error{Kind: KindInput, Err: errors.New("job no longer accepts chunks")}
	ErrJobNotFound   = &Error{Kind: KindNotFound, Err: errors.New("job not found")}
	ErrForbidden     = &Error{Kind: KindPolicy, Err: errors.New("forbidden")}
	ErrQuotaExceeded = &Error{Kind: KindPolicy, Err: errors.New("quota exceeded")}
	ErrStaleJob      = &Error{Kind: KindTransient, Err: errors.New("job was updated concurrently")}
	ErrJobFailed     = errors.New("job failed")
)

// Error carries a Kind alongside the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost classification found in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind != KindUnknown {
			return e.Kind
		}
		return KindOf(e.Err)
	}
	var gap *GapError
	if errors.As(err, &gap) {
		return KindInput
	}
	return KindUnknown
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// GapError reports a hole in the uploaded chunk sequence.
type GapError struct {
	Expected int
	Actual   int
}

func (e *GapError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("chunk gap: expected index %d, got none", e.Expected)
	}
	return fmt.Sprintf("chunk gap: expected index %d, got %d", e.Expected, e.Actual)
}

// FailedError is returned for every invocation on a failed job.
type FailedError struct {
	JobID     string
	LastError string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.LastError)
}

func (e *FailedError) Unwrap() error { return ErrJobFailed }
