package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class is how a provider adapter judges a failed call. It is decided once,
// where the response is seen, and never re-derived from the message text.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// Retryable reports whether backing off and trying again can help.
func (c Class) Retryable() bool { return c == ClassTransient || c == ClassRateLimited }

// Reasons attached to provider errors.
const (
	ReasonRateLimited   = "rate_limited"
	ReasonOverloaded    = "overloaded"
	ReasonTimeout       = "timeout"
	ReasonMalformed     = "malformed"
	ReasonErrorPage     = "error_page"
	ReasonModelNotFound = "model_not_found"
	ReasonRejected      = "rejected"
	ReasonNetwork       = "network"
)

// ProviderError is returned by every external adapter (ASR and LLM).
type ProviderError struct {
	Provider string
	Class    Class
	Reason   string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%s, http %d): %v", e.Provider, e.Reason, e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Reason, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClassOf returns the class of a provider error; anything unclassified is
// treated as transient.
func ClassOf(err error) Class {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// ClassifyStatus maps an HTTP status to a class and reason.
func ClassifyStatus(status int) (Class, string) {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited, ReasonRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassTransient, ReasonTimeout
	case status == http.StatusNotFound:
		return ClassPermanent, ReasonModelNotFound
	case status >= 500:
		return ClassTransient, ReasonOverloaded
	case status >= 400:
		return ClassPermanent, ReasonRejected
	}
	return ClassTransient, ReasonMalformed
}

// ClassifyTransport classifies errors raised before any response arrived.
func ClassifyTransport(provider string, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, Class: ClassTransient, Reason: ReasonNetwork, Err: err}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		pe.Reason = ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		pe.Class = ClassPermanent
	}
	return pe
}
