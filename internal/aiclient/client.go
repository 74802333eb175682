// Package aiclient defines the AI client interface the quality and
// threat classifiers depend on, plus a production implementation wrapping the
// Anthropic SDK with retry, backoff, and circuit-breaking, and a fake
// for tests.
package aiclient

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a Client failure the way callers need to react
// to it: Timeout/RateLimited/ServiceError are transient and retried;
// InvalidResponse is semantic (the call succeeded but the payload did
// not parse) and also retried, but on exhaustion the caller treats the
// analyzer as contributing nothing rather than failing the record.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrTimeout
	ErrRateLimited
	ErrInvalidResponse
	ErrServiceError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "Timeout"
	case ErrRateLimited:
		return "RateLimited"
	case ErrInvalidResponse:
		return "InvalidResponse"
	case ErrServiceError:
		return "ServiceError"
	default:
		return "Unknown"
	}
}

// CallError wraps an underlying error with its classification and, for
// RateLimited errors, an optional server-provided retry hint.
type CallError struct {
	Kind       ErrorKind
	RetryAfter *int64 // seconds; nil if the adapter surfaced none
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("aiclient: %s: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the caller's retry loop should attempt
// this call again (Timeout, RateLimited, ServiceError, InvalidResponse
// are all retried; anything else is terminal).
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrRateLimited, ErrServiceError, ErrInvalidResponse:
		return true
	default:
		return false
	}
}

// Request carries the sampling parameters for one completion call.
type Request struct {
	Prompt          string
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// Client is the single method the core consumes from an AI provider.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// AsCallError extracts a *CallError from err, classifying generic
// errors (context deadline, etc.) into the taxonomy if the producer
// didn't already.
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: ErrTimeout, Err: err}
	}
	return &CallError{Kind: ErrUnknown, Err: err}
}
