package aiclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Pre-compiled patterns for extracting a retry hint from a rate-limit
// error's message body when no structured header is available.
var (
	retryAfterTryAgainRegex = regexp.MustCompile(`(?i)try again in (\d+)\s*(second|minute|hour)s?`)
	retryAfterWaitRegex     = regexp.MustCompile(`(?i)wait (\d+)\s*(second|minute|hour)s?`)
	retryAfterColonRegex    = regexp.MustCompile(`(?i)retry[_-]?after["']?\s*:\s*(\d+)`)
)

// RetryConfig controls the backoff loop wrapping every AI call.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64 // fraction, e.g. 0.2 = +/-20%
	PerCallTimeout    time.Duration

	CircuitFailureThreshold uint32
	CircuitOpenTimeout      time.Duration
}

// DefaultRetryConfig is the standard backoff (base 500ms, cap 5s,
// jitter +/-20%) with three retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:              3,
		InitialBackoff:          500 * time.Millisecond,
		MaxBackoff:              5 * time.Second,
		BackoffMultiplier:       2.0,
		BackoffJitter:           0.2,
		PerCallTimeout:          10 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitOpenTimeout:      30 * time.Second,
	}
}

// NewBreaker builds the gobreaker instance an adapter places in front
// of its calls. Named per-adapter ("aiclient", "recordstore", ...) so
// multiple breakers don't share state.
func NewBreaker(name string, cfg RetryConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: cfg.CircuitOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	})
}

// classifyError maps a raw error from the Anthropic SDK (or a plain
// error string, for adapters that don't surface typed errors) onto the
// ErrorKind taxonomy, along with a retry-after hint for rate limits.
func classifyError(err error) (ErrorKind, time.Duration) {
	if err == nil {
		return ErrUnknown, 0
	}

	// Errors already classified by an adapter (or by a parse failure
	// wrapped as ErrInvalidResponse) keep their kind.
	var ce *CallError
	if errors.As(err, &ce) {
		var retryAfter time.Duration
		if ce.RetryAfter != nil {
			retryAfter = time.Duration(*ce.RetryAfter) * time.Second
		}
		return ce.Kind, retryAfter
	}

	var apiErr *anthropic.Error
	if errAs(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ErrRateLimited, parseRetryAfter(apiErr)
		case apiErr.StatusCode >= 500 && apiErr.StatusCode < 600:
			return ErrServiceError, 0
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return ErrTimeout, 0
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return ErrRateLimited, parseRetryAfterFromMessage(msg)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout, 0
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") || strings.Contains(msg, "service unavailable") || strings.Contains(msg, "bad gateway"):
		return ErrServiceError, 0
	default:
		return ErrUnknown, 0
	}
}

// errAs is a small indirection so classifyError compiles without a
// direct dependency cycle on errors.As's generic pointer requirement.
func errAs(err error, target **anthropic.Error) bool {
	for err != nil {
		if e, ok := err.(*anthropic.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func parseRetryAfter(apiErr *anthropic.Error) time.Duration {
	if apiErr.Response != nil {
		if retryAfter := apiErr.Response.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				return time.Duration(seconds) * time.Second
			}
		}
		if resetHeader := apiErr.Response.Header.Get("X-RateLimit-Reset"); resetHeader != "" {
			if ts, err := strconv.ParseInt(resetHeader, 10, 64); err == nil {
				if wait := time.Until(time.Unix(ts, 0)); wait > 0 {
					return wait
				}
			}
		}
	}
	if raw := apiErr.RawJSON(); raw != "" {
		if wait := parseRetryAfterFromMessage(raw); wait > 0 {
			return wait
		}
	}
	return 0
}

func parseRetryAfterFromMessage(msg string) time.Duration {
	if m := retryAfterTryAgainRegex.FindStringSubmatch(msg); len(m) == 3 {
		return durationFromUnit(m[1], m[2])
	}
	if m := retryAfterWaitRegex.FindStringSubmatch(msg); len(m) == 3 {
		return durationFromUnit(m[1], m[2])
	}
	if m := retryAfterColonRegex.FindStringSubmatch(msg); len(m) == 2 {
		if seconds, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

func durationFromUnit(value, unit string) time.Duration {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	switch strings.ToLower(unit) {
	case "second":
		return time.Duration(n) * time.Second
	case "minute":
		return time.Duration(n) * time.Minute
	case "hour":
		return time.Duration(n) * time.Hour
	default:
		return 0
	}
}

// withRetry runs fn up to cfg.MaxRetries+1 times, honoring a
// server-provided retry-after hint on rate limits and exponential
// backoff with jitter otherwise. It returns the last classified error
// once retries are exhausted, or nil on success. Each attempt's context
// passed to fn already carries cfg.PerCallTimeout.
func withRetry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, operation string, fn func(context.Context) error) error {
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.PerCallTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		kind, retryAfter := classifyError(err)
		ce := &CallError{Kind: kind, Err: err}
		if retryAfter > 0 {
			ce.RetryAfter = ptrInt64(int64(retryAfter.Seconds()))
		}

		if !ce.Retryable() || attempt == cfg.MaxRetries {
			return ce
		}

		wait := backoff
		if retryAfter > 0 {
			wait = retryAfter
		} else {
			wait = jittered(backoff, cfg.BackoffJitter)
			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		if logger != nil {
			logger.Warn("ai call failed, retrying",
				zap.String("operation", operation),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.String("error_kind", kind.String()),
				zap.Error(err),
			)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", operation, ctx.Err())
		}
	}
	return lastErr
}

// WithRetry exposes the backoff loop to callers outside this package
// (the Quality and Threat Classifiers, the Record Store adapter). Each
// attempt's context passed to fn already carries cfg.PerCallTimeout.
func WithRetry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, operation string, fn func(context.Context) error) error {
	return withRetry(ctx, cfg, logger, operation, fn)
}

func jittered(base time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return base
	}
	delta := float64(base) * frac
	return base + time.Duration((rand.Float64()*2-1)*delta)
}

func ptrInt64(v int64) *int64 { return &v }
