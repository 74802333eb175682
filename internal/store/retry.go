package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
)

// writeAttempts is the total write budget: one try plus three
// retries with exponential backoff.
const writeAttempts = 4

// RetryingStore decorates a Store with write retries and a circuit
// breaker in front of the backing database. Reads pass through
// untouched (retrying a read buys nothing the caller can't do), and
// policy errors (IllegalTransition, NotFound) are never retried.
type RetryingStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewRetryingStore(inner Store, logger *zap.Logger) *RetryingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingStore{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "recordstore",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
		logger:         logger,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

func (s *RetryingStore) PutRecord(ctx context.Context, rec telemetry.Record, enrichment telemetry.Enrichment) error {
	return s.retryWrite(ctx, "put_record", func() error {
		return s.inner.PutRecord(ctx, rec, enrichment)
	})
}

func (s *RetryingStore) PutIncident(ctx context.Context, inc *telemetry.Incident) error {
	return s.retryWrite(ctx, "put_incident", func() error {
		return s.inner.PutIncident(ctx, inc)
	})
}

func (s *RetryingStore) GetIncident(ctx context.Context, id string) (*telemetry.Incident, error) {
	return s.inner.GetIncident(ctx, id)
}

func (s *RetryingStore) UpdateIncidentStatus(ctx context.Context, id string, status telemetry.IncidentStatus) (*telemetry.Incident, error) {
	return s.inner.UpdateIncidentStatus(ctx, id, status)
}

func (s *RetryingStore) QueryIncidents(ctx context.Context, filter Filter, limit int) ([]*telemetry.Incident, error) {
	return s.inner.QueryIncidents(ctx, filter, limit)
}

func (s *RetryingStore) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *RetryingStore) Close() error { return s.inner.Close() }

func (s *RetryingStore) retryWrite(ctx context.Context, operation string, write func() error) error {
	backoff := s.initialBackoff

	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		_, err := s.breaker.Execute(func() (any, error) {
			return nil, write()
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == writeAttempts {
			break
		}

		s.logger.Warn("store write failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", backoff),
			zap.Error(err),
		)

		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/4+1))
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", operation, ctx.Err())
		}
	}

	if errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s rejected by open circuit: %w", operation, lastErr)
	}
	return lastErr
}
