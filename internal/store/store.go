// Package store defines the record store adapter: the
// injected persistence interface for enriched records and incidents,
// with a sqlite-backed default implementation and an in-memory one for
// tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// ErrNotFound is returned by reads for an unknown incident id.
var ErrNotFound = errors.New("store: not found")

// Filter narrows a QueryIncidents call. Nil fields match everything.
type Filter struct {
	Status   *telemetry.IncidentStatus
	Severity *telemetry.Severity
	Since    *time.Time
}

// MaxQueryLimit caps QueryIncidents result sizes.
const MaxQueryLimit = 500

// Store is the persistence interface the pipeline writes through.
// Writes are at-most-once: callers tolerate loss on a crash between
// enqueue and persist. Status updates are read-your-writes within a
// single process.
type Store interface {
	PutRecord(ctx context.Context, rec telemetry.Record, enrichment telemetry.Enrichment) error
	PutIncident(ctx context.Context, inc *telemetry.Incident) error
	GetIncident(ctx context.Context, id string) (*telemetry.Incident, error)
	// UpdateIncidentStatus applies the incident state machine: only
	// open->acknowledged and acknowledged->resolved succeed, re-applying
	// the current status is a no-op, anything else returns
	// *telemetry.ErrIllegalTransition.
	UpdateIncidentStatus(ctx context.Context, id string, status telemetry.IncidentStatus) (*telemetry.Incident, error)
	QueryIncidents(ctx context.Context, filter Filter, limit int) ([]*telemetry.Incident, error)
	Ping(ctx context.Context) error
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// matches reports whether inc satisfies the filter; shared by the
// memory backend and tests.
func (f Filter) matches(inc *telemetry.Incident) bool {
	if f.Status != nil && inc.Status != *f.Status {
		return false
	}
	if f.Severity != nil && inc.Severity != *f.Severity {
		return false
	}
	if f.Since != nil && inc.CreatedAt < f.Since.UnixNano() {
		return false
	}
	return true
}
