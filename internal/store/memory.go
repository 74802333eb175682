package store

import (
	"context"
	"sort"
	"sync"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// MemoryStore is a map-backed Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]storedRecord
	incidents map[string]*telemetry.Incident
}

type storedRecord struct {
	rec        telemetry.Record
	enrichment telemetry.Enrichment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]storedRecord),
		incidents: make(map[string]*telemetry.Incident),
	}
}

func (s *MemoryStore) PutRecord(_ context.Context, rec telemetry.Record, enrichment telemetry.Enrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TraceID] = storedRecord{rec: rec, enrichment: enrichment}
	return nil
}

func (s *MemoryStore) PutIncident(_ context.Context, inc *telemetry.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inc
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetIncident(_ context.Context, id string) (*telemetry.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (s *MemoryStore) UpdateIncidentStatus(_ context.Context, id string, status telemetry.IncidentStatus) (*telemetry.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := inc.Transition(status); err != nil {
		return nil, err
	}
	cp := *inc
	return &cp, nil
}

func (s *MemoryStore) QueryIncidents(_ context.Context, filter Filter, limit int) ([]*telemetry.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = clampLimit(limit)
	out := make([]*telemetry.Incident, 0)
	for _, inc := range s.incidents {
		if filter.matches(inc) {
			cp := *inc
			out = append(out, &cp)
		}
	}
	// Newest first; ids are time-prefixed so this also sorts by id.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// RecordCount reports how many records have been persisted, for tests.
func (s *MemoryStore) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Enrichment returns the stored enrichment for a trace, for tests.
func (s *MemoryStore) Enrichment(traceID string) (telemetry.Enrichment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.records[traceID]
	return sr.enrichment, ok
}
