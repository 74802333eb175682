package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs a subtest against both Store implementations so the
// sqlite and memory paths stay contract-equivalent.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemoryStore()}
}

func testIncident(id string, createdAt int64) *telemetry.Incident {
	z := 5.2
	return &telemetry.Incident{
		ID:        id,
		TraceID:   "trace-" + id,
		CreatedAt: createdAt,
		Severity:  telemetry.SeverityHigh,
		Status:    telemetry.IncidentOpen,
		Threats: []telemetry.ThreatVerdict{
			{Kind: telemetry.ThreatPIILeak, Confidence: 0.9, Severity: telemetry.SeverityHigh, Indicators: []string{"SSN"}, Scope: telemetry.ScopeResponse},
		},
		Anomalies: []telemetry.Anomaly{
			{Metric: telemetry.MetricCost, Observed: 500, BaselineMean: 0.01, BaselineStd: 0.002, ZScore: &z, Trigger: telemetry.TriggerStatistical, Severity: telemetry.SeverityCritical},
		},
		Summary: "pii_leak[response]: SSN; cost anomaly (statistical, critical)",
	}
}

func TestPutAndGetIncidentRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := testIncident("0000000001-a", 1000)
			require.NoError(t, s.PutIncident(ctx, want))

			got, err := s.GetIncident(ctx, want.ID)
			require.NoError(t, err)
			assert.Equal(t, want.TraceID, got.TraceID)
			assert.Equal(t, want.Severity, got.Severity)
			assert.Equal(t, want.Summary, got.Summary)
			require.Len(t, got.Threats, 1)
			assert.Equal(t, telemetry.ThreatPIILeak, got.Threats[0].Kind)
			require.Len(t, got.Anomalies, 1)
			require.NotNil(t, got.Anomalies[0].ZScore)
			assert.InDelta(t, 5.2, *got.Anomalies[0].ZScore, 1e-9)
		})
	}
}

func TestGetIncidentNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetIncident(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateIncidentStatusLegalTransitions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inc := testIncident("0000000002-b", 2000)
			require.NoError(t, s.PutIncident(ctx, inc))

			got, err := s.UpdateIncidentStatus(ctx, inc.ID, telemetry.IncidentAcknowledged)
			require.NoError(t, err)
			assert.Equal(t, telemetry.IncidentAcknowledged, got.Status)

			// Read-your-writes within the process.
			reread, err := s.GetIncident(ctx, inc.ID)
			require.NoError(t, err)
			assert.Equal(t, telemetry.IncidentAcknowledged, reread.Status)

			got, err = s.UpdateIncidentStatus(ctx, inc.ID, telemetry.IncidentResolved)
			require.NoError(t, err)
			assert.Equal(t, telemetry.IncidentResolved, got.Status)
		})
	}
}

func TestUpdateIncidentStatusIdempotentNoOp(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inc := testIncident("0000000003-c", 3000)
			require.NoError(t, s.PutIncident(ctx, inc))

			got, err := s.UpdateIncidentStatus(ctx, inc.ID, telemetry.IncidentOpen)
			require.NoError(t, err)
			assert.Equal(t, telemetry.IncidentOpen, got.Status)
		})
	}
}

func TestUpdateIncidentStatusRejectsIllegalTransition(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inc := testIncident("0000000004-d", 4000)
			require.NoError(t, s.PutIncident(ctx, inc))

			_, err := s.UpdateIncidentStatus(ctx, inc.ID, telemetry.IncidentResolved)
			var illegal *telemetry.ErrIllegalTransition
			require.ErrorAs(t, err, &illegal)

			// The failed transition must not have been persisted.
			got, err := s.GetIncident(ctx, inc.ID)
			require.NoError(t, err)
			assert.Equal(t, telemetry.IncidentOpen, got.Status)
		})
	}
}

func TestQueryIncidentsFiltersAndOrders(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older := testIncident("0000000005-e", time.Unix(100, 0).UnixNano())
			newer := testIncident("0000000006-f", time.Unix(200, 0).UnixNano())
			newer.Severity = telemetry.SeverityCritical
			require.NoError(t, s.PutIncident(ctx, older))
			require.NoError(t, s.PutIncident(ctx, newer))

			all, err := s.QueryIncidents(ctx, Filter{}, 10)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, newer.ID, all[0].ID) // newest first

			crit := telemetry.SeverityCritical
			bySeverity, err := s.QueryIncidents(ctx, Filter{Severity: &crit}, 10)
			require.NoError(t, err)
			require.Len(t, bySeverity, 1)
			assert.Equal(t, newer.ID, bySeverity[0].ID)

			since := time.Unix(150, 0)
			recent, err := s.QueryIncidents(ctx, Filter{Since: &since}, 10)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, newer.ID, recent[0].ID)
		})
	}
}

func TestPutRecordPersistsEnrichment(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			overall := 0.85
			rec := telemetry.Record{TraceID: "t1", IngestedAt: time.Unix(1000, 0), ModelID: "m", Tags: map[string]string{"env": "test"}}
			enr := telemetry.Enrichment{Quality: &telemetry.QualityScore{Coherence: 0.9, Relevance: 0.8, Completeness: 0.9, Overall: &overall}}
			require.NoError(t, s.PutRecord(ctx, rec, enr))
		})
	}
}

// flakyStore fails its first N writes, then delegates to a MemoryStore.
type flakyStore struct {
	*MemoryStore
	failures int
}

func (f *flakyStore) PutIncident(ctx context.Context, inc *telemetry.Incident) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk on fire")
	}
	return f.MemoryStore.PutIncident(ctx, inc)
}

func TestRetryingStoreRetriesWrites(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	s := NewRetryingStore(inner, nil)
	s.initialBackoff = time.Millisecond
	s.maxBackoff = 2 * time.Millisecond

	err := s.PutIncident(context.Background(), testIncident("0000000007-g", 7000))
	require.NoError(t, err)
}

func TestRetryingStoreExhaustsAndReturnsError(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	s := NewRetryingStore(inner, nil)
	s.initialBackoff = time.Millisecond
	s.maxBackoff = 2 * time.Millisecond

	err := s.PutIncident(context.Background(), testIncident("0000000008-h", 8000))
	require.Error(t, err)
}

func TestRetryingStoreDoesNotRetryIllegalTransition(t *testing.T) {
	inner := NewMemoryStore()
	inc := testIncident("0000000009-i", 9000)
	require.NoError(t, inner.PutIncident(context.Background(), inc))

	s := NewRetryingStore(inner, nil)
	_, err := s.UpdateIncidentStatus(context.Background(), inc.ID, telemetry.IncidentResolved)
	var illegal *telemetry.ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
}
