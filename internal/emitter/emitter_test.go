package emitter

import (
	"testing"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterPrefixesNamespace(t *testing.T) {
	sink := NewMemorySink()
	e := New("llmobs", sink, nil)

	e.Counter(MetricRequestsTotal, 1, nil)
	assert.Equal(t, 1.0, sink.CounterValue("llmobs.requests.total"))
}

func TestRecordProcessedEmitsRequestSeries(t *testing.T) {
	sink := NewMemorySink()
	e := New("llmobs", sink, nil)

	e.RecordProcessed(telemetry.Record{TraceID: "t1", LatencyMS: 400, CostUSD: 0.0005, ErrorOccurred: true})
	assert.Equal(t, 1.0, sink.CounterValue("llmobs.requests.total"))
	assert.Equal(t, 1.0, sink.CounterValue("llmobs.requests.errors"))
	assert.Equal(t, []float64{400}, sink.HistogramSamples("llmobs.latency.response_time"))
	assert.Equal(t, 0.0005, sink.CounterValue("llmobs.cost.total"))
}

func TestQualityScoredSkipsNilOverall(t *testing.T) {
	sink := NewMemorySink()
	e := New("llmobs", sink, nil)

	e.QualityScored(telemetry.QualityScore{Overall: nil})
	_, ok := sink.GaugeValue("llmobs.quality.overall_score")
	assert.False(t, ok)
}

func TestIncidentCreatedEmitsCounterAndEvent(t *testing.T) {
	sink := NewMemorySink()
	e := New("llmobs", sink, nil)

	e.IncidentCreated(&telemetry.Incident{
		ID:       "abc",
		TraceID:  "t1",
		Severity: telemetry.SeverityHigh,
		Status:   telemetry.IncidentOpen,
		Summary:  "pii_leak[response]: SSN",
	})
	assert.Equal(t, 1.0, sink.CounterValue("llmobs.incidents.created"))
	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.SeverityHigh, events[0].Severity)
	assert.Contains(t, events[0].Body, "SSN")
}

type panickySink struct{ NopSink }

func (panickySink) Counter(string, float64, map[string]string) { panic("sink exploded") }

func TestEmitterSwallowsSinkPanics(t *testing.T) {
	e := New("llmobs", panickySink{}, nil)
	assert.NotPanics(t, func() { e.Counter(MetricRequestsTotal, 1, nil) })
}

func TestPromSinkRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPromSink(reg, nil)

	s.Counter("llmobs.threats.detected", 1, map[string]string{"kind": "pii_leak", "severity": "high", "scope": "response"})
	s.Counter("llmobs.threats.detected", 1, map[string]string{"kind": "pii_leak", "severity": "high", "scope": "response"})

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "llmobs_threats_detected", families[0].GetName())
	assert.Equal(t, dto.MetricType_COUNTER, families[0].GetType())
	require.Len(t, families[0].GetMetric(), 1)
	assert.Equal(t, 2.0, families[0].GetMetric()[0].GetCounter().GetValue())
}

func TestPromSinkHistogramObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPromSink(reg, nil)

	s.Histogram("llmobs.latency.response_time", 400, nil)
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.EqualValues(t, 1, families[0].GetMetric()[0].GetHistogram().GetSampleCount())
}
