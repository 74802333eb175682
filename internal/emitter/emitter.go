// Package emitter implements the alert and metrics emitter:
// best-effort publication of per-record metrics and per-incident events
// to an injected sink. Sink failures are logged at warn and swallowed;
// emission never blocks or fails record processing.
package emitter

import (
	"fmt"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
)

// Sink is the narrow outbound interface. Implementations must be
// safe for concurrent use.
type Sink interface {
	Counter(name string, value float64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Histogram(name string, value float64, tags map[string]string)
	Event(title, body string, severity telemetry.Severity, tags map[string]string)
}

// Mandatory metric names (stable wire contract). The deployment-wide
// namespace prefix is prepended by the Emitter.
const (
	MetricRequestsTotal       = "requests.total"
	MetricRequestErrors       = "requests.errors"
	MetricLatencyResponseTime = "latency.response_time"
	MetricCostTotal           = "cost.total"
	MetricQualityOverall      = "quality.overall_score"
	MetricThreatsDetected     = "threats.detected"
	MetricAnomaliesDetected   = "anomalies.detected"
	MetricIncidentsCreated    = "incidents.created"

	MetricIngressAccepted      = "ingress.accepted"
	MetricIngressRejected      = "ingress.rejected"
	MetricIngressDuplicate     = "ingress.duplicate"
	MetricQualityParseFailures = "quality.parse_failures"
	MetricStoreWriteFailures   = "store.write_failures"
)

// Emitter prefixes every metric with the configured namespace and
// shields callers from sink failures, including panics. It is the only
// component allowed to touch the Sink.
type Emitter struct {
	namespace string
	sink      Sink
	logger    *zap.Logger
}

func New(namespace string, sink Sink, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{namespace: namespace, sink: sink, logger: logger}
}

func (e *Emitter) name(metric string) string {
	return e.namespace + "." + metric
}

func (e *Emitter) Counter(metric string, value float64, tags map[string]string) {
	e.safely(metric, func() { e.sink.Counter(e.name(metric), value, tags) })
}

func (e *Emitter) Gauge(metric string, value float64, tags map[string]string) {
	e.safely(metric, func() { e.sink.Gauge(e.name(metric), value, tags) })
}

func (e *Emitter) Histogram(metric string, value float64, tags map[string]string) {
	e.safely(metric, func() { e.sink.Histogram(e.name(metric), value, tags) })
}

func (e *Emitter) Event(title, body string, severity telemetry.Severity, tags map[string]string) {
	e.safely("event", func() { e.sink.Event(title, body, severity, tags) })
}

// RecordProcessed publishes the per-record series: request count,
// error count, latency, and cost.
func (e *Emitter) RecordProcessed(rec telemetry.Record) {
	e.Counter(MetricRequestsTotal, 1, nil)
	if rec.ErrorOccurred {
		e.Counter(MetricRequestErrors, 1, nil)
	}
	e.Histogram(MetricLatencyResponseTime, float64(rec.LatencyMS), nil)
	e.Counter(MetricCostTotal, rec.CostUSD, nil)
}

// QualityScored publishes the overall quality gauge. Nil Overall
// (analyzer contributed nothing) emits no value.
func (e *Emitter) QualityScored(score telemetry.QualityScore) {
	if score.Overall == nil {
		return
	}
	e.Gauge(MetricQualityOverall, *score.Overall, nil)
}

// ThreatDetected publishes one detected-threat counter tagged with
// kind, severity, and scope.
func (e *Emitter) ThreatDetected(v telemetry.ThreatVerdict) {
	e.Counter(MetricThreatsDetected, 1, map[string]string{
		"kind":     string(v.Kind),
		"severity": string(v.Severity),
		"scope":    string(v.Scope),
	})
}

// AnomalyDetected publishes one detected-anomaly counter tagged with
// metric, trigger, and severity.
func (e *Emitter) AnomalyDetected(a telemetry.Anomaly) {
	e.Counter(MetricAnomaliesDetected, 1, map[string]string{
		"metric":   string(a.Metric),
		"trigger":  string(a.Trigger),
		"severity": string(a.Severity),
	})
}

// IncidentCreated publishes the incident counter plus an event carrying
// the summary.
func (e *Emitter) IncidentCreated(inc *telemetry.Incident) {
	e.Counter(MetricIncidentsCreated, 1, map[string]string{"severity": string(inc.Severity)})
	e.Event(
		fmt.Sprintf("incident %s (%s)", inc.ID, inc.Severity),
		inc.Summary,
		inc.Severity,
		map[string]string{"trace_id": inc.TraceID},
	)
}

// safely runs emit, converting any panic or misbehavior in the sink
// into a warn-level log. Emission is strictly best-effort.
func (e *Emitter) safely(metric string, emit func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("metric sink panicked", zap.String("metric", metric), zap.Any("panic", r))
		}
	}()
	emit()
}

// NopSink discards everything. Used when no sink is configured.
type NopSink struct{}

func (NopSink) Counter(string, float64, map[string]string) {}

func (NopSink) Gauge(string, float64, map[string]string) {}

func (NopSink) Histogram(string, float64, map[string]string) {}

func (NopSink) Event(string, string, telemetry.Severity, map[string]string) {}
