// Package incident implements the incident synthesizer: it
// decides whether a record's analyzer outputs warrant an Incident and,
// if so, assembles one with a deterministic summary and severity.
package incident

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// PartialAnalyzer names an analyzer that failed terminally for a
// record, so the Incident summary can note which one contributed
// nothing.
type PartialAnalyzer string

const (
	PartialQuality PartialAnalyzer = "quality"
	PartialThreat  PartialAnalyzer = "threat"
	PartialAnomaly PartialAnalyzer = "anomaly"
)

// Input bundles one record's analyzer outputs for synthesis.
type Input struct {
	Record    telemetry.Record
	Quality   *telemetry.QualityScore // nil if skipped or not computed
	Threats   []telemetry.ThreatVerdict
	Anomalies []telemetry.Anomaly
	Partial   []PartialAnalyzer // analyzers that failed terminally for this record
}

// Synthesizer assembles Incidents from analyzer outputs.
type Synthesizer struct {
	cfg config.PipelineConfig
}

func NewSynthesizer(cfg config.PipelineConfig) *Synthesizer {
	return &Synthesizer{cfg: cfg}
}

// contributor is one severity-bearing fact feeding the max/promotion
// rules. key distinguishes contributors for the "two or more distinct
// high-severity contributors" promotion: two threats of
// different kinds are distinct, but the same cost anomaly is not
// counted twice.
type contributor struct {
	key      string
	severity telemetry.Severity
}

// Synthesize returns the Incident for in, or nil if nothing warrants
// one (at least one non-none threat, at least one anomaly, or a
// quality score below threshold). Apart from the random tail of its
// ID, the result is a pure function of in and the synthesizer's
// config; callers must not
// mutate in.Record between call and use.
func (s *Synthesizer) Synthesize(in Input) *telemetry.Incident {
	threats := nonNoneThreats(in.Threats)

	qualityTriggered := in.Quality != nil && in.Quality.Overall != nil && *in.Quality.Overall < s.cfg.QualityMinOverall

	if len(threats) == 0 && len(in.Anomalies) == 0 && !qualityTriggered {
		return nil
	}

	contributors := make([]contributor, 0, len(threats)+len(in.Anomalies)+1)
	for _, t := range threats {
		contributors = append(contributors, contributor{key: "threat:" + string(t.Kind) + ":" + string(t.Scope), severity: t.Severity})
	}
	hasCostAbsolute := false
	for _, a := range in.Anomalies {
		contributors = append(contributors, contributor{key: "anomaly:" + string(a.Metric), severity: a.Severity})
		if a.Metric == telemetry.MetricCost && a.Trigger == telemetry.TriggerAbsolute {
			hasCostAbsolute = true
		}
	}
	hasPromptInjection := false
	for _, t := range threats {
		if t.Kind == telemetry.ThreatPromptInjection {
			hasPromptInjection = true
		}
	}
	// The quality contribution is only added as a distinct contributor
	// when the anomaly detector didn't already surface it as a
	// metric=quality anomaly (avoids double counting the same fact for
	// the high-severity-count promotion below).
	if qualityTriggered && !hasAnomalyMetric(in.Anomalies, telemetry.MetricQuality) {
		contributors = append(contributors, contributor{key: "quality", severity: telemetry.SeverityHigh})
	}

	severity := telemetry.SeverityLow
	highKeys := map[string]bool{}
	for _, c := range contributors {
		severity = severity.Max(c.severity)
		if c.severity == telemetry.SeverityHigh {
			highKeys[c.key] = true
		}
	}
	if len(highKeys) >= 2 {
		severity = telemetry.SeverityCritical
	}
	if hasCostAbsolute && hasPromptInjection {
		severity = telemetry.SeverityCritical
	}

	var qualityPtr *telemetry.QualityScore
	if qualityTriggered {
		q := *in.Quality
		qualityPtr = &q
	}

	inc := &telemetry.Incident{
		ID:        NewID(in.Record.IngestedAt),
		TraceID:   in.Record.TraceID,
		CreatedAt: in.Record.IngestedAt.UnixNano(),
		Severity:  severity,
		Status:    telemetry.IncidentOpen,
		Threats:   threats,
		Anomalies: in.Anomalies,
		Quality:   qualityPtr,
		Partial:   len(in.Partial) > 0,
	}
	inc.Summary = summarize(threats, in.Anomalies, in.Partial)
	return inc
}

func nonNoneThreats(verdicts []telemetry.ThreatVerdict) []telemetry.ThreatVerdict {
	out := make([]telemetry.ThreatVerdict, 0, len(verdicts))
	for _, v := range verdicts {
		if v.Kind != telemetry.ThreatNone {
			out = append(out, v)
		}
	}
	return out
}

func hasAnomalyMetric(anomalies []telemetry.Anomaly, metric telemetry.Metric) bool {
	for _, a := range anomalies {
		if a.Metric == metric {
			return true
		}
	}
	return false
}

// summarize joins the top-3 contributors' indicator strings in a
// deterministic order: threats sorted by kind, then anomalies sorted
// by metric. It is a pure function of its inputs so tests
// can assert byte-identical output.
func summarize(threats []telemetry.ThreatVerdict, anomalies []telemetry.Anomaly, partial []PartialAnalyzer) string {
	sortedThreats := append([]telemetry.ThreatVerdict(nil), threats...)
	sort.Slice(sortedThreats, func(i, j int) bool { return sortedThreats[i].Kind < sortedThreats[j].Kind })

	sortedAnomalies := append([]telemetry.Anomaly(nil), anomalies...)
	sort.Slice(sortedAnomalies, func(i, j int) bool { return sortedAnomalies[i].Metric < sortedAnomalies[j].Metric })

	var parts []string
	for _, t := range sortedThreats {
		parts = append(parts, fmt.Sprintf("%s[%s]: %s", t.Kind, t.Scope, strings.Join(t.Indicators, ", ")))
	}
	for _, a := range sortedAnomalies {
		parts = append(parts, fmt.Sprintf("%s anomaly (%s, %s)", a.Metric, a.Trigger, a.Severity))
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}

	summary := strings.Join(parts, "; ")
	if len(partial) > 0 {
		names := make([]string, len(partial))
		for i, p := range partial {
			names[i] = string(p)
		}
		sort.Strings(names)
		summary = summary + " (partial: " + strings.Join(names, ", ") + " contributed nothing)"
	}
	return summary
}

// NewID generates a lexicographically-sortable incident identifier: a
// fixed-width hex timestamp prefix (milliseconds since epoch, seeded
// from the record's ingested_at rather than wall-clock time) followed
// by a random tail.
func NewID(ingestedAt time.Time) string {
	ms := ingestedAt.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%012x-%s", ms, uuid.New().String())
}
