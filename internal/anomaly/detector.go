package anomaly

import (
	"sort"
	"sync"
	"time"

	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// bucketWidth is the width of the rolling error-rate counter bucket.
const bucketWidth = 5 * time.Minute

// Detector is the anomaly detector. It owns one
// RollingWindow per statistical metric plus a request/error counter
// pair for deriving error_rate, and evaluates both absolute and
// statistical triggers on every record.
type Detector struct {
	cfg config.PipelineConfig

	cost    *RollingWindow
	latency *RollingWindow
	quality *RollingWindow
	tokens  *RollingWindow

	mu          sync.Mutex
	bucketStart time.Time
	requests    int64
	errors      int64
}

func NewDetector(cfg config.PipelineConfig) *Detector {
	return &Detector{
		cfg:     cfg,
		cost:    NewRollingWindow(cfg.WindowCapacity, cfg.WindowHorizon),
		latency: NewRollingWindow(cfg.WindowCapacity, cfg.WindowHorizon),
		quality: NewRollingWindow(cfg.WindowCapacity, cfg.WindowHorizon),
		tokens:  NewRollingWindow(cfg.WindowCapacity, cfg.WindowHorizon),
	}
}

// Observe appends rec's metrics to the rolling windows and evaluates
// triggers, returning the set of anomalies deduplicated by metric,
// keeping the higher severity.
// qualityOverall may be nil when the Quality Classifier has not run;
// callers that obtain the quality score later feed it in through
// ObserveQuality and merge the two sets with MergeByMetric. now is
// passed in rather than read from time.Now so tests can drive eviction
// deterministically.
func (d *Detector) Observe(now time.Time, rec telemetry.Record, qualityOverall *float64) []telemetry.Anomaly {
	found := map[telemetry.Metric]telemetry.Anomaly{}

	d.cost.Append(now, rec.CostUSD)
	if a, ok := d.checkMetric(telemetry.MetricCost, rec.CostUSD, d.cost); ok {
		addAnomaly(found, a)
	}
	if a, ok := d.checkCostAbsolute(now, rec.CostUSD); ok {
		addAnomaly(found, a)
	}

	d.latency.Append(now, float64(rec.LatencyMS))
	if a, ok := d.checkMetric(telemetry.MetricLatency, float64(rec.LatencyMS), d.latency); ok {
		addAnomaly(found, a)
	}
	if rec.LatencyMS > d.cfg.LatencyAbsMS {
		addAnomaly(found, telemetry.Anomaly{
			Metric:   telemetry.MetricLatency,
			Observed: float64(rec.LatencyMS),
			Trigger:  telemetry.TriggerAbsolute,
			Severity: telemetry.SeverityHigh,
		})
	}

	if qualityOverall != nil {
		for _, a := range d.ObserveQuality(now, *qualityOverall) {
			addAnomaly(found, a)
		}
	}

	tokensTotal := float64(rec.InputTokens + rec.OutputTokens)
	d.tokens.Append(now, tokensTotal)
	if a, ok := d.checkMetric(telemetry.MetricTokenRate, tokensTotal, d.tokens); ok {
		addAnomaly(found, a)
	}

	if a, ok := d.observeErrorRate(now, rec.ErrorOccurred); ok {
		addAnomaly(found, a)
	}

	return sortedAnomalies(found)
}

// ObserveQuality appends one quality score to its window and evaluates
// the quality triggers. Split out from Observe so the pipeline can run
// the anomaly pass concurrently with the Quality Classifier and feed
// the score in once it arrives.
func (d *Detector) ObserveQuality(now time.Time, overall float64) []telemetry.Anomaly {
	found := map[telemetry.Metric]telemetry.Anomaly{}

	d.quality.Append(now, overall)
	if a, ok := d.checkMetric(telemetry.MetricQuality, overall, d.quality); ok {
		addAnomaly(found, a)
	}
	if overall < d.cfg.QualityMinOverall {
		addAnomaly(found, telemetry.Anomaly{
			Metric:   telemetry.MetricQuality,
			Observed: overall,
			Trigger:  telemetry.TriggerAbsolute,
			Severity: telemetry.SeverityHigh,
		})
	}

	return sortedAnomalies(found)
}

// MergeByMetric combines anomaly sets produced by separate Observe
// passes on the same record, keeping the higher severity per metric.
// Output order is deterministic (sorted by metric) so incident
// summaries are reproducible.
func MergeByMetric(sets ...[]telemetry.Anomaly) []telemetry.Anomaly {
	found := map[telemetry.Metric]telemetry.Anomaly{}
	for _, set := range sets {
		for _, a := range set {
			addAnomaly(found, a)
		}
	}
	return sortedAnomalies(found)
}

func addAnomaly(found map[telemetry.Metric]telemetry.Anomaly, a telemetry.Anomaly) {
	existing, ok := found[a.Metric]
	if !ok || severityRank(a.Severity) > severityRank(existing.Severity) {
		found[a.Metric] = a
	}
}

func sortedAnomalies(found map[telemetry.Metric]telemetry.Anomaly) []telemetry.Anomaly {
	anomalies := make([]telemetry.Anomaly, 0, len(found))
	for _, a := range found {
		anomalies = append(anomalies, a)
	}
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].Metric < anomalies[j].Metric })
	return anomalies
}

// checkMetric applies the statistical (z-score) trigger for a single
// metric, skipping it entirely when the window has not yet accumulated
// min_samples_for_stat samples.
func (d *Detector) checkMetric(metric telemetry.Metric, observed float64, w *RollingWindow) (telemetry.Anomaly, bool) {
	n, mean, stddev := w.Stats()
	if n < d.cfg.MinSamplesForStat {
		return telemetry.Anomaly{}, false
	}
	if stddev < 1e-9 {
		stddev = 1e-9
	}
	z := (observed - mean) / stddev
	absZ := z
	if absZ < 0 {
		absZ = -absZ
	}
	if absZ < d.cfg.CostZThreshold {
		return telemetry.Anomaly{}, false
	}
	return telemetry.Anomaly{
		Metric:       metric,
		Observed:     observed,
		BaselineMean: mean,
		BaselineStd:  stddev,
		ZScore:       &z,
		Trigger:      telemetry.TriggerStatistical,
		Severity:     zSeverity(absZ),
	}, true
}

// checkCostAbsolute projects the trailing hour's spend over 24h
// (current hourly rate x 24) against the daily
// budget. Strict greater-than: a projection exactly at the threshold
// does not trigger.
func (d *Detector) checkCostAbsolute(now time.Time, costUSD float64) (telemetry.Anomaly, bool) {
	projected := d.cost.SumSince(now, time.Hour) * 24
	if projected <= d.cfg.CostAnomalyUSDPerDay {
		return telemetry.Anomaly{}, false
	}
	return telemetry.Anomaly{
		Metric:   telemetry.MetricCost,
		Observed: costUSD,
		Trigger:  telemetry.TriggerAbsolute,
		Severity: telemetry.SeverityCritical,
	}, true
}

func (d *Detector) observeErrorRate(now time.Time, errored bool) (telemetry.Anomaly, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bucketStart.IsZero() || now.Sub(d.bucketStart) >= bucketWidth {
		d.bucketStart = now
		d.requests = 0
		d.errors = 0
	}
	d.requests++
	if errored {
		d.errors++
	}
	rate := float64(d.errors) / float64(d.requests)
	if rate <= d.cfg.ErrorRateMax {
		return telemetry.Anomaly{}, false
	}
	return telemetry.Anomaly{
		Metric:   telemetry.MetricErrorRate,
		Observed: rate,
		Trigger:  telemetry.TriggerAbsolute,
		Severity: telemetry.SeverityCritical,
	}, true
}

func zSeverity(absZ float64) telemetry.Severity {
	switch {
	case absZ >= 5:
		return telemetry.SeverityCritical
	case absZ >= 4:
		return telemetry.SeverityHigh
	case absZ >= 3.5:
		return telemetry.SeverityMedium
	default:
		return telemetry.SeverityLow
	}
}

func severityRank(s telemetry.Severity) int {
	switch s {
	case telemetry.SeverityCritical:
		return 3
	case telemetry.SeverityHigh:
		return 2
	case telemetry.SeverityMedium:
		return 1
	default:
		return 0
	}
}
