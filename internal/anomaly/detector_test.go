package anomaly

import (
	"testing"
	"time"

	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCfg() config.PipelineConfig {
	cfg := config.Default()
	cfg.MinSamplesForStat = 5
	cfg.CostZThreshold = 3.0
	cfg.CostAnomalyUSDPerDay = 50.0
	cfg.LatencyAbsMS = 1000
	cfg.QualityMinOverall = 0.5
	cfg.ErrorRateMax = 0.2
	return cfg
}

func TestDetectorSkipsStatisticalBelowMinSamples(t *testing.T) {
	d := NewDetector(testCfg())
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		anomalies := d.Observe(now, telemetry.Record{CostUSD: 0.01, LatencyMS: 10}, nil)
		for _, a := range anomalies {
			assert.NotEqual(t, telemetry.TriggerStatistical, a.Trigger)
		}
	}
}

func TestDetectorLatencyAbsoluteTrigger(t *testing.T) {
	d := NewDetector(testCfg())
	now := time.Unix(0, 0)
	anomalies := d.Observe(now, telemetry.Record{LatencyMS: 5000}, nil)
	require.NotEmpty(t, anomalies)
	found := false
	for _, a := range anomalies {
		if a.Metric == telemetry.MetricLatency {
			assert.Equal(t, telemetry.TriggerAbsolute, a.Trigger)
			assert.Equal(t, telemetry.SeverityHigh, a.Severity)
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectorCostZScoreSpike(t *testing.T) {
	d := NewDetector(testCfg())
	now := time.Unix(0, 0)
	for i := 0; i < 100; i++ {
		d.Observe(now, telemetry.Record{CostUSD: 0.01, LatencyMS: 10}, nil)
	}
	anomalies := d.Observe(now, telemetry.Record{CostUSD: 500.0, LatencyMS: 10}, nil)
	var costAnomaly *telemetry.Anomaly
	for i := range anomalies {
		if anomalies[i].Metric == telemetry.MetricCost {
			costAnomaly = &anomalies[i]
		}
	}
	require.NotNil(t, costAnomaly)
	assert.Equal(t, telemetry.SeverityCritical, costAnomaly.Severity)
}

func TestDetectorQualityBelowMinimum(t *testing.T) {
	d := NewDetector(testCfg())
	now := time.Unix(0, 0)
	low := 0.1
	anomalies := d.Observe(now, telemetry.Record{}, &low)
	found := false
	for _, a := range anomalies {
		if a.Metric == telemetry.MetricQuality && a.Trigger == telemetry.TriggerAbsolute {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectorErrorRateAbsoluteTrigger(t *testing.T) {
	d := NewDetector(testCfg())
	now := time.Unix(0, 0)
	// 1 error in 4 records: 0.25 exceeds ErrorRateMax (0.2).
	for i := 0; i < 3; i++ {
		d.Observe(now, telemetry.Record{ErrorOccurred: false}, nil)
	}
	anomalies := d.Observe(now, telemetry.Record{ErrorOccurred: true}, nil)
	found := false
	for _, a := range anomalies {
		if a.Metric == telemetry.MetricErrorRate {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectorDedupesByHigherSeverity(t *testing.T) {
	d := NewDetector(testCfg())
	now := time.Unix(0, 0)
	for i := 0; i < 100; i++ {
		d.Observe(now, telemetry.Record{CostUSD: 0.01}, nil)
	}
	anomalies := d.Observe(now, telemetry.Record{CostUSD: 500.0}, nil)
	count := 0
	for _, a := range anomalies {
		if a.Metric == telemetry.MetricCost {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
