// Package config loads the pipeline's single strongly-typed
// configuration record. There is no dynamic attribute lookup: every
// option is a named field, bound once at startup, validated, and never
// mutated again.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PipelineConfig is the process-wide, load-once-at-startup
// configuration shared read-only with every component.
type PipelineConfig struct {
	// Feature flags
	EnableThreatDetection  bool
	EnableAnomalyDetection bool
	EnableQualityAnalysis  bool
	EnableIncidentEmission bool

	// Thresholds
	CostAnomalyUSDPerDay   float64
	CostZThreshold         float64
	LatencyAbsMS           int64
	LatencyP95MS           int64
	QualityMinOverall      float64
	QualityMinCoherence    float64
	QualityMinRelevance    float64
	QualityMinCompleteness float64
	ErrorRateMax           float64
	ThreatMinConfidence    float64
	ToxicityMin            float64

	// Concurrency
	MaxConcurrentAnalyses int
	BatchSize             int
	BatchTimeout          time.Duration

	// AI client
	ModelName       string
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
	MaxRetries      int
	PerCallTimeout  time.Duration

	// Rolling window
	WindowCapacity    int
	MinSamplesForStat int
	WindowHorizon     time.Duration

	// Normalizer
	MaxPayloadBytes int
	DedupWindowSize int
	DedupHorizon    time.Duration

	// Ingress shaping. Zero disables the token-bucket limit.
	IngressRatePerSec float64

	// Startup
	RequireOnStartup bool
	MetricsNamespace string
}

// envPrefix namespaces every bound variable, e.g. TELEMETRY_MAX_RETRIES.
const envPrefix = "TELEMETRY"

// Default returns the documented defaults.
func Default() PipelineConfig {
	return PipelineConfig{
		EnableThreatDetection:  true,
		EnableAnomalyDetection: true,
		EnableQualityAnalysis:  true,
		EnableIncidentEmission: true,

		CostAnomalyUSDPerDay:   100.0,
		CostZThreshold:         3.0,
		LatencyAbsMS:           10_000,
		LatencyP95MS:           5_000,
		QualityMinOverall:      0.5,
		QualityMinCoherence:    0.4,
		QualityMinRelevance:    0.4,
		QualityMinCompleteness: 0.3,
		ErrorRateMax:           0.1,
		ThreatMinConfidence:    0.75,
		ToxicityMin:            0.7,

		MaxConcurrentAnalyses: 16,
		BatchSize:             50,
		BatchTimeout:          5 * time.Second,

		ModelName:       "claude-3-5-sonnet-latest",
		Temperature:     0.2,
		TopP:            1.0,
		TopK:            40,
		MaxOutputTokens: 1024,
		MaxRetries:      3,
		PerCallTimeout:  10 * time.Second,

		WindowCapacity:    1000,
		MinSamplesForStat: 30,
		WindowHorizon:     24 * time.Hour,

		MaxPayloadBytes: 64 * 1024,
		DedupWindowSize: 10_000,
		DedupHorizon:    24 * time.Hour,

		IngressRatePerSec: 0,

		RequireOnStartup: false,
		MetricsNamespace: "telemetry_pipeline",
	}
}

// Validate rejects out-of-range or nonsensical values. Called both at
// the end of FromEnv and directly by tests constructing a config by
// hand.
func (c PipelineConfig) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{c.CostAnomalyUSDPerDay >= 0, "cost_anomaly_usd_per_day must be >= 0"},
		{c.CostZThreshold > 0, "cost_z_threshold must be > 0"},
		{c.LatencyAbsMS >= 0, "latency_abs_ms must be >= 0"},
		{c.LatencyP95MS >= 0, "latency_p95_ms must be >= 0"},
		{inUnit(c.QualityMinOverall), "quality_min_overall must be in [0,1]"},
		{inUnit(c.QualityMinCoherence), "quality_min_coherence must be in [0,1]"},
		{inUnit(c.QualityMinRelevance), "quality_min_relevance must be in [0,1]"},
		{inUnit(c.QualityMinCompleteness), "quality_min_completeness must be in [0,1]"},
		{inUnit(c.ErrorRateMax), "error_rate_max must be in [0,1]"},
		{inUnit(c.ThreatMinConfidence), "threat_min_confidence must be in [0,1]"},
		{inUnit(c.ToxicityMin), "toxicity_min must be in [0,1]"},
		{c.MaxConcurrentAnalyses > 0, "max_concurrent_analyses must be > 0"},
		{c.BatchSize > 0, "batch_size must be > 0"},
		{c.BatchTimeout > 0, "batch_timeout must be > 0"},
		{c.ModelName != "", "model_name must not be empty"},
		{inUnit(c.Temperature), "temperature must be in [0,1]"},
		{inUnit(c.TopP), "top_p must be in [0,1]"},
		{c.TopK >= 0, "top_k must be >= 0"},
		{c.MaxOutputTokens > 0, "max_output_tokens must be > 0"},
		{c.MaxRetries >= 0, "max_retries must be >= 0"},
		{c.PerCallTimeout > 0, "per_call_timeout must be > 0"},
		{c.WindowCapacity > 0, "window_capacity must be > 0"},
		{c.MinSamplesForStat > 0, "min_samples_for_stat must be > 0"},
		{c.WindowHorizon > 0, "window_horizon must be > 0"},
		{c.MaxPayloadBytes > 0, "max_payload_bytes must be > 0"},
		{c.DedupWindowSize > 0, "dedup_window_size must be > 0"},
		{c.DedupHorizon > 0, "dedup_horizon must be > 0"},
		{c.IngressRatePerSec >= 0, "ingress_rate_per_sec must be >= 0"},
		{c.MetricsNamespace != "", "metrics_namespace must not be empty"},
	}
	for _, ch := range checks {
		if !ch.ok {
			return fmt.Errorf("%s", ch.msg)
		}
	}
	return nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// WholeRecordDeadline is the per-record processing deadline derived
// from the AI client settings: per_call_timeout x (max_retries+1) x 3
// analyzers, plus a fixed overhead.
func (c PipelineConfig) WholeRecordDeadline() time.Duration {
	const fixedOverhead = 2 * time.Second
	return c.PerCallTimeout*time.Duration(c.MaxRetries+1)*3 + fixedOverhead
}

// binder reads one env var (already bound into v) and assigns it to
// dest, or leaves dest untouched if the var is unset.
type binder func(v *viper.Viper, key string) error

func boolBinder(dest *bool) binder {
	return func(v *viper.Viper, key string) error {
		raw := v.GetString(key)
		if raw == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*dest = parsed
		return nil
	}
}

func floatBinder(dest *float64) binder {
	return func(v *viper.Viper, key string) error {
		raw := v.GetString(key)
		if raw == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*dest = parsed
		return nil
	}
}

func intBinder(dest *int) binder {
	return func(v *viper.Viper, key string) error {
		raw := v.GetString(key)
		if raw == "" {
			return nil
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dest = parsed
		return nil
	}
}

func int64Binder(dest *int64) binder {
	return func(v *viper.Viper, key string) error {
		raw := v.GetString(key)
		if raw == "" {
			return nil
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*dest = parsed
		return nil
	}
}

func stringBinder(dest *string) binder {
	return func(v *viper.Viper, key string) error {
		raw := v.GetString(key)
		if raw == "" {
			return nil
		}
		*dest = raw
		return nil
	}
}

func durationBinder(dest *time.Duration) binder {
	return func(v *viper.Viper, key string) error {
		raw := v.GetString(key)
		if raw == "" {
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*dest = parsed
		return nil
	}
}

// FromEnv loads PipelineConfig from environment variables prefixed
// TELEMETRY_ (e.g. TELEMETRY_MAX_RETRIES), falling back to Default()
// for anything unset, then validates the result. An invalid value
// anywhere, or a TELEMETRY_ variable that names no option, fails loudly rather than letting the pipeline start with a
// partially-valid configuration.
func FromEnv() (PipelineConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := []struct {
		key string
		b   binder
	}{
		{"enable_threat_detection", boolBinder(&cfg.EnableThreatDetection)},
		{"enable_anomaly_detection", boolBinder(&cfg.EnableAnomalyDetection)},
		{"enable_quality_analysis", boolBinder(&cfg.EnableQualityAnalysis)},
		{"enable_incident_emission", boolBinder(&cfg.EnableIncidentEmission)},

		{"cost_anomaly_usd_per_day", floatBinder(&cfg.CostAnomalyUSDPerDay)},
		{"cost_z_threshold", floatBinder(&cfg.CostZThreshold)},
		{"latency_abs_ms", int64Binder(&cfg.LatencyAbsMS)},
		{"latency_p95_ms", int64Binder(&cfg.LatencyP95MS)},
		{"quality_min_overall", floatBinder(&cfg.QualityMinOverall)},
		{"quality_min_coherence", floatBinder(&cfg.QualityMinCoherence)},
		{"quality_min_relevance", floatBinder(&cfg.QualityMinRelevance)},
		{"quality_min_completeness", floatBinder(&cfg.QualityMinCompleteness)},
		{"error_rate_max", floatBinder(&cfg.ErrorRateMax)},
		{"threat_min_confidence", floatBinder(&cfg.ThreatMinConfidence)},
		{"toxicity_min", floatBinder(&cfg.ToxicityMin)},

		{"max_concurrent_analyses", intBinder(&cfg.MaxConcurrentAnalyses)},
		{"batch_size", intBinder(&cfg.BatchSize)},
		{"batch_timeout", durationBinder(&cfg.BatchTimeout)},

		{"model_name", stringBinder(&cfg.ModelName)},
		{"temperature", floatBinder(&cfg.Temperature)},
		{"top_p", floatBinder(&cfg.TopP)},
		{"top_k", intBinder(&cfg.TopK)},
		{"max_output_tokens", intBinder(&cfg.MaxOutputTokens)},
		{"max_retries", intBinder(&cfg.MaxRetries)},
		{"per_call_timeout", durationBinder(&cfg.PerCallTimeout)},

		{"window_capacity", intBinder(&cfg.WindowCapacity)},
		{"min_samples_for_stat", intBinder(&cfg.MinSamplesForStat)},
		{"window_horizon", durationBinder(&cfg.WindowHorizon)},

		{"max_payload_bytes", intBinder(&cfg.MaxPayloadBytes)},
		{"dedup_window_size", intBinder(&cfg.DedupWindowSize)},
		{"dedup_horizon", durationBinder(&cfg.DedupHorizon)},
		{"ingress_rate_per_sec", floatBinder(&cfg.IngressRatePerSec)},

		{"require_on_startup", boolBinder(&cfg.RequireOnStartup)},
		{"metrics_namespace", stringBinder(&cfg.MetricsNamespace)},
	}

	for _, bind := range bindings {
		if err := v.BindEnv(bind.key); err != nil {
			return cfg, fmt.Errorf("binding %s: %w", bind.key, err)
		}
		if err := bind.b(v, bind.key); err != nil {
			return cfg, fmt.Errorf("invalid value for %s_%s: %w", envPrefix, strings.ToUpper(bind.key), err)
		}
	}

	known := make(map[string]bool, len(bindings))
	for _, bind := range bindings {
		known[envPrefix+"_"+strings.ToUpper(bind.key)] = true
	}
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix+"_") && !known[name] {
			return cfg, fmt.Errorf("unknown configuration variable %s", name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// String renders a redacted summary suitable for `config validate` /
// `doctor` output.
func (c PipelineConfig) String() string {
	return fmt.Sprintf(
		"PipelineConfig{model:%s maxConcurrent:%d batchSize:%d windowCapacity:%d "+
			"costThreshold:$%.2f/day qualityMin:%.2f threatMinConfidence:%.2f}",
		c.ModelName, c.MaxConcurrentAnalyses, c.BatchSize, c.WindowCapacity,
		c.CostAnomalyUSDPerDay, c.QualityMinOverall, c.ThreatMinConfidence,
	)
}
