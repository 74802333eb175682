package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("TELEMETRY_MAX_RETRIES", "7")
	t.Setenv("TELEMETRY_MODEL_NAME", "claude-test")
	t.Setenv("TELEMETRY_COST_Z_THRESHOLD", "4.5")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, "claude-test", cfg.ModelName)
	assert.Equal(t, 4.5, cfg.CostZThreshold)
	// Untouched fields keep the default.
	assert.Equal(t, Default().MaxConcurrentAnalyses, cfg.MaxConcurrentAnalyses)
}

func TestFromEnvRejectsInvalidValue(t *testing.T) {
	t.Setenv("TELEMETRY_QUALITY_MIN_OVERALL", "not-a-number")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvRejectsOutOfRangeValue(t *testing.T) {
	t.Setenv("TELEMETRY_THREAT_MIN_CONFIDENCE", "1.5")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestWholeRecordDeadline(t *testing.T) {
	cfg := Default()
	cfg.PerCallTimeout = 10 * time.Second
	cfg.MaxRetries = 3
	got := cfg.WholeRecordDeadline()
	want := 10*time.Second*4*3 + 2*time.Second
	assert.Equal(t, want, got)
}
