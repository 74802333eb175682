package normalize

import (
	"testing"
	"time"

	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.PipelineConfig {
	cfg := config.Default()
	cfg.MaxPayloadBytes = 8
	cfg.DedupWindowSize = 3
	cfg.DedupHorizon = time.Hour
	return cfg
}

func TestNormalizeFillsDefaults(t *testing.T) {
	n := New(testConfig())
	rec, dup := n.Normalize(telemetry.Record{TraceID: "t1"})
	require.False(t, dup)
	assert.Equal(t, "anonymous", rec.UserID)
	assert.NotNil(t, rec.Tags)
}

func TestNormalizeTruncatesOversizedFields(t *testing.T) {
	n := New(testConfig())
	rec, _ := n.Normalize(telemetry.Record{TraceID: "t1", Prompt: "0123456789"})
	assert.Len(t, rec.Prompt, 8)
}

func TestNormalizeDedupsSameTraceID(t *testing.T) {
	n := New(testConfig())
	_, dup1 := n.Normalize(telemetry.Record{TraceID: "t1"})
	_, dup2 := n.Normalize(telemetry.Record{TraceID: "t1"})
	assert.False(t, dup1)
	assert.True(t, dup2)
}

func TestDedupSetEvictsLRU(t *testing.T) {
	d := NewDedupSet(2, time.Hour)
	d.Record("a")
	d.Record("b")
	d.Record("c") // evicts "a"
	assert.False(t, d.SeenRecently("a"))
	assert.True(t, d.SeenRecently("b"))
	assert.True(t, d.SeenRecently("c"))
}

func TestDedupSetExpiresPastHorizon(t *testing.T) {
	d := NewDedupSet(10, time.Millisecond)
	d.Record("a")
	time.Sleep(5 * time.Millisecond)
	assert.False(t, d.SeenRecently("a"))
}
