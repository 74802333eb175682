// Package normalize implements the normalizer: it produces
// a canonical telemetry.Record from a validated ingress payload and
// short-circuits duplicate trace_ids within a bounded dedup window.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// Normalizer fills defaults, truncates oversized fields, and dedups by
// trace_id fingerprint.
type Normalizer struct {
	cfg   config.PipelineConfig
	dedup *DedupSet
}

func New(cfg config.PipelineConfig) *Normalizer {
	return &Normalizer{
		cfg:   cfg,
		dedup: NewDedupSet(cfg.DedupWindowSize, cfg.DedupHorizon),
	}
}

// Normalize returns the canonical record and whether it was a
// duplicate. A duplicate record gets the same defaults and truncation
// as any other before it is returned, and must not be passed to any
// analyzer.
func (n *Normalizer) Normalize(r telemetry.Record) (rec telemetry.Record, duplicate bool) {
	rec = r

	if rec.UserID == "" {
		rec.UserID = "anonymous"
	}
	if rec.Tags == nil {
		rec.Tags = map[string]string{}
	}
	rec.Prompt = truncate(rec.Prompt, n.cfg.MaxPayloadBytes)
	rec.Response = truncate(rec.Response, n.cfg.MaxPayloadBytes)

	fp := fingerprint(rec.TraceID)
	if n.dedup.SeenRecently(fp) {
		return rec, true
	}
	n.dedup.Record(fp)
	return rec, false
}

func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}

func fingerprint(traceID string) string {
	sum := sha256.Sum256([]byte(traceID))
	return hex.EncodeToString(sum[:])
}
