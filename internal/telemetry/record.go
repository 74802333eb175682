// Package telemetry defines the data model shared by every pipeline
// component: the record under analysis and the findings analyzers attach
// to it.
package telemetry

import (
	"fmt"
	"time"
)

// Record is the unit of work: one captured LLM request/response plus
// timing and cost. It is created once at ingress and never mutated
// afterward; analyzers read it but never write back into it.
type Record struct {
	TraceID       string            `json:"trace_id"`
	IngestedAt    time.Time         `json:"ingested_at"`
	ModelID       string            `json:"model_id"`
	Prompt        string            `json:"prompt"`
	Response      string            `json:"response"`
	InputTokens   int64             `json:"input_tokens"`
	OutputTokens  int64             `json:"output_tokens"`
	LatencyMS     int64             `json:"latency_ms"`
	CostUSD       float64           `json:"cost_usd"`
	ErrorOccurred bool              `json:"error_occurred"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Validate checks the invariants required of every accepted record.
// Callers (the Ingress Adapter) use this to classify a record as
// malformed before it ever reaches the Normalizer.
func (r *Record) Validate() error {
	if r.TraceID == "" {
		return fmt.Errorf("trace_id must not be empty")
	}
	if r.InputTokens < 0 {
		return fmt.Errorf("input_tokens must be >= 0, got %d", r.InputTokens)
	}
	if r.OutputTokens < 0 {
		return fmt.Errorf("output_tokens must be >= 0, got %d", r.OutputTokens)
	}
	if r.LatencyMS < 0 {
		return fmt.Errorf("latency_ms must be >= 0, got %d", r.LatencyMS)
	}
	if r.CostUSD < 0 {
		return fmt.Errorf("cost_usd must be >= 0, got %f", r.CostUSD)
	}
	return nil
}
