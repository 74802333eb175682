package ingress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// Payload is the ingestion wire format: field-for-field the telemetry
// record, plus opaque metadata and a demo flag carried into tags.
// Timestamps are ISO-8601 UTC.
type Payload struct {
	TraceID       string            `json:"trace_id"`
	IngestedAt    string            `json:"ingested_at"`
	ModelID       string            `json:"model_id"`
	Prompt        string            `json:"prompt"`
	Response      string            `json:"response"`
	InputTokens   *int64            `json:"input_tokens"`
	OutputTokens  *int64            `json:"output_tokens"`
	LatencyMS     *int64            `json:"latency_ms"`
	CostUSD       *float64          `json:"cost_usd"`
	ErrorOccurred bool              `json:"error_occurred"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	DemoMode      bool              `json:"demo_mode,omitempty"`
}

// MalformedRecordError is the per-record input error: it is reported
// to the caller in the rejection list and never escalated.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s %s", e.Field, e.Reason)
}

// ToRecord validates the payload and converts it to a canonical
// record, folding metadata and demo_mode into tags. Numeric fields are
// pointers so a missing field is distinguishable from an explicit zero.
func (p *Payload) ToRecord() (telemetry.Record, error) {
	if p.TraceID == "" {
		return telemetry.Record{}, &MalformedRecordError{Field: "trace_id", Reason: "is required"}
	}
	if p.ModelID == "" {
		return telemetry.Record{}, &MalformedRecordError{Field: "model_id", Reason: "is required"}
	}
	if p.IngestedAt == "" {
		return telemetry.Record{}, &MalformedRecordError{Field: "ingested_at", Reason: "is required"}
	}
	ingestedAt, err := time.Parse(time.RFC3339, p.IngestedAt)
	if err != nil {
		return telemetry.Record{}, &MalformedRecordError{Field: "ingested_at", Reason: "must be ISO-8601 UTC"}
	}
	for field, v := range map[string]*int64{
		"input_tokens":  p.InputTokens,
		"output_tokens": p.OutputTokens,
		"latency_ms":    p.LatencyMS,
	} {
		if v == nil {
			return telemetry.Record{}, &MalformedRecordError{Field: field, Reason: "is required"}
		}
		if *v < 0 {
			return telemetry.Record{}, &MalformedRecordError{Field: field, Reason: "must be >= 0"}
		}
	}
	if p.CostUSD == nil {
		return telemetry.Record{}, &MalformedRecordError{Field: "cost_usd", Reason: "is required"}
	}
	if *p.CostUSD < 0 {
		return telemetry.Record{}, &MalformedRecordError{Field: "cost_usd", Reason: "must be >= 0"}
	}

	tags := make(map[string]string, len(p.Tags)+len(p.Metadata)+1)
	for k, v := range p.Tags {
		tags[k] = v
	}
	for k, v := range p.Metadata {
		tags["metadata."+k] = v
	}
	if p.DemoMode {
		tags["demo_mode"] = "true"
	}

	rec := telemetry.Record{
		TraceID:       p.TraceID,
		IngestedAt:    ingestedAt.UTC(),
		ModelID:       p.ModelID,
		Prompt:        p.Prompt,
		Response:      p.Response,
		InputTokens:   *p.InputTokens,
		OutputTokens:  *p.OutputTokens,
		LatencyMS:     *p.LatencyMS,
		CostUSD:       *p.CostUSD,
		ErrorOccurred: p.ErrorOccurred,
		UserID:        p.UserID,
		SessionID:     p.SessionID,
		Tags:          tags,
	}
	if err := rec.Validate(); err != nil {
		return telemetry.Record{}, &MalformedRecordError{Field: "record", Reason: err.Error()}
	}
	return rec, nil
}

// parseBody accepts either a single JSON record or a JSON array of
// records; anything else is a request-level error (HTTP 400).
func parseBody(body []byte) ([]Payload, error) {
	var batch []Payload
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil
	}
	var single Payload
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("body is neither a record nor an array of records: %w", err)
	}
	return []Payload{single}, nil
}
