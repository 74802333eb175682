package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/emitter"
	"github.com/llmobs/telemetry-pipeline/internal/normalize"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	records []telemetry.Record
	full    bool
}

func (q *fakeQueue) Enqueue(rec telemetry.Record) error {
	if q.full {
		return errors.New("queue full")
	}
	q.records = append(q.records, rec)
	return nil
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func validPayload(traceID string) Payload {
	return Payload{
		TraceID:      traceID,
		IngestedAt:   "2026-08-01T12:00:00Z",
		ModelID:      "claude-3-5-sonnet-latest",
		Prompt:       "Capital of France?",
		Response:     "Paris.",
		InputTokens:  i64(5),
		OutputTokens: i64(1),
		LatencyMS:    i64(400),
		CostUSD:      f64(0.0005),
	}
}

func newTestAdapter(queue Queue) (*Adapter, *emitter.MemorySink) {
	cfg := config.Default()
	sink := emitter.NewMemorySink()
	em := emitter.New("llmobs", sink, nil)
	return NewAdapter(cfg, normalize.New(cfg), queue, em, nil), sink
}

func TestSubmitAcceptsValidBatch(t *testing.T) {
	q := &fakeQueue{}
	a, sink := newTestAdapter(q)

	res, err := a.Submit(context.Background(), []Payload{validPayload("t1"), validPayload("t2")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Empty(t, res.Rejected)
	assert.Len(t, q.records, 2)
	assert.Equal(t, 2.0, sink.CounterValue("llmobs.ingress.accepted"))
}

func TestSubmitRejectsBadRecordWithoutFailingBatch(t *testing.T) {
	q := &fakeQueue{}
	a, sink := newTestAdapter(q)

	bad := validPayload("t-bad")
	bad.InputTokens = i64(-1)
	res, err := a.Submit(context.Background(), []Payload{validPayload("t1"), bad, validPayload("t2")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 1, res.Rejected[0].Index)
	assert.Contains(t, res.Rejected[0].Reason, "input_tokens")
	assert.Equal(t, 1.0, sink.CounterValue("llmobs.ingress.rejected"))
}

func TestSubmitRejectsMissingRequiredField(t *testing.T) {
	q := &fakeQueue{}
	a, _ := newTestAdapter(q)

	missing := validPayload("t-missing")
	missing.CostUSD = nil
	res, err := a.Submit(context.Background(), []Payload{missing})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, res.Rejected[0].Reason, "cost_usd")
}

func TestSubmitFlagsDuplicateTraceID(t *testing.T) {
	q := &fakeQueue{}
	a, sink := newTestAdapter(q)

	_, err := a.Submit(context.Background(), []Payload{validPayload("t1")})
	require.NoError(t, err)
	res, err := a.Submit(context.Background(), []Payload{validPayload("t1")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "duplicate", res.Rejected[0].Reason)
	assert.Equal(t, 1.0, sink.CounterValue("llmobs.ingress.duplicate"))
	assert.Len(t, q.records, 1)
}

func TestSubmitReturnsOverloadedWhenQueueFull(t *testing.T) {
	q := &fakeQueue{full: true}
	a, _ := newTestAdapter(q)

	res, err := a.Submit(context.Background(), []Payload{validPayload("t1")})
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Equal(t, 0, res.Accepted)
}

func TestToRecordFoldsMetadataAndDemoModeIntoTags(t *testing.T) {
	p := validPayload("t1")
	p.Metadata = map[string]string{"team": "search"}
	p.DemoMode = true
	rec, err := p.ToRecord()
	require.NoError(t, err)
	assert.Equal(t, "search", rec.Tags["metadata.team"])
	assert.Equal(t, "true", rec.Tags["demo_mode"])
}

func TestHTTPAcceptsSingleRecordAndArray(t *testing.T) {
	q := &fakeQueue{}
	a, _ := newTestAdapter(q)
	srv := httptest.NewServer(NewHandler(a, nil).Routes())
	defer srv.Close()

	single, _ := json.Marshal(validPayload("h1"))
	resp, err := http.Post(srv.URL+"/telemetry", "application/json", bytes.NewReader(single))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	batch, _ := json.Marshal([]Payload{validPayload("h2"), validPayload("h3")})
	resp2, err := http.Post(srv.URL+"/telemetry", "application/json", bytes.NewReader(batch))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp2.StatusCode)

	var res Result
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&res))
	assert.Equal(t, 2, res.Accepted)
}

func TestHTTPRejectsUnparseableBody(t *testing.T) {
	q := &fakeQueue{}
	a, _ := newTestAdapter(q)
	srv := httptest.NewServer(NewHandler(a, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/telemetry", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPPartialSuccessIsStill202(t *testing.T) {
	q := &fakeQueue{}
	a, _ := newTestAdapter(q)
	srv := httptest.NewServer(NewHandler(a, nil).Routes())
	defer srv.Close()

	bad := validPayload("")
	batch, _ := json.Marshal([]Payload{validPayload("p1"), bad})
	resp, err := http.Post(srv.URL+"/telemetry", "application/json", bytes.NewReader(batch))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Rejected, 1)
}

func TestHTTPOverloadedReturns429(t *testing.T) {
	q := &fakeQueue{full: true}
	a, _ := newTestAdapter(q)
	srv := httptest.NewServer(NewHandler(a, nil).Routes())
	defer srv.Close()

	body, _ := json.Marshal(validPayload("o1"))
	resp, err := http.Post(srv.URL+"/telemetry", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
