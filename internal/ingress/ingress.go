// Package ingress implements the ingress adapter: schema
// validation, coarse rate shaping, and back-pressure for records
// arriving over HTTP or a broker. It normalizes and dedups records
// synchronously so the caller's acknowledgment reflects duplicates,
// then hands accepted records to the pipeline's queue. It does not
// analyze.
package ingress

import (
	"context"
	"errors"

	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/emitter"
	"github.com/llmobs/telemetry-pipeline/internal/normalize"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrOverloaded is the back-pressure indicator: the
// downstream queue is saturated and the caller should retry with
// backoff.
var ErrOverloaded = errors.New("ingress: overloaded, retry with backoff")

// Queue is the downstream the adapter feeds. Enqueue must not block;
// it reports ErrOverloaded (or any error) when the worker pool's
// buffer is full.
type Queue interface {
	Enqueue(rec telemetry.Record) error
}

// Rejection reports why one record of a batch was not accepted.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the submit acknowledgment: {accepted, rejected}.
type Result struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// Adapter validates, normalizes, and enqueues telemetry payloads.
type Adapter struct {
	cfg        config.PipelineConfig
	normalizer *normalize.Normalizer
	queue      Queue
	emitter    *emitter.Emitter
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewAdapter(cfg config.PipelineConfig, normalizer *normalize.Normalizer, queue Queue, em *emitter.Emitter, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := 0
	if cfg.IngressRatePerSec > 0 {
		limit = rate.Limit(cfg.IngressRatePerSec)
		burst = cfg.BatchSize * 2
	}
	return &Adapter{
		cfg:        cfg,
		normalizer: normalizer,
		queue:      queue,
		emitter:    em,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Submit processes a batch of payloads. A single bad record never
// rejects the whole batch: each payload is accepted, rejected with a
// reason, or flagged duplicate independently. It returns ErrOverloaded
// (with the partial Result) when rate shaping or the downstream queue
// refuses further records.
func (a *Adapter) Submit(ctx context.Context, payloads []Payload) (Result, error) {
	res := Result{Rejected: []Rejection{}}

	for i, p := range payloads {
		if !a.limiter.Allow() {
			a.emitter.Counter(emitter.MetricIngressRejected, float64(len(payloads)-i), nil)
			return res, ErrOverloaded
		}

		rec, err := p.ToRecord()
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: err.Error()})
			a.emitter.Counter(emitter.MetricIngressRejected, 1, nil)
			continue
		}

		rec, duplicate := a.normalizer.Normalize(rec)
		if duplicate {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "duplicate"})
			a.emitter.Counter(emitter.MetricIngressDuplicate, 1, nil)
			continue
		}

		if err := a.queue.Enqueue(rec); err != nil {
			a.logger.Warn("queue refused record", zap.String("trace_id", rec.TraceID), zap.Error(err))
			a.emitter.Counter(emitter.MetricIngressRejected, float64(len(payloads)-i), nil)
			return res, ErrOverloaded
		}

		res.Accepted++
		a.emitter.Counter(emitter.MetricIngressAccepted, 1, nil)
	}

	return res, nil
}
