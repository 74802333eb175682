// Package pipeline wires the analyzers into the streaming core: a
// bounded worker pool pulls records from a FIFO queue, fans each
// record out to the Quality Classifier, Threat Classifier, and Anomaly
// Detector concurrently, synthesizes an Incident from whatever
// completed, emits metrics, and persists through the Record Store.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/llmobs/telemetry-pipeline/internal/anomaly"
	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/emitter"
	"github.com/llmobs/telemetry-pipeline/internal/incident"
	"github.com/llmobs/telemetry-pipeline/internal/quality"
	"github.com/llmobs/telemetry-pipeline/internal/store"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"github.com/llmobs/telemetry-pipeline/internal/threat"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrQueueFull reports that the intake buffer is saturated; the
// Ingress Adapter surfaces it to callers as back-pressure.
var ErrQueueFull = errors.New("pipeline: queue full")

// Pipeline is the streaming analysis core. Workers share only the
// config, the detector's windows (internally locked), the dedup set
// (owned by the Ingress Adapter's normalizer), and the sinks.
type Pipeline struct {
	cfg      config.PipelineConfig
	quality  *quality.Classifier
	threats  *threat.Classifier
	detector *anomaly.Detector
	synth    *incident.Synthesizer
	emitter  *emitter.Emitter
	store    store.Store
	logger   *zap.Logger

	queue chan telemetry.Record
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	incidents   *broadcaster[IncidentEvent]
	transitions *broadcaster[TransitionEvent]
}

func New(
	cfg config.PipelineConfig,
	qualityClassifier *quality.Classifier,
	threatClassifier *threat.Classifier,
	detector *anomaly.Detector,
	synth *incident.Synthesizer,
	em *emitter.Emitter,
	st store.Store,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:         cfg,
		quality:     qualityClassifier,
		threats:     threatClassifier,
		detector:    detector,
		synth:       synth,
		emitter:     em,
		store:       st,
		logger:      logger,
		queue:       make(chan telemetry.Record, cfg.BatchSize*2),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentAnalyses)),
		incidents:   newBroadcaster[IncidentEvent](),
		transitions: newBroadcaster[TransitionEvent](),
	}
}

// Enqueue hands one normalized record to the worker pool. It never
// blocks: a full buffer is the back-pressure signal.
func (p *Pipeline) Enqueue(rec telemetry.Record) error {
	select {
	case p.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the dispatcher. It returns immediately; processing
// stops when ctx is canceled and Wait returns once in-flight records
// drain.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.dispatch(ctx)
}

// Wait blocks until the dispatcher and all workers have exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// SubscribeIncidents returns the append-only stream of newly created
// incidents.
func (p *Pipeline) SubscribeIncidents() (<-chan IncidentEvent, func()) {
	return p.incidents.Subscribe()
}

// SubscribeTransitions returns the stream of status transitions.
func (p *Pipeline) SubscribeTransitions() (<-chan TransitionEvent, func()) {
	return p.transitions.Subscribe()
}

func (p *Pipeline) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.queue:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			p.wg.Add(1)
			go func(rec telemetry.Record) {
				defer p.wg.Done()
				defer p.sem.Release(1)
				p.Process(ctx, rec)
			}(rec)
		}
	}
}

// Process runs one record through the full analysis. Exported so a
// batch driver or test can run records synchronously; the dispatcher
// uses it for every queued record. No error is returned: per-record
// failures degrade to partial results and counters, never to a failure
// of the pipeline.
func (p *Pipeline) Process(ctx context.Context, rec telemetry.Record) {
	defer func() {
		// Invariant violations abort this record only; the worker
		// goes on to the next one.
		if r := recover(); r != nil {
			p.logger.Error("record processing panicked",
				zap.String("trace_id", rec.TraceID), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WholeRecordDeadline())
	defer cancel()

	now := time.Now()

	var (
		score     telemetry.QualityScore
		scoreErr  error
		promptV   telemetry.ThreatVerdict
		promptOK  bool
		promptErr error
		respV     telemetry.ThreatVerdict
		respOK    bool
		respErr   error
		recAnoms  []telemetry.Anomaly
	)

	// Fan out the three analyzers. Each goroutine records its own
	// outcome and returns nil: one analyzer failing must not cancel the
	// others; analyzers do not observe each other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		score, scoreErr = p.quality.Classify(gctx, rec)
		return nil
	})
	g.Go(func() error {
		promptV, promptOK, promptErr = p.threats.ClassifyPrompt(gctx, rec)
		return nil
	})
	g.Go(func() error {
		respV, respOK, respErr = p.threats.ClassifyResponse(gctx, rec)
		return nil
	})
	if p.cfg.EnableAnomalyDetection {
		g.Go(func() error {
			recAnoms = p.detector.Observe(now, rec, nil)
			return nil
		})
	}
	_ = g.Wait()

	// The quality window is fed once the score is known; the record's
	// other windows were already updated concurrently.
	var anomalies []telemetry.Anomaly
	if p.cfg.EnableAnomalyDetection {
		if score.Overall != nil {
			anomalies = anomaly.MergeByMetric(recAnoms, p.detector.ObserveQuality(now, *score.Overall))
		} else {
			anomalies = recAnoms
		}
	}

	var verdicts []telemetry.ThreatVerdict
	if promptOK {
		verdicts = append(verdicts, promptV)
	}
	if respOK {
		verdicts = append(verdicts, respV)
	}

	var partial []incident.PartialAnalyzer
	if scoreErr != nil {
		partial = append(partial, incident.PartialQuality)
		p.emitter.Counter(emitter.MetricQualityParseFailures, 1, nil)
	}
	if promptErr != nil || respErr != nil {
		partial = append(partial, incident.PartialThreat)
	}

	p.emitter.RecordProcessed(rec)
	p.emitter.QualityScored(score)
	for _, v := range verdicts {
		p.emitter.ThreatDetected(v)
	}
	for _, a := range anomalies {
		p.emitter.AnomalyDetected(a)
	}

	enrichment := telemetry.Enrichment{
		Quality:   &score,
		Threats:   verdicts,
		Anomalies: anomalies,
		Partial:   len(partial) > 0,
	}

	var inc *telemetry.Incident
	if p.cfg.EnableIncidentEmission {
		inc = p.synth.Synthesize(incident.Input{
			Record:    rec,
			Quality:   &score,
			Threats:   verdicts,
			Anomalies: anomalies,
			Partial:   partial,
		})
	}

	p.persist(ctx, rec, enrichment, inc)

	if inc != nil {
		p.emitter.IncidentCreated(inc)
		p.incidents.publish(func(seq uint64) IncidentEvent {
			return IncidentEvent{Seq: seq, Incident: inc}
		})
	}
}

// persist writes the enriched record and any incident. Store failures
// never propagate: they are counted and logged only. The
// store writes use a fresh context so a record that spent its whole
// deadline on analysis still gets persisted.
func (p *Pipeline) persist(ctx context.Context, rec telemetry.Record, enrichment telemetry.Enrichment, inc *telemetry.Incident) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PerCallTimeout)
	defer cancel()

	if err := p.store.PutRecord(storeCtx, rec, enrichment); err != nil {
		p.emitter.Counter(emitter.MetricStoreWriteFailures, 1, nil)
		p.logger.Error("failed to persist record", zap.String("trace_id", rec.TraceID), zap.Error(err))
	}
	if inc != nil {
		if err := p.store.PutIncident(storeCtx, inc); err != nil {
			p.emitter.Counter(emitter.MetricStoreWriteFailures, 1, nil)
			p.logger.Error("failed to persist incident", zap.String("incident_id", inc.ID), zap.Error(err))
		}
	}
}
