package pipeline

import (
	"context"

	"github.com/llmobs/telemetry-pipeline/internal/store"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
)

// IncidentService is the incident query surface: list, get, and
// transition, plus the push streams exposed through the Pipeline's
// Subscribe methods. Transitions are driven externally through this
// service, which is what keeps the transition stream complete: the
// store alone cannot observe who changed what.
type IncidentService struct {
	store    store.Store
	pipeline *Pipeline
	logger   *zap.Logger
}

func NewIncidentService(st store.Store, p *Pipeline, logger *zap.Logger) *IncidentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IncidentService{store: st, pipeline: p, logger: logger}
}

func (s *IncidentService) List(ctx context.Context, filter store.Filter, limit int) ([]*telemetry.Incident, error) {
	return s.store.QueryIncidents(ctx, filter, limit)
}

func (s *IncidentService) Get(ctx context.Context, id string) (*telemetry.Incident, error) {
	return s.store.GetIncident(ctx, id)
}

// Transition applies a status change through the store's state
// machine and publishes a TransitionEvent when the status actually
// changed (an idempotent re-apply publishes nothing). Policy errors
// (*telemetry.ErrIllegalTransition) pass through to the caller and are
// not logged above info.
func (s *IncidentService) Transition(ctx context.Context, id string, to telemetry.IncidentStatus) (*telemetry.Incident, error) {
	before, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	inc, err := s.store.UpdateIncidentStatus(ctx, id, to)
	if err != nil {
		return nil, err
	}

	if before.Status != inc.Status {
		s.pipeline.transitions.publish(func(seq uint64) TransitionEvent {
			return TransitionEvent{Seq: seq, IncidentID: id, From: before.Status, To: inc.Status}
		})
		s.logger.Info("incident transitioned",
			zap.String("incident_id", id),
			zap.String("from", string(before.Status)),
			zap.String("to", string(inc.Status)),
		)
	}
	return inc, nil
}
