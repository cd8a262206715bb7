package outcomes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/bucketing"
	"github.com/fieldtofork/platform/experiment-engine/internal/events"
	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func New(st store.Store, publisher events.Publisher, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     st,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
	}
}

type RecordInput struct {
	ExperimentID uuid.UUID
	EntityID     string
	Variant      models.Variant
	Metric       string
	Value        float64
	ObservedAt   time.Time
}

// RecordOutcome appends one observation. The variant is trusted as given and
// repeated observations for the same entity and metric are all kept.
func (s *Service) RecordOutcome(ctx context.Context, in RecordInput) (models.Outcome, error) {
	if !in.Variant.Valid() {
		return models.Outcome{}, fmt.Errorf("%w: variant must be A or B", models.ErrInvalidInput)
	}
	in.Metric = strings.TrimSpace(in.Metric)
	if in.Metric == "" {
		return models.Outcome{}, fmt.Errorf("%w: metric required", models.ErrInvalidInput)
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return models.Outcome{}, fmt.Errorf("%w: value must be finite", models.ErrInvalidInput)
	}
	if _, err := s.store.GetExperiment(ctx, in.ExperimentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Outcome{}, err
		}
		return models.Outcome{}, fmt.Errorf("load experiment: %w", err)
	}

	outcome, err := s.store.AppendOutcome(ctx, store.OutcomeInput{
		ExperimentID: in.ExperimentID,
		EntityID:     in.EntityID,
		Variant:      in.Variant,
		Metric:       in.Metric,
		Value:        in.Value,
		HashVersion:  bucketing.Version,
		ObservedAt:   in.ObservedAt,
	})
	if err != nil {
		return models.Outcome{}, err
	}
	s.metrics.OutcomeRecorded(string(outcome.Variant))
	events.Emit(ctx, s.publisher, s.logger, s.metrics, events.New(events.TypeOutcomeRecorded, outcome.ExperimentID, outcome))
	return outcome, nil
}
