package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/events"
	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

// ErrInvalidTransition is returned when an operation is not allowed from the
// experiment's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
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
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	Name            string          `json:"name"`
	Hypothesis      string          `json:"hypothesis"`
	Category        *string         `json:"category"`
	VariantA        json.RawMessage `json:"variantA"`
	VariantB        json.RawMessage `json:"variantB"`
	Metric          string          `json:"metric"`
	SecondaryMetric *string         `json:"secondaryMetric"`
	StartAt         time.Time       `json:"startAt"`
	EndAt           time.Time       `json:"endAt"`
	HarmThreshold   json.RawMessage `json:"harmThreshold"`
}

// Patch changes only the fields that are set. An empty Category or
// SecondaryMetric clears it; a JSON null HarmThreshold removes the threshold.
type Patch struct {
	Name            *string         `json:"name"`
	Hypothesis      *string         `json:"hypothesis"`
	Category        *string         `json:"category"`
	VariantA        json.RawMessage `json:"variantA"`
	VariantB        json.RawMessage `json:"variantB"`
	Metric          *string         `json:"metric"`
	SecondaryMetric *string         `json:"secondaryMetric"`
	StartAt         *time.Time      `json:"startAt"`
	EndAt           *time.Time      `json:"endAt"`
	HarmThreshold   json.RawMessage `json:"harmThreshold"`
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func validJSON(field string, raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return fmt.Errorf("%w: %s must be valid JSON", models.ErrInvalidInput, field)
	}
	return nil
}

func validate(exp models.Experiment) error {
	if exp.Name == "" {
		return fmt.Errorf("%w: name required", models.ErrInvalidInput)
	}
	if exp.Metric == "" {
		return fmt.Errorf("%w: metric required", models.ErrInvalidInput)
	}
	if exp.StartAt.IsZero() || exp.EndAt.IsZero() {
		return fmt.Errorf("%w: startAt and endAt required", models.ErrInvalidInput)
	}
	if exp.EndAt.Before(exp.StartAt) {
		return fmt.Errorf("%w: endAt before startAt", models.ErrInvalidInput)
	}
	for field, raw := range map[string]json.RawMessage{
		"variantA":      exp.VariantA,
		"variantB":      exp.VariantB,
		"harmThreshold": exp.HarmThreshold,
	} {
		if err := validJSON(field, raw); err != nil {
			return err
		}
	}
	return nil
}

func normalizeThreshold(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// Create stores a new experiment. New experiments always start STOPPED.
func (s *Service) Create(ctx context.Context, in CreateInput) (models.Experiment, error) {
	draft := models.Experiment{
		Name:            strings.TrimSpace(in.Name),
		Hypothesis:      in.Hypothesis,
		Category:        optional(in.Category),
		VariantA:        in.VariantA,
		VariantB:        in.VariantB,
		Metric:          strings.TrimSpace(in.Metric),
		SecondaryMetric: optional(in.SecondaryMetric),
		StartAt:         in.StartAt.UTC(),
		EndAt:           in.EndAt.UTC(),
		HarmThreshold:   normalizeThreshold(in.HarmThreshold),
	}
	if err := validate(draft); err != nil {
		return models.Experiment{}, err
	}
	exp, err := s.store.CreateExperiment(ctx, store.ExperimentInput{
		Name:            draft.Name,
		Hypothesis:      draft.Hypothesis,
		Category:        draft.Category,
		VariantA:        draft.VariantA,
		VariantB:        draft.VariantB,
		Metric:          draft.Metric,
		SecondaryMetric: draft.SecondaryMetric,
		StartAt:         draft.StartAt,
		EndAt:           draft.EndAt,
		HarmThreshold:   draft.HarmThreshold,
	})
	if err != nil {
		return models.Experiment{}, err
	}
	s.logger.Info("experiment created", zap.String("experiment_id", exp.ID.String()), zap.String("name", exp.Name))
	s.emit(ctx, events.TypeExperimentCreated, exp.ID, exp)
	return exp, nil
}

// Update applies patch to a STOPPED experiment. Any other status is rejected
// and the experiment is left untouched.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch Patch) (models.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return models.Experiment{}, err
	}
	if exp.Status != models.StatusStopped {
		return models.Experiment{}, fmt.Errorf("%w: cannot edit a %s experiment", ErrInvalidTransition, exp.Status)
	}

	if patch.Name != nil {
		exp.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Hypothesis != nil {
		exp.Hypothesis = *patch.Hypothesis
	}
	if patch.Category != nil {
		exp.Category = optional(patch.Category)
	}
	if len(patch.VariantA) > 0 {
		exp.VariantA = patch.VariantA
	}
	if len(patch.VariantB) > 0 {
		exp.VariantB = patch.VariantB
	}
	if patch.Metric != nil {
		exp.Metric = strings.TrimSpace(*patch.Metric)
	}
	if patch.SecondaryMetric != nil {
		exp.SecondaryMetric = optional(patch.SecondaryMetric)
	}
	if patch.StartAt != nil {
		exp.StartAt = patch.StartAt.UTC()
	}
	if patch.EndAt != nil {
		exp.EndAt = patch.EndAt.UTC()
	}
	if len(patch.HarmThreshold) > 0 {
		exp.HarmThreshold = normalizeThreshold(patch.HarmThreshold)
	}
	if err := validate(exp); err != nil {
		return models.Experiment{}, err
	}

	updated, err := s.store.UpdateExperiment(ctx, exp)
	if err != nil {
		return models.Experiment{}, s.transitionErr(err)
	}
	s.emit(ctx, events.TypeExperimentUpdated, updated.ID, updated)
	return updated, nil
}

// Start moves a STOPPED experiment to RUNNING and stops every other RUNNING
// experiment in the same category. It returns the ids that were stopped.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (models.Experiment, []uuid.UUID, error) {
	res, err := s.store.StartExperiment(ctx, id)
	if err != nil {
		return models.Experiment{}, nil, s.transitionErr(err)
	}
	for _, peer := range res.Stopped {
		s.logger.Info("experiment stopped by category peer start",
			zap.String("experiment_id", peer.String()),
			zap.String("started_id", id.String()),
		)
		s.metrics.Transition(string(models.StatusStopped))
		s.emit(ctx, events.TypeExperimentStopped, peer, map[string]string{"reason": "category_preempted", "by": id.String()})
	}
	s.metrics.Transition(string(models.StatusRunning))
	s.logger.Info("experiment started", zap.String("experiment_id", id.String()), zap.Int("preempted", len(res.Stopped)))
	s.emit(ctx, events.TypeExperimentStarted, id, res.Experiment)
	return res.Experiment, res.Stopped, nil
}

// Stop moves a RUNNING experiment to STOPPED.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	exp, err := s.store.StopExperiment(ctx, id)
	if err != nil {
		return models.Experiment{}, s.transitionErr(err)
	}
	s.metrics.Transition(string(models.StatusStopped))
	s.logger.Info("experiment stopped", zap.String("experiment_id", id.String()))
	s.emit(ctx, events.TypeExperimentStopped, id, exp)
	return exp, nil
}

// Complete moves an experiment to COMPLETE from any status.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	exp, err := s.store.CompleteExperiment(ctx, id)
	if err != nil {
		return models.Experiment{}, err
	}
	s.metrics.Transition(string(models.StatusComplete))
	s.logger.Info("experiment completed", zap.String("experiment_id", id.String()))
	s.emit(ctx, events.TypeExperimentCompleted, id, exp)
	return exp, nil
}

// PromoteWinner records the winning arm; markPromoted also stamps PromotedAt.
// Allowed in any status.
func (s *Service) PromoteWinner(ctx context.Context, id uuid.UUID, winner models.Variant, markPromoted bool) (models.Experiment, error) {
	if !winner.Valid() {
		return models.Experiment{}, fmt.Errorf("%w: winner must be A or B", models.ErrInvalidInput)
	}
	var promotedAt *time.Time
	if markPromoted {
		now := s.now()
		promotedAt = &now
	}
	exp, err := s.store.SetWinner(ctx, id, winner, promotedAt)
	if err != nil {
		return models.Experiment{}, err
	}
	s.logger.Info("winner recorded",
		zap.String("experiment_id", id.String()),
		zap.String("winner", string(winner)),
		zap.Bool("promoted", markPromoted),
	)
	s.emit(ctx, events.TypeWinnerPromoted, id, exp)
	return exp, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]models.Experiment, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, *filter.Status)
	}
	return s.store.ListExperiments(ctx, filter)
}

func (s *Service) transitionErr(err error) error {
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	return err
}

func (s *Service) emit(ctx context.Context, eventType string, id uuid.UUID, payload interface{}) {
	events.Emit(ctx, s.publisher, s.logger, s.metrics, events.New(eventType, id, payload))
}
