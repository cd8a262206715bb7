package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/events"
	"github.com/fieldtofork/platform/experiment-engine/internal/lifecycle"
	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/results"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

const (
	ReasonNotRunning     = "not running"
	ReasonNoThreshold    = "no harm threshold"
	ReasonNoObservations = "no observations for threshold metric"
	ReasonWithinLimit    = "within threshold"
	ReasonAlreadyStopped = "already stopped"
	ReasonBelowThreshold = "below harm threshold"
)

// Decision reports what a harm check did. Metric, Variant and Value describe
// the worst-performing arm whenever one was evaluated.
type Decision struct {
	ExperimentID uuid.UUID      `json:"experimentId"`
	Stopped      bool           `json:"stopped"`
	Reason       string         `json:"reason"`
	Metric       string         `json:"metric,omitempty"`
	Variant      models.Variant `json:"variant,omitempty"`
	Value        float64        `json:"value"`
	MinValue     float64        `json:"minValue"`
}

type Summarizer interface {
	GetResultsSummary(ctx context.Context, experimentID uuid.UUID) (results.Summary, error)
}

type Stopper interface {
	Stop(ctx context.Context, id uuid.UUID) (models.Experiment, error)
}

type Monitor struct {
	store      store.Store
	summarizer Summarizer
	stopper    Stopper
	publisher  events.Publisher
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewMonitor(st store.Store, summarizer Summarizer, stopper Stopper, publisher events.Publisher, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:      st,
		summarizer: summarizer,
		stopper:    stopper,
		publisher:  publisher,
		logger:     logger,
		metrics:    m,
	}
}

// CheckHarmAndAutoStop stops a RUNNING experiment whose worst arm mean for the
// threshold metric is strictly below the configured minimum. Arms without
// observations of that metric are ignored. Missing or malformed thresholds
// are a no-op, not an error.
func (m *Monitor) CheckHarmAndAutoStop(ctx context.Context, experimentID uuid.UUID) (Decision, error) {
	decision := Decision{ExperimentID: experimentID}
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return decision, err
	}
	if exp.Status != models.StatusRunning {
		decision.Reason = ReasonNotRunning
		return decision, nil
	}
	threshold, ok := models.ParseHarmThreshold(exp.HarmThreshold)
	if !ok {
		decision.Reason = ReasonNoThreshold
		return decision, nil
	}
	decision.Metric = threshold.Metric
	decision.MinValue = threshold.MinValue

	summary, err := m.summarizer.GetResultsSummary(ctx, experimentID)
	if err != nil {
		return decision, fmt.Errorf("summarize: %w", err)
	}

	found := false
	for _, v := range []models.Variant{models.VariantA, models.VariantB} {
		stat, ok := summary.Variant(v).Metrics[threshold.Metric]
		if !ok || stat.Count == 0 {
			continue
		}
		if !found || stat.Mean < decision.Value {
			decision.Variant = v
			decision.Value = stat.Mean
			found = true
		}
	}
	if !found {
		decision.Reason = ReasonNoObservations
		return decision, nil
	}
	if decision.Value >= threshold.MinValue {
		decision.Reason = ReasonWithinLimit
		return decision, nil
	}

	if _, err := m.stopper.Stop(ctx, experimentID); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			decision.Reason = ReasonAlreadyStopped
			return decision, nil
		}
		return decision, fmt.Errorf("auto-stop: %w", err)
	}
	decision.Stopped = true
	decision.Reason = ReasonBelowThreshold
	m.metrics.AutoStopped(threshold.Metric)
	m.logger.Warn("experiment auto-stopped by harm check",
		zap.String("experiment_id", experimentID.String()),
		zap.String("metric", threshold.Metric),
		zap.String("variant", string(decision.Variant)),
		zap.Float64("value", decision.Value),
		zap.Float64("min_value", threshold.MinValue),
	)
	events.Emit(ctx, m.publisher, m.logger, m.metrics, events.New(events.TypeHarmAutoStopped, experimentID, decision))
	return decision, nil
}

// SweepRunning checks every RUNNING experiment. A failure on one experiment
// does not prevent the others from being checked.
func (m *Monitor) SweepRunning(ctx context.Context) ([]Decision, error) {
	running := models.StatusRunning
	list, err := m.store.ListExperiments(ctx, store.ListFilter{Status: &running})
	if err != nil {
		return nil, err
	}
	var (
		decisions []Decision
		errs      []error
	)
	for _, exp := range list {
		d, err := m.CheckHarmAndAutoStop(ctx, exp.ID)
		if err != nil {
			m.logger.Error("harm check failed", zap.Error(err), zap.String("experiment_id", exp.ID.String()))
			errs = append(errs, fmt.Errorf("experiment %s: %w", exp.ID, err))
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, errors.Join(errs...)
}
