// Package engine wires the experiment components into the consumer and admin
// operations exposed by the service.
package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/archive"
	"github.com/fieldtofork/platform/experiment-engine/internal/assignment"
	"github.com/fieldtofork/platform/experiment-engine/internal/events"
	"github.com/fieldtofork/platform/experiment-engine/internal/lifecycle"
	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/outcomes"
	"github.com/fieldtofork/platform/experiment-engine/internal/resolver"
	"github.com/fieldtofork/platform/experiment-engine/internal/results"
	"github.com/fieldtofork/platform/experiment-engine/internal/safety"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

// Options carries the optional collaborators. Zero values disable the
// corresponding feature.
type Options struct {
	Cache     assignment.Cache
	Publisher events.Publisher
	Archiver  archive.Archiver
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Engine struct {
	store      store.Store
	assignment *assignment.Service
	resolver   *resolver.Resolver
	outcomes   *outcomes.Service
	results    *results.Aggregator
	lifecycle  *lifecycle.Service
	monitor    *safety.Monitor
	archiver   archive.Archiver
	logger     *zap.Logger
}

func New(st store.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	assignOpts := []assignment.Option{assignment.WithLogger(logger), assignment.WithMetrics(opts.Metrics)}
	if opts.Cache != nil {
		assignOpts = append(assignOpts, assignment.WithCache(opts.Cache))
	}
	assigner := assignment.New(st, assignOpts...)
	agg := results.New(st)
	lc := lifecycle.New(st, publisher, logger, opts.Metrics)

	return &Engine{
		store:      st,
		assignment: assigner,
		resolver:   resolver.New(st, assigner, logger),
		outcomes:   outcomes.New(st, publisher, logger, opts.Metrics),
		results:    agg,
		lifecycle:  lc,
		monitor:    safety.NewMonitor(st, agg, lc, publisher, logger, opts.Metrics),
		archiver:   opts.Archiver,
		logger:     logger,
	}
}

// Consumer operations.

func (e *Engine) GetVariant(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Variant, error) {
	return e.assignment.GetVariant(ctx, experimentID, entityID)
}

func (e *Engine) GetVariantConfig(ctx context.Context, experimentID uuid.UUID, entityID string) (*resolver.VariantConfig, error) {
	return e.resolver.GetVariantConfig(ctx, experimentID, entityID)
}

func (e *Engine) GetActiveExperimentConfigForEntity(ctx context.Context, category, entityID string) (*resolver.VariantConfig, error) {
	return e.resolver.GetActiveExperimentConfigForEntity(ctx, category, entityID)
}

func (e *Engine) RecordOutcome(ctx context.Context, in outcomes.RecordInput) (models.Outcome, error) {
	return e.outcomes.RecordOutcome(ctx, in)
}

// Admin operations.

func (e *Engine) CreateExperiment(ctx context.Context, in lifecycle.CreateInput) (models.Experiment, error) {
	return e.lifecycle.Create(ctx, in)
}

func (e *Engine) UpdateExperiment(ctx context.Context, id uuid.UUID, patch lifecycle.Patch) (models.Experiment, error) {
	return e.lifecycle.Update(ctx, id, patch)
}

func (e *Engine) GetExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	return e.lifecycle.Get(ctx, id)
}

func (e *Engine) ListExperiments(ctx context.Context, filter store.ListFilter) ([]models.Experiment, error) {
	return e.lifecycle.List(ctx, filter)
}

func (e *Engine) StartExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, []uuid.UUID, error) {
	return e.lifecycle.Start(ctx, id)
}

func (e *Engine) StopExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	return e.lifecycle.Stop(ctx, id)
}

// CompleteExperiment closes the experiment and archives its final results.
func (e *Engine) CompleteExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	exp, err := e.lifecycle.Complete(ctx, id)
	if err != nil {
		return models.Experiment{}, err
	}
	e.archiveResults(ctx, id)
	return exp, nil
}

func (e *Engine) PromoteWinner(ctx context.Context, id uuid.UUID, winner models.Variant, markPromoted bool) (models.Experiment, error) {
	return e.lifecycle.PromoteWinner(ctx, id, winner, markPromoted)
}

func (e *Engine) GetResultsSummary(ctx context.Context, id uuid.UUID) (results.Summary, error) {
	return e.results.GetResultsSummary(ctx, id)
}

// CheckHarmAndAutoStop runs the harm check and archives results when it stops
// the experiment.
func (e *Engine) CheckHarmAndAutoStop(ctx context.Context, id uuid.UUID) (safety.Decision, error) {
	d, err := e.monitor.CheckHarmAndAutoStop(ctx, id)
	if err != nil {
		return d, err
	}
	if d.Stopped {
		e.archiveResults(ctx, id)
	}
	return d, nil
}

func (e *Engine) SweepRunning(ctx context.Context) ([]safety.Decision, error) {
	decisions, err := e.monitor.SweepRunning(ctx)
	for _, d := range decisions {
		if d.Stopped {
			e.archiveResults(ctx, d.ExperimentID)
		}
	}
	return decisions, err
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) archiveResults(ctx context.Context, id uuid.UUID) {
	if e.archiver == nil {
		return
	}
	summary, err := e.results.GetResultsSummary(ctx, id)
	if err != nil {
		e.logger.Warn("results snapshot failed", zap.Error(err), zap.String("experiment_id", id.String()))
		return
	}
	key, err := e.archiver.Archive(ctx, id, summary.GeneratedAt, summary)
	if err != nil {
		e.logger.Warn("results archive failed", zap.Error(err), zap.String("experiment_id", id.String()))
		return
	}
	e.logger.Info("results archived", zap.String("experiment_id", id.String()), zap.String("key", key))
}
