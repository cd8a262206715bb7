package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

// VariantConfig is what a business module applies for one entity.
type VariantConfig struct {
	ExperimentID uuid.UUID       `json:"experimentId"`
	Variant      models.Variant  `json:"variant"`
	Config       json.RawMessage `json:"config"`
}

type Assigner interface {
	GetVariant(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Variant, error)
}

type Resolver struct {
	store    store.Store
	assigner Assigner
	logger   *zap.Logger
	now      func() time.Time
}

func New(st store.Store, assigner Assigner, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    st,
		assigner: assigner,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetVariantConfig returns nil when the experiment does not exist so callers
// fall back to baseline behaviour.
func (r *Resolver) GetVariantConfig(ctx context.Context, experimentID uuid.UUID, entityID string) (*VariantConfig, error) {
	exp, err := r.store.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load experiment: %w", err)
	}
	return r.resolve(ctx, exp, entityID)
}

// GetActiveExperimentConfigForEntity resolves the RUNNING experiment for
// category whose window contains now, or nil if there is none.
func (r *Resolver) GetActiveExperimentConfigForEntity(ctx context.Context, category, entityID string) (*VariantConfig, error) {
	exp, err := r.store.FindActiveExperiment(ctx, category, r.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active experiment: %w", err)
	}
	return r.resolve(ctx, exp, entityID)
}

func (r *Resolver) resolve(ctx context.Context, exp models.Experiment, entityID string) (*VariantConfig, error) {
	variant, err := r.assigner.GetVariant(ctx, exp.ID, entityID)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("variant resolved",
		zap.String("experiment_id", exp.ID.String()),
		zap.String("entity_id", entityID),
		zap.String("variant", string(variant)),
	)
	return &VariantConfig{
		ExperimentID: exp.ID,
		Variant:      variant,
		Config:       exp.ConfigFor(variant),
	}, nil
}
