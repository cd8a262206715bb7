package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/bucketing"
	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

type Service struct {
	store   store.Store
	cache   Cache
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetVariant returns the entity's arm for the experiment, creating the
// assignment on first touch. An existing assignment is returned as stored.
func (s *Service) GetVariant(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Variant, error) {
	a, err := s.Assign(ctx, experimentID, entityID)
	if err != nil {
		return "", err
	}
	return a.Variant, nil
}

func (s *Service) Assign(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Assignment, error) {
	if strings.TrimSpace(entityID) == "" {
		return models.Assignment{}, fmt.Errorf("%w: entityId required", models.ErrInvalidInput)
	}

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, experimentID, entityID)
		switch {
		case err != nil:
			s.logger.Warn("assignment cache read failed", zap.Error(err), zap.String("experiment_id", experimentID.String()))
			s.metrics.CacheLookup("error")
		case ok:
			s.metrics.CacheLookup("hit")
			return cached, nil
		default:
			s.metrics.CacheLookup("miss")
		}
	}

	existing, err := s.store.GetAssignment(ctx, experimentID, entityID)
	if err == nil {
		s.metrics.Assigned(string(existing.Variant), "existing")
		s.fill(ctx, existing)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Assignment{}, fmt.Errorf("load assignment: %w", err)
	}

	computed := models.Assignment{
		ExperimentID: experimentID,
		EntityID:     entityID,
		Variant:      bucketing.Bucket(experimentID.String(), entityID),
		HashVersion:  bucketing.Version,
	}
	stored, created, err := s.store.InsertAssignmentIfAbsent(ctx, computed)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("persist assignment: %w", err)
	}
	if created {
		s.metrics.Assigned(string(stored.Variant), "created")
		s.logger.Debug("assignment created",
			zap.String("experiment_id", experimentID.String()),
			zap.String("entity_id", entityID),
			zap.String("variant", string(stored.Variant)),
		)
	} else {
		s.metrics.Assigned(string(stored.Variant), "existing")
	}
	s.fill(ctx, stored)
	return stored, nil
}

// fill only ever writes the store's authoritative row.
func (s *Service) fill(ctx context.Context, a models.Assignment) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, a); err != nil {
		s.logger.Warn("assignment cache write failed", zap.Error(err), zap.String("experiment_id", a.ExperimentID.String()))
	}
}
