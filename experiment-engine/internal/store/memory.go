package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtofork/platform/experiment-engine/internal/models"
)

type assignmentKey struct {
	experimentID uuid.UUID
	entityID     string
}

// MemoryStore provides an in-memory implementation useful for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[uuid.UUID]models.Experiment
	assignments map[assignmentKey]models.Assignment
	outcomes    map[uuid.UUID][]models.Outcome
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: map[uuid.UUID]models.Experiment{},
		assignments: map[assignmentKey]models.Assignment{},
		outcomes:    map[uuid.UUID][]models.Outcome{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// clone detaches every reference field so callers cannot mutate stored state.
func clone(exp models.Experiment) models.Experiment {
	exp.Category = copyString(exp.Category)
	exp.SecondaryMetric = copyString(exp.SecondaryMetric)
	exp.VariantA = copyJSON(exp.VariantA)
	exp.VariantB = copyJSON(exp.VariantB)
	exp.HarmThreshold = copyJSON(exp.HarmThreshold)
	if exp.WinnerVariant != nil {
		v := *exp.WinnerVariant
		exp.WinnerVariant = &v
	}
	if exp.PromotedAt != nil {
		t := *exp.PromotedAt
		exp.PromotedAt = &t
	}
	return exp
}

func (m *MemoryStore) CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := m.now()
	exp := models.Experiment{
		ID:              in.ID,
		Name:            in.Name,
		Hypothesis:      in.Hypothesis,
		Category:        copyString(in.Category),
		VariantA:        ensureJSON(copyJSON(in.VariantA)),
		VariantB:        ensureJSON(copyJSON(in.VariantB)),
		Metric:          in.Metric,
		SecondaryMetric: copyString(in.SecondaryMetric),
		StartAt:         in.StartAt,
		EndAt:           in.EndAt,
		Status:          models.StatusStopped,
		HarmThreshold:   copyJSON(in.HarmThreshold),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.experiments[exp.ID]; exists {
		return models.Experiment{}, fmt.Errorf("insert experiment: duplicate id %s", exp.ID)
	}
	m.experiments[exp.ID] = exp
	return clone(exp), nil
}

func (m *MemoryStore) GetExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[id]
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	return clone(exp), nil
}

func (m *MemoryStore) ListExperiments(ctx context.Context, filter ListFilter) ([]models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Experiment
	for _, exp := range m.experiments {
		if filter.Status != nil && exp.Status != *filter.Status {
			continue
		}
		if filter.Category != nil && (exp.Category == nil || *exp.Category != *filter.Category) {
			continue
		}
		out = append(out, clone(exp))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) UpdateExperiment(ctx context.Context, exp models.Experiment) (models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.experiments[exp.ID]
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	if current.Status != models.StatusStopped {
		return models.Experiment{}, fmt.Errorf("%w: experiment is %s", ErrStatusConflict, current.Status)
	}
	current.Name = exp.Name
	current.Hypothesis = exp.Hypothesis
	current.Category = copyString(exp.Category)
	current.VariantA = ensureJSON(copyJSON(exp.VariantA))
	current.VariantB = ensureJSON(copyJSON(exp.VariantB))
	current.Metric = exp.Metric
	current.SecondaryMetric = copyString(exp.SecondaryMetric)
	current.StartAt = exp.StartAt
	current.EndAt = exp.EndAt
	current.HarmThreshold = copyJSON(exp.HarmThreshold)
	current.UpdatedAt = m.now()
	m.experiments[exp.ID] = current
	return clone(current), nil
}

func (m *MemoryStore) StartExperiment(ctx context.Context, id uuid.UUID) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return StartResult{}, ErrNotFound
	}
	if exp.Status != models.StatusStopped {
		return StartResult{}, fmt.Errorf("%w: experiment is %s", ErrStatusConflict, exp.Status)
	}
	now := m.now()
	var stopped []uuid.UUID
	if exp.Category != nil {
		for peerID, peer := range m.experiments {
			if peerID == id || peer.Status != models.StatusRunning {
				continue
			}
			if peer.Category == nil || *peer.Category != *exp.Category {
				continue
			}
			peer.Status = models.StatusStopped
			peer.UpdatedAt = now
			m.experiments[peerID] = peer
			stopped = append(stopped, peerID)
		}
	}
	exp.Status = models.StatusRunning
	exp.UpdatedAt = now
	m.experiments[id] = exp
	return StartResult{Experiment: clone(exp), Stopped: stopped}, nil
}

func (m *MemoryStore) StopExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	if exp.Status != models.StatusRunning {
		return models.Experiment{}, fmt.Errorf("%w: experiment is %s", ErrStatusConflict, exp.Status)
	}
	exp.Status = models.StatusStopped
	exp.UpdatedAt = m.now()
	m.experiments[id] = exp
	return clone(exp), nil
}

func (m *MemoryStore) CompleteExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	exp.Status = models.StatusComplete
	exp.UpdatedAt = m.now()
	m.experiments[id] = exp
	return clone(exp), nil
}

func (m *MemoryStore) SetWinner(ctx context.Context, id uuid.UUID, winner models.Variant, promotedAt *time.Time) (models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	exp.WinnerVariant = &winner
	if promotedAt != nil {
		t := *promotedAt
		exp.PromotedAt = &t
	}
	exp.UpdatedAt = m.now()
	m.experiments[id] = exp
	return clone(exp), nil
}

func (m *MemoryStore) FindActiveExperiment(ctx context.Context, category string, at time.Time) (models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found models.Experiment
		ok    bool
	)
	for _, exp := range m.experiments {
		if exp.Status != models.StatusRunning || exp.Category == nil || *exp.Category != category {
			continue
		}
		if !exp.ActiveAt(at) {
			continue
		}
		if !ok || exp.UpdatedAt.After(found.UpdatedAt) {
			found, ok = exp, true
		}
	}
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	return clone(found), nil
}

func (m *MemoryStore) GetAssignment(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey{experimentID, entityID}]
	if !ok {
		return models.Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) InsertAssignmentIfAbsent(ctx context.Context, a models.Assignment) (models.Assignment, bool, error) {
	key := assignmentKey{a.ExperimentID, a.EntityID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[a.ExperimentID]; !ok {
		return models.Assignment{}, false, ErrNotFound
	}
	if existing, ok := m.assignments[key]; ok {
		return existing, false, nil
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = m.now()
	}
	m.assignments[key] = a
	return a, true, nil
}

func (m *MemoryStore) CountAssignments(ctx context.Context, experimentID uuid.UUID) ([]models.AssignmentCount, error) {
	type groupKey struct {
		variant models.Variant
		version string
	}
	m.mu.RLock()
	counts := map[groupKey]int{}
	for key, a := range m.assignments {
		if key.experimentID != experimentID {
			continue
		}
		counts[groupKey{a.Variant, a.HashVersion}]++
	}
	m.mu.RUnlock()
	out := make([]models.AssignmentCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, models.AssignmentCount{Variant: k.variant, HashVersion: k.version, Count: n})
	}
	return out, nil
}

// AssignmentRows reports how many assignment rows exist for an experiment.
func (m *MemoryStore) AssignmentRows(experimentID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for key := range m.assignments {
		if key.experimentID == experimentID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) AppendOutcome(ctx context.Context, in OutcomeInput) (models.Outcome, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.ObservedAt.IsZero() {
		in.ObservedAt = m.now()
	}
	outcome := models.Outcome{
		ID:           in.ID,
		ExperimentID: in.ExperimentID,
		EntityID:     in.EntityID,
		Variant:      in.Variant,
		Metric:       in.Metric,
		Value:        in.Value,
		HashVersion:  in.HashVersion,
		ObservedAt:   in.ObservedAt,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[in.ExperimentID] = append(m.outcomes[in.ExperimentID], outcome)
	return outcome, nil
}

func (m *MemoryStore) OutcomeStats(ctx context.Context, experimentID uuid.UUID) ([]OutcomeStat, error) {
	type groupKey struct {
		variant models.Variant
		metric  string
		version string
	}
	m.mu.RLock()
	stats := map[groupKey]*OutcomeStat{}
	for _, o := range m.outcomes[experimentID] {
		k := groupKey{o.Variant, o.Metric, o.HashVersion}
		st, ok := stats[k]
		if !ok {
			st = &OutcomeStat{Variant: o.Variant, Metric: o.Metric, HashVersion: o.HashVersion}
			stats[k] = st
		}
		st.Count++
		st.Sum += o.Value
	}
	m.mu.RUnlock()
	out := make([]OutcomeStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
