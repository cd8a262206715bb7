package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtofork/platform/experiment-engine/internal/bucketing"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

// ErrHashVersionMismatch is returned when stored rows were bucketed with a
// different hash than the running binary.
var ErrHashVersionMismatch = errors.New("hash version mismatch")

const WinnerTie = "tie"

type MetricStat struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
}

type VariantResult struct {
	AssignmentCount int                   `json:"assignmentCount"`
	PrimaryCount    int                   `json:"primaryCount"`
	PrimaryMean     float64               `json:"primaryMean"`
	SecondaryCount  int                   `json:"secondaryCount"`
	SecondaryMean   *float64              `json:"secondaryMean"`
	Metrics         map[string]MetricStat `json:"metrics"`
}

// Summary is a point-in-time view; it is recomputed on every call.
type Summary struct {
	ExperimentID    uuid.UUID     `json:"experimentId"`
	Name            string        `json:"name"`
	Status          models.Status `json:"status"`
	Metric          string        `json:"metric"`
	SecondaryMetric *string       `json:"secondaryMetric"`
	HashVersion     string        `json:"hashVersion"`
	A               VariantResult `json:"A"`
	B               VariantResult `json:"B"`
	// Winner is "A", "B" or "tie". Higher primary mean always wins.
	Winner      string    `json:"winner"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Variant returns the result block for v.
func (s Summary) Variant(v models.Variant) VariantResult {
	if v == models.VariantB {
		return s.B
	}
	return s.A
}

type Aggregator struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Aggregator {
	return &Aggregator{store: st, now: func() time.Time { return time.Now().UTC() }}
}

func (a *Aggregator) GetResultsSummary(ctx context.Context, experimentID uuid.UUID) (Summary, error) {
	exp, err := a.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return Summary{}, err
	}
	counts, err := a.store.CountAssignments(ctx, experimentID)
	if err != nil {
		return Summary{}, err
	}
	stats, err := a.store.OutcomeStats(ctx, experimentID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(exp, counts, stats, a.now())
}

// Summarize folds grouped assignment and outcome rows into a Summary.
func Summarize(exp models.Experiment, counts []models.AssignmentCount, stats []store.OutcomeStat, at time.Time) (Summary, error) {
	byVariant := map[models.Variant]*VariantResult{
		models.VariantA: {Metrics: map[string]MetricStat{}},
		models.VariantB: {Metrics: map[string]MetricStat{}},
	}
	for _, c := range counts {
		if c.HashVersion != bucketing.Version {
			return Summary{}, fmt.Errorf("%w: assignments tagged %q, expected %q", ErrHashVersionMismatch, c.HashVersion, bucketing.Version)
		}
		if r, ok := byVariant[c.Variant]; ok {
			r.AssignmentCount += c.Count
		}
	}
	for _, st := range stats {
		if st.HashVersion != bucketing.Version {
			return Summary{}, fmt.Errorf("%w: outcomes tagged %q, expected %q", ErrHashVersionMismatch, st.HashVersion, bucketing.Version)
		}
		r, ok := byVariant[st.Variant]
		if !ok {
			continue
		}
		m := r.Metrics[st.Metric]
		m.Count += st.Count
		m.Sum += st.Sum
		r.Metrics[st.Metric] = m
	}

	for _, r := range byVariant {
		for name, m := range r.Metrics {
			if m.Count > 0 {
				m.Mean = m.Sum / float64(m.Count)
			}
			r.Metrics[name] = m
		}
		primary := r.Metrics[exp.Metric]
		r.PrimaryCount = primary.Count
		r.PrimaryMean = primary.Mean
		if exp.SecondaryMetric != nil {
			if sec, ok := r.Metrics[*exp.SecondaryMetric]; ok && sec.Count > 0 {
				mean := sec.Mean
				r.SecondaryCount = sec.Count
				r.SecondaryMean = &mean
			}
		}
	}

	sum := Summary{
		ExperimentID:    exp.ID,
		Name:            exp.Name,
		Status:          exp.Status,
		Metric:          exp.Metric,
		SecondaryMetric: exp.SecondaryMetric,
		HashVersion:     bucketing.Version,
		A:               *byVariant[models.VariantA],
		B:               *byVariant[models.VariantB],
		GeneratedAt:     at,
	}
	sum.Winner = pickWinner(sum.A, sum.B)
	return sum, nil
}

func pickWinner(a, b VariantResult) string {
	if a.PrimaryCount == 0 || b.PrimaryCount == 0 {
		return WinnerTie
	}
	switch {
	case a.PrimaryMean > b.PrimaryMean:
		return string(models.VariantA)
	case b.PrimaryMean > a.PrimaryMean:
		return string(models.VariantB)
	}
	return WinnerTie
}
