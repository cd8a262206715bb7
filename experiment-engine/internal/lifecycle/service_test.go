package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fieldtofork/platform/experiment-engine/internal/events"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

func strPtr(s string) *string { return &s }

func input(name, category string) CreateInput {
	now := time.Now().UTC()
	in := CreateInput{
		Name:     name,
		VariantA: json.RawMessage(`{"fee":0.12}`),
		VariantB: json.RawMessage(`{"fee":0.10}`),
		Metric:   "revenue_per_booking",
		StartAt:  now.Add(-time.Hour),
		EndAt:    now.Add(24 * time.Hour),
	}
	if category != "" {
		in.Category = strPtr(category)
	}
	return in
}

func newService(t *testing.T) (*Service, *store.MemoryStore, *events.MemoryPublisher) {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &events.MemoryPublisher{}
	return New(st, pub, zaptest.NewLogger(t), nil), st, pub
}

func TestCreateIsAlwaysStopped(t *testing.T) {
	svc, _, pub := newService(t)
	exp, err := svc.Create(context.Background(), input("Pricing Test A", "pricing"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, exp.Status)
	assert.Equal(t, []string{events.TypeExperimentCreated}, pub.Types())
}

func TestCreateValidates(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	bad := input("", "")
	_, err := svc.Create(ctx, bad)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	bad = input("x", "")
	bad.EndAt = bad.StartAt.Add(-time.Minute)
	_, err = svc.Create(ctx, bad)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	bad = input("x", "")
	bad.VariantB = json.RawMessage(`{"fee":`)
	_, err = svc.Create(ctx, bad)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestStartEnforcesCategoryMutualExclusion(t *testing.T) {
	svc, _, pub := newService(t)
	ctx := context.Background()
	first, err := svc.Create(ctx, input("Pricing Test A", "pricing"))
	require.NoError(t, err)
	second, err := svc.Create(ctx, input("Pricing Test B", "pricing"))
	require.NoError(t, err)
	loose, err := svc.Create(ctx, input("No category", ""))
	require.NoError(t, err)

	_, _, err = svc.Start(ctx, first.ID)
	require.NoError(t, err)
	_, _, err = svc.Start(ctx, loose.ID)
	require.NoError(t, err)

	started, preempted, err := svc.Start(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)
	assert.Equal(t, []uuid.UUID{first.ID}, preempted)

	running := models.StatusRunning
	list, err := svc.List(ctx, store.ListFilter{Status: &running, Category: strPtr("pricing")})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	got, err := svc.Get(ctx, loose.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status, "experiments without a category never exclude")
	assert.Contains(t, pub.Types(), events.TypeExperimentStopped)
}

func TestConcurrentStartsInCategoryLeaveOneRunning(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		exp, err := svc.Create(ctx, input("Pricing variant", "pricing"))
		require.NoError(t, err)
		ids[i] = exp.ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, _, err := svc.Start(ctx, id)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	running := models.StatusRunning
	list, err := svc.List(ctx, store.ListFilter{Status: &running, Category: strPtr("pricing")})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTransitionsRejectedFromWrongStatus(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	exp, err := svc.Create(ctx, input("x", ""))
	require.NoError(t, err)

	_, err = svc.Stop(ctx, exp.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = svc.Start(ctx, exp.ID)
	require.NoError(t, err)
	_, _, err = svc.Start(ctx, exp.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Complete(ctx, exp.ID)
	require.NoError(t, err)
	_, _, err = svc.Start(ctx, exp.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	again, err := svc.Complete(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, again.Status)

	_, _, err = svc.Start(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateLockedOutsideStopped(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	exp, err := svc.Create(ctx, input("Pricing Test A", "pricing"))
	require.NoError(t, err)
	_, _, err = svc.Start(ctx, exp.ID)
	require.NoError(t, err)

	before, err := svc.Get(ctx, exp.ID)
	require.NoError(t, err)
	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)

	_, err = svc.Update(ctx, exp.ID, Patch{Name: strPtr("renamed"), VariantB: json.RawMessage(`{"fee":0}`)})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	after, err := svc.Get(ctx, exp.ID)
	require.NoError(t, err)
	afterJSON, err := json.Marshal(after)
	require.NoError(t, err)
	assert.Equal(t, string(beforeJSON), string(afterJSON))
}

func TestUpdatePatchesStoppedExperiment(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	in := input("Pricing Test A", "pricing")
	in.SecondaryMetric = strPtr("nps")
	in.HarmThreshold = json.RawMessage(`{"metric":"conversion_rate","minValue":0.1}`)
	exp, err := svc.Create(ctx, in)
	require.NoError(t, err)

	updated, err := svc.Update(ctx, exp.ID, Patch{
		Name:            strPtr("Pricing Test A2"),
		Category:        strPtr(""),
		SecondaryMetric: strPtr(""),
		HarmThreshold:   json.RawMessage(`null`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Pricing Test A2", updated.Name)
	assert.Nil(t, updated.Category)
	assert.Nil(t, updated.SecondaryMetric)
	assert.Nil(t, updated.HarmThreshold)
	assert.JSONEq(t, `{"fee":0.10}`, string(updated.VariantB))
	assert.Equal(t, exp.Metric, updated.Metric)
}

func TestPromoteWinner(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	exp, err := svc.Create(ctx, input("x", ""))
	require.NoError(t, err)

	_, err = svc.PromoteWinner(ctx, exp.ID, "C", true)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	noted, err := svc.PromoteWinner(ctx, exp.ID, models.VariantB, false)
	require.NoError(t, err)
	require.NotNil(t, noted.WinnerVariant)
	assert.Equal(t, models.VariantB, *noted.WinnerVariant)
	assert.Nil(t, noted.PromotedAt)

	promoted, err := svc.PromoteWinner(ctx, exp.ID, models.VariantB, true)
	require.NoError(t, err)
	require.NotNil(t, promoted.PromotedAt)
	assert.Equal(t, models.StatusStopped, promoted.Status)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc, _, _ := newService(t)
	bogus := models.Status("PAUSED")
	_, err := svc.List(context.Background(), store.ListFilter{Status: &bogus})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
