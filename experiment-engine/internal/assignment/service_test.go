package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fieldtofork/platform/experiment-engine/internal/bucketing"
	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

func seedExperiment(t *testing.T, st *store.MemoryStore, id uuid.UUID) uuid.UUID {
	t.Helper()
	exp, err := st.CreateExperiment(context.Background(), store.ExperimentInput{
		ID:       id,
		Name:     "Search ranking",
		VariantA: json.RawMessage(`{}`),
		VariantB: json.RawMessage(`{"ranker":"v2"}`),
		Metric:   "bookings",
		StartAt:  time.Now().Add(-time.Hour),
		EndAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return exp.ID
}

func TestGetVariantIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc := New(st, WithLogger(zaptest.NewLogger(t)), WithMetrics(m))
	expID := seedExperiment(t, st, uuid.Nil)

	first, err := svc.GetVariant(ctx, expID, "booking-42")
	require.NoError(t, err)
	second, err := svc.GetVariant(ctx, expID, "booking-42")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, bucketing.Bucket(expID.String(), "booking-42"), first)
	assert.Equal(t, 1, st.AssignmentRows(expID))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Assignments.WithLabelValues(string(first), "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Assignments.WithLabelValues(string(first), "existing")))
}

func TestGetVariantReturnsStoredAssignmentUnchanged(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	expID := seedExperiment(t, st, uuid.Nil)
	computed := bucketing.Bucket(expID.String(), "user-7")
	other := models.VariantA
	if computed == models.VariantA {
		other = models.VariantB
	}
	_, _, err := st.InsertAssignmentIfAbsent(ctx, models.Assignment{ExperimentID: expID, EntityID: "user-7", Variant: other, HashVersion: bucketing.Version})
	require.NoError(t, err)

	got, err := New(st).GetVariant(ctx, expID, "user-7")
	require.NoError(t, err)
	assert.Equal(t, other, got)
}

func TestGetVariantDeterministicAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	expID := uuid.New()
	before, after := store.NewMemoryStore(), store.NewMemoryStore()
	seedExperiment(t, before, expID)
	seedExperiment(t, after, expID)
	for i := 0; i < 200; i++ {
		entity := fmt.Sprintf("entity-%d", i)
		a, err := New(before).GetVariant(ctx, expID, entity)
		require.NoError(t, err)
		b, err := New(after).GetVariant(ctx, expID, entity)
		require.NoError(t, err)
		assert.Equal(t, a, b, entity)
	}
}

func TestGetVariantConcurrentFirstTouch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := New(st)
	expID := seedExperiment(t, st, uuid.Nil)

	var wg sync.WaitGroup
	got := make([]models.Variant, 64)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := svc.GetVariant(ctx, expID, "listing-9")
			assert.NoError(t, err)
			got[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range got {
		assert.Equal(t, got[0], v)
	}
	assert.Equal(t, 1, st.AssignmentRows(expID))
}

func TestGetVariantRequiresEntity(t *testing.T) {
	_, err := New(store.NewMemoryStore()).GetVariant(context.Background(), uuid.New(), "  ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestGetVariantUnknownExperiment(t *testing.T) {
	_, err := New(store.NewMemoryStore()).GetVariant(context.Background(), uuid.New(), "guest-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]models.Assignment
	getErr  error
}

func (c *mapCache) Get(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Assignment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return models.Assignment{}, false, c.getErr
	}
	a, ok := c.entries[cacheKey(experimentID, entityID)]
	return a, ok, nil
}

func (c *mapCache) Set(ctx context.Context, a models.Assignment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(a.ExperimentID, a.EntityID)] = a
	return nil
}

func TestGetVariantFillsCacheFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cache := &mapCache{entries: map[string]models.Assignment{}}
	svc := New(st, WithCache(cache))
	expID := seedExperiment(t, st, uuid.Nil)

	v, err := svc.GetVariant(ctx, expID, "host-3")
	require.NoError(t, err)
	cached, ok, err := cache.Get(ctx, expID, "host-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v, cached.Variant)
	assert.Equal(t, bucketing.Version, cached.HashVersion)
}

func TestGetVariantFallsBackWhenCacheFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cache := &mapCache{entries: map[string]models.Assignment{}, getErr: errors.New("redis down")}
	svc := New(st, WithCache(cache), WithLogger(zaptest.NewLogger(t)))
	expID := seedExperiment(t, st, uuid.Nil)

	v, err := svc.GetVariant(ctx, expID, "host-4")
	require.NoError(t, err)
	assert.Equal(t, bucketing.Bucket(expID.String(), "host-4"), v)
}

type fakeRedis struct {
	values map[string]string
	ttl    time.Duration
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.values[key] = string(value.([]byte))
	f.ttl = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{values: map[string]string{}}
	c := &RedisCache{client: fake, ttl: time.Hour}
	expID := uuid.New()

	_, ok, err := c.Get(ctx, expID, "guest-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, models.Assignment{ExperimentID: expID, EntityID: "guest-1", Variant: models.VariantB, HashVersion: bucketing.Version}))
	assert.Contains(t, fake.values, "ab:assignment:"+expID.String()+":guest-1")
	assert.Equal(t, time.Hour, fake.ttl)

	got, ok, err := c.Get(ctx, expID, "guest-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.VariantB, got.Variant)
}
