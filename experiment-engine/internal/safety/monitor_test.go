package safety

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fieldtofork/platform/experiment-engine/internal/bucketing"
	"github.com/fieldtofork/platform/experiment-engine/internal/events"
	"github.com/fieldtofork/platform/experiment-engine/internal/lifecycle"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/results"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

type fixture struct {
	st        *store.MemoryStore
	lifecycle *lifecycle.Service
	monitor   *Monitor
	pub       *events.MemoryPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &events.MemoryPublisher{}
	lc := lifecycle.New(st, pub, zaptest.NewLogger(t), nil)
	return fixture{
		st:        st,
		lifecycle: lc,
		monitor:   NewMonitor(st, results.New(st), lc, pub, zaptest.NewLogger(t), nil),
		pub:       pub,
	}
}

func (f fixture) running(t *testing.T, threshold string) models.Experiment {
	t.Helper()
	ctx := context.Background()
	exp, err := f.lifecycle.Create(ctx, lifecycle.CreateInput{
		Name:          "Checkout redesign",
		VariantA:      json.RawMessage(`{}`),
		VariantB:      json.RawMessage(`{"layout":"compact"}`),
		Metric:        "revenue_per_booking",
		StartAt:       time.Now().Add(-time.Hour),
		EndAt:         time.Now().Add(time.Hour),
		HarmThreshold: json.RawMessage(threshold),
	})
	require.NoError(t, err)
	_, _, err = f.lifecycle.Start(ctx, exp.ID)
	require.NoError(t, err)
	return exp
}

func (f fixture) record(t *testing.T, id uuid.UUID, v models.Variant, metric string, values ...float64) {
	t.Helper()
	for _, value := range values {
		_, err := f.st.AppendOutcome(context.Background(), store.OutcomeInput{
			ExperimentID: id, EntityID: uuid.NewString(), Variant: v, Metric: metric, Value: value, HashVersion: bucketing.Version,
		})
		require.NoError(t, err)
	}
}

func TestHarmCheckStopsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exp := f.running(t, `{"metric":"conversion_rate","minValue":0.1}`)
	f.record(t, exp.ID, models.VariantA, "conversion_rate", 0.2, 0.2)
	f.record(t, exp.ID, models.VariantB, "conversion_rate", 0.05, 0.05)

	d, err := f.monitor.CheckHarmAndAutoStop(ctx, exp.ID)
	require.NoError(t, err)
	assert.True(t, d.Stopped)
	assert.Equal(t, "conversion_rate", d.Metric)
	assert.Equal(t, models.VariantB, d.Variant)
	assert.InDelta(t, 0.05, d.Value, 1e-9)

	got, err := f.lifecycle.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Contains(t, f.pub.Types(), events.TypeHarmAutoStopped)

	again, err := f.monitor.CheckHarmAndAutoStop(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, again.Stopped)
	assert.Equal(t, ReasonNotRunning, again.Reason)
}

func TestHarmCheckWithinLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exp := f.running(t, `{"metric":"conversion_rate","minValue":0.1}`)
	f.record(t, exp.ID, models.VariantA, "conversion_rate", 0.1)
	f.record(t, exp.ID, models.VariantB, "conversion_rate", 0.3)

	d, err := f.monitor.CheckHarmAndAutoStop(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, d.Stopped, "equal to minValue is not harm")
	assert.Equal(t, ReasonWithinLimit, d.Reason)
}

func TestHarmCheckIgnoresArmsWithoutData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exp := f.running(t, `{"metric":"conversion_rate","minValue":0.1}`)

	d, err := f.monitor.CheckHarmAndAutoStop(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, d.Stopped)
	assert.Equal(t, ReasonNoObservations, d.Reason)

	f.record(t, exp.ID, models.VariantA, "conversion_rate", 0.5)
	d, err = f.monitor.CheckHarmAndAutoStop(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, d.Stopped)
	assert.Equal(t, models.VariantA, d.Variant)
}

func TestHarmCheckMalformedThresholdIsNoop(t *testing.T) {
	ctx := context.Background()
	for name, raw := range map[string]string{
		"absent":        ``,
		"no metric":     `{"minValue":0.1}`,
		"no min":        `{"metric":"conversion_rate"}`,
		"wrong type":    `{"metric":"conversion_rate","minValue":"low"}`,
		"not an object": `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			exp := f.running(t, raw)
			f.record(t, exp.ID, models.VariantB, "conversion_rate", 0)

			d, err := f.monitor.CheckHarmAndAutoStop(ctx, exp.ID)
			require.NoError(t, err)
			assert.False(t, d.Stopped)
			assert.Equal(t, ReasonNoThreshold, d.Reason)
		})
	}
}

func TestHarmCheckUnknownExperiment(t *testing.T) {
	f := newFixture(t)
	_, err := f.monitor.CheckHarmAndAutoStop(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type raceStopper struct{}

func (raceStopper) Stop(ctx context.Context, id uuid.UUID) (models.Experiment, error) {
	return models.Experiment{}, lifecycle.ErrInvalidTransition
}

func TestHarmCheckLosesRaceToManualStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exp := f.running(t, `{"metric":"conversion_rate","minValue":0.1}`)
	f.record(t, exp.ID, models.VariantA, "conversion_rate", 0.01)

	m := NewMonitor(f.st, results.New(f.st), raceStopper{}, nil, nil, nil)
	d, err := m.CheckHarmAndAutoStop(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, d.Stopped)
	assert.Equal(t, ReasonAlreadyStopped, d.Reason)
}

func TestSweepRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	harmful := f.running(t, `{"metric":"conversion_rate","minValue":0.1}`)
	healthy := f.running(t, `{"metric":"conversion_rate","minValue":0.1}`)
	f.record(t, harmful.ID, models.VariantB, "conversion_rate", 0.01)
	f.record(t, healthy.ID, models.VariantB, "conversion_rate", 0.4)

	decisions, err := f.monitor.SweepRunning(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	stopped := map[uuid.UUID]bool{}
	for _, d := range decisions {
		stopped[d.ExperimentID] = d.Stopped
	}
	assert.True(t, stopped[harmful.ID])
	assert.False(t, stopped[healthy.ID])
}

func TestHarmCheckReportsZeroMeanBreach(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exp := f.running(t, `{"metric":"conversion_rate","minValue":0.1}`)
	f.record(t, exp.ID, models.VariantA, "conversion_rate", 0.3)
	f.record(t, exp.ID, models.VariantB, "conversion_rate", 0, 0)

	d, err := f.monitor.CheckHarmAndAutoStop(ctx, exp.ID)
	require.NoError(t, err)
	require.True(t, d.Stopped)
	assert.Equal(t, models.VariantB, d.Variant)

	body, err := json.Marshal(d)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Contains(t, decoded, "value")
	assert.Equal(t, 0.0, decoded["value"])
	assert.Equal(t, 0.1, decoded["minValue"])
}
