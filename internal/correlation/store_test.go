package correlation

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/window"
)

var corrStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestPearsonSelfCorrelationIsOne(t *testing.T) {
	xs := make([]float64, 150)
	for i := range xs {
		xs[i] = math.Sin(float64(i) * 0.37)
	}
	rho, err := pearson(xs, xs)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rho, 1e-9)
}

func TestPearsonRejectsTinySeries(t *testing.T) {
	_, err := pearson([]float64{1}, []float64{1})
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

// feed appends one tick per minute for minutes returns generated by gen.
func feed(windows *window.Manager, symbol, venue string, start time.Time, minutes int, gen func(i int) float64) {
	price := 100.0
	for i := 0; i < minutes; i++ {
		price *= math.Exp(gen(i))
		windows.Append(domain.PriceTick{
			Venue:     venue,
			Symbol:    symbol,
			Price:     decimal.NewFromFloat(price),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		})
	}
}

func newTestStore(t *testing.T, minutes int, altGen func(i int) float64) (*Store, *clock.SimScheduler, func() []domain.Event) {
	t.Helper()
	sim := clock.NewSim(corrStart)
	windows := window.NewManager(window.DefaultConfig(), sim, zerolog.Nop())

	refGen := func(i int) float64 { return 0.004 * math.Sin(float64(i)*0.7) }
	feed(windows, "BTC", "kraken", corrStart, minutes, refGen)
	feed(windows, "ETH", "kraken", corrStart, minutes, altGen)
	sim.AdvanceTo(corrStart.Add(time.Duration(minutes) * time.Minute))

	var emitted []domain.Event
	cfg := DefaultConfig()
	cfg.Altcoins = []string{"ETH"}
	store := NewStore(cfg, sim, windows, nil, func(e domain.Event) { emitted = append(emitted, e) }, zerolog.Nop())
	return store, sim, func() []domain.Event { return emitted }
}

func TestRecomputePerfectlyCorrelatedPair(t *testing.T) {
	refGen := func(i int) float64 { return 0.004 * math.Sin(float64(i)*0.7) }
	store, sim, _ := newTestStore(t, 240, refGen)

	c, err := store.recompute("ETH", sim.Now())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c.Coefficient, 1e-6)
	assert.GreaterOrEqual(t, c.SampleSize, store.cfg.MinSamples)
	assert.Greater(t, c.Confidence, 0.7)
	assert.LessOrEqual(t, c.Confidence, 1.0)
}

func TestRecomputeNeedsMinSamples(t *testing.T) {
	refGen := func(i int) float64 { return 0.004 * math.Sin(float64(i)*0.7) }
	store, sim, _ := newTestStore(t, 40, refGen)

	_, err := store.recompute("ETH", sim.Now())
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestBreakdownEmittedWhenRecentDecorrelates(t *testing.T) {
	// Correlated for five hours, then the last hour moves against the
	// reference.
	const total = 360
	altGen := func(i int) float64 {
		r := 0.004 * math.Sin(float64(i)*0.7)
		if i >= total-60 {
			return -r
		}
		return r
	}
	store, sim, emitted := newTestStore(t, total, altGen)

	_, err := store.recompute("ETH", sim.Now())
	require.NoError(t, err)

	store.checkBreakdowns(sim.Now())

	events := emitted()
	require.Len(t, events, 1)
	bd, ok := events[0].(domain.CorrelationBreakdownEvent)
	require.True(t, ok)
	assert.Equal(t, "ETH/BTC", bd.Pair)
	assert.Equal(t, domain.BreakdownActive, bd.Status)
	assert.GreaterOrEqual(t, bd.Deviation, store.cfg.BreakdownDelta)
	assert.Less(t, bd.CurrentCorrelation, 0.0)
	assert.GreaterOrEqual(t, bd.DataPoints, store.cfg.MinBreakdownPoints)
	assert.Greater(t, bd.ExpectedReversion, store.cfg.BaseReversion)

	require.Len(t, store.ActiveBreakdowns(), 1)

	// A second check while still deviated must not emit a duplicate.
	store.checkBreakdowns(sim.Now())
	assert.Len(t, emitted(), 1)
}

func TestBreakdownNotEmittedWhileCorrelated(t *testing.T) {
	refGen := func(i int) float64 { return 0.004 * math.Sin(float64(i)*0.7) }
	store, sim, emitted := newTestStore(t, 360, refGen)

	_, err := store.recompute("ETH", sim.Now())
	require.NoError(t, err)

	store.checkBreakdowns(sim.Now())
	assert.Empty(t, emitted())
}

func TestForcedRecomputeCoalesces(t *testing.T) {
	refGen := func(i int) float64 { return 0.004 * math.Sin(float64(i)*0.7) }
	store, sim, _ := newTestStore(t, 240, refGen)

	first := sim.Now()
	store.RequestRecompute("ETH", first)
	c1, ok := store.Correlation("ETH")
	require.True(t, ok)

	// Inside the cooldown the second request is a no-op.
	store.RequestRecompute("ETH", first.Add(time.Minute))
	c2, _ := store.Correlation("ETH")
	assert.Equal(t, c1.UpdatedAt, c2.UpdatedAt)
}
