package window

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
)

var start = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func fill(r *Ring, sim *clock.SimScheduler, prices []float64, step time.Duration) {
	for _, p := range prices {
		sim.Advance(step)
		r.Append(Sample{TS: sim.Now(), Price: decimal.NewFromFloat(p)})
	}
}

func TestRingAppendAndLatest(t *testing.T) {
	sim := clock.NewSim(start)
	r := NewRing(Key{"BTC", "kraken"}, sim, time.Hour, 1000)

	fill(r, sim, []float64{100, 101, 102}, time.Minute)

	s, ok := r.Latest()
	require.True(t, ok)
	assert.True(t, s.Price.Equal(decimal.NewFromInt(102)))
	assert.Equal(t, 3, r.Count())
}

func TestRingStaleReadsInvisible(t *testing.T) {
	sim := clock.NewSim(start)
	r := NewRing(Key{"BTC", "kraken"}, sim, 10*time.Minute, 1000)

	fill(r, sim, []float64{100, 101}, time.Minute)

	// Move past maxAge without appending: samples go stale but are never
	// physically trimmed until the next append.
	sim.Advance(30 * time.Minute)

	_, ok := r.Latest()
	assert.False(t, ok, "stale latest must be invisible")
	assert.Equal(t, 0, r.Count())

	_, err := r.Mean()
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestRingDuplicateTimestampIgnored(t *testing.T) {
	sim := clock.NewSim(start)
	r := NewRing(Key{"USDT", "binance"}, sim, time.Hour, 1000)

	sim.Advance(time.Second)
	s := Sample{TS: sim.Now(), Price: decimal.NewFromFloat(0.999)}
	r.Append(s)
	r.Append(s) // identical (venue, symbol, ts) replay

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, uint64(1), r.Dropped())

	m, err := r.Mean()
	require.NoError(t, err)
	assert.InDelta(t, 0.999, m, 1e-9)
}

func TestRingReturnsLogReturns(t *testing.T) {
	sim := clock.NewSim(start)
	r := NewRing(Key{"BTC", "kraken"}, sim, time.Hour, 1000)

	fill(r, sim, []float64{100, 110, 121}, time.Minute)

	rets, err := r.Returns(2)
	require.NoError(t, err)
	require.Len(t, rets, 2)
	assert.InDelta(t, math.Log(1.1), rets[0], 1e-12)
	assert.InDelta(t, math.Log(1.1), rets[1], 1e-12)

	_, err = r.Returns(3)
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestRingAtReturnsFirstAtOrAfterBound(t *testing.T) {
	sim := clock.NewSim(start)
	r := NewRing(Key{"BTC", "kraken"}, sim, time.Hour, 1000)

	fill(r, sim, []float64{100, 101, 102, 103}, time.Minute)

	bound := start.Add(2*time.Minute + 30*time.Second)
	s, ok := r.At(bound)
	require.True(t, ok)
	assert.True(t, s.Price.Equal(decimal.NewFromInt(102)), "got %s", s.Price)

	_, ok = r.At(sim.Now().Add(time.Hour))
	assert.False(t, ok)
}

func TestRingHardCapOverwritesOldest(t *testing.T) {
	sim := clock.NewSim(start)
	r := NewRing(Key{"BTC", "kraken"}, sim, 24*time.Hour, 4)

	fill(r, sim, []float64{1, 2, 3, 4, 5, 6}, time.Second)

	assert.Equal(t, 4, r.Count())
	s, ok := r.At(time.Time{})
	require.True(t, ok)
	assert.True(t, s.Price.Equal(decimal.NewFromInt(3)), "oldest should be 3, got %s", s.Price)
}

func TestRingPercentile(t *testing.T) {
	sim := clock.NewSim(start)
	r := NewRing(Key{"BTC", "kraken"}, sim, time.Hour, 1000)

	fill(r, sim, []float64{10, 20, 30, 40, 50}, time.Second)

	p50, err := r.Percentile(50)
	require.NoError(t, err)
	assert.InDelta(t, 30, p50, 1e-9)

	p0, _ := r.Percentile(0)
	p100, _ := r.Percentile(100)
	assert.InDelta(t, 10, p0, 1e-9)
	assert.InDelta(t, 50, p100, 1e-9)

	p25, _ := r.Percentile(25)
	assert.InDelta(t, 20, p25, 1e-9)
}

func TestManagerRoutesAndRetention(t *testing.T) {
	sim := clock.NewSim(start)
	cfg := DefaultConfig()
	m := NewManager(cfg, sim, zerolog.Nop())

	sim.Advance(time.Second)
	m.Append(domain.PriceTick{Venue: "kraken", Symbol: "BTC", Price: decimal.NewFromInt(50000), Timestamp: sim.Now()})
	m.Append(domain.PriceTick{Venue: "binance", Symbol: "BTC", Price: decimal.NewFromInt(50010), Timestamp: sim.Now()})
	m.Append(domain.PriceTick{Venue: "kraken", Symbol: "USDT", Price: decimal.NewFromFloat(0.999), Timestamp: sim.Now()})

	rings := m.RingsFor("BTC")
	assert.Len(t, rings, 2)

	latest := m.LatestBySymbol("USDT")
	require.Contains(t, latest, "kraken")
	assert.True(t, latest["kraken"].Price.Equal(decimal.NewFromFloat(0.999)))

	assert.ElementsMatch(t, []string{"BTC", "USDT"}, m.Symbols())
}
