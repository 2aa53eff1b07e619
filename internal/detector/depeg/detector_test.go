package depeg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/bus"
	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
)

var depegStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []domain.DepegEvent
}

func (s *sink) emit(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if de, ok := e.(domain.DepegEvent); ok {
		s.events = append(s.events, de)
	}
}

func (s *sink) all() []domain.DepegEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DepegEvent(nil), s.events...)
}

func newDetector(t *testing.T) (*Detector, *clock.SimScheduler, *sink) {
	t.Helper()
	sim := clock.NewSim(depegStart)
	feed := bus.New(bus.DefaultConfig(), sim, zerolog.Nop())
	t.Cleanup(feed.Close)

	s := &sink{}
	d := New(DefaultConfig(), sim, feed, nil, s.emit, zerolog.Nop())
	return d, sim, s
}

func usdtTick(venue string, price float64, liq float64, ts time.Time) domain.PriceTick {
	return domain.PriceTick{
		Venue:     venue,
		Symbol:    "USDT",
		Price:     decimal.NewFromFloat(price),
		Liquidity: decimal.NewFromFloat(liq),
		Timestamp: ts,
	}
}

func TestSeverityLadderInclusiveBoundaries(t *testing.T) {
	th := DefaultConfig().Thresholds

	_, ok := th.Severity(0.0004)
	assert.False(t, ok)

	for _, tc := range []struct {
		deviation float64
		want      domain.Severity
	}{
		{0.0005, domain.SeverityMinor},
		{0.0019, domain.SeverityMinor},
		{0.002, domain.SeverityModerate},
		{0.01, domain.SeveritySevere},
		{0.05, domain.SeverityExtreme},
		{0.2, domain.SeverityExtreme},
	} {
		got, ok := th.Severity(tc.deviation)
		require.True(t, ok, "deviation %v", tc.deviation)
		assert.Equal(t, tc.want, got, "deviation %v", tc.deviation)
	}
}

func TestDetectAndResolveDiscountDepeg(t *testing.T) {
	d, sim, s := newDetector(t)
	ctx := context.Background()

	now := sim.Now()
	d.OnTick(ctx, usdtTick("binance", 0.9992, 1_500_000, now))
	d.OnTick(ctx, usdtTick("coinbase", 0.9994, 1_500_000, now))
	d.OnTick(ctx, usdtTick("kraken", 0.9993, 1_500_000, now))

	events := s.all()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "USDT", e.Stablecoin)
	assert.Equal(t, domain.DirectionDiscount, e.Direction)
	assert.Equal(t, domain.SeverityMinor, e.Severity)
	assert.Equal(t, domain.DepegActive, e.Status)
	assert.InDelta(t, 0.0007, e.Magnitude, 0.0001)
	assert.Equal(t, 30*time.Minute, e.EstimatedReversion)
	require.Len(t, d.Active(), 1)

	sim.Advance(10 * time.Second)
	later := sim.Now()
	d.OnTick(ctx, usdtTick("binance", 0.9999, 1_500_000, later))
	d.OnTick(ctx, usdtTick("coinbase", 1.0000, 1_500_000, later))
	d.OnTick(ctx, usdtTick("kraken", 0.9999, 1_500_000, later))

	events = s.all()
	last := events[len(events)-1]
	assert.Equal(t, domain.DepegResolved, last.Status)
	assert.Equal(t, 10*time.Second, last.ActualReversion)
	assert.Empty(t, d.Active())
}

func TestSeverityEscalationTracksMaxDeviation(t *testing.T) {
	d, sim, s := newDetector(t)
	ctx := context.Background()

	push := func(price float64) {
		now := sim.Now()
		d.OnTick(ctx, usdtTick("binance", price, 2_000_000, now))
		d.OnTick(ctx, usdtTick("kraken", price, 2_000_000, now))
		sim.Advance(2 * time.Second)
	}

	push(0.999)
	push(0.997)
	push(0.985)

	events := s.all()
	require.NotEmpty(t, events)
	// One event id throughout the escalation.
	for _, e := range events {
		assert.Equal(t, events[0].ID, e.ID)
	}
	last := events[len(events)-1]
	assert.Equal(t, domain.SeveritySevere, last.Severity)
	assert.Equal(t, domain.DepegWorsening, last.Status)
	assert.InDelta(t, 0.015, last.MaxDeviation, 0.0005)
}

func TestNoEventBelowVenueQuorum(t *testing.T) {
	d, sim, s := newDetector(t)

	// One venue reporting a deep discount is not enough for the default
	// two-exchange quorum.
	d.OnTick(context.Background(), usdtTick("binance", 0.95, 5_000_000, sim.Now()))

	assert.Empty(t, s.all())
	assert.Empty(t, d.Active())
}

func TestNoEventBelowLiquidityFloor(t *testing.T) {
	d, sim, s := newDetector(t)
	ctx := context.Background()

	now := sim.Now()
	d.OnTick(ctx, usdtTick("binance", 0.99, 100_000, now))
	d.OnTick(ctx, usdtTick("kraken", 0.99, 100_000, now))

	assert.Empty(t, s.all())
}

func TestStaleTicksExcludedBeforeQuorumCheck(t *testing.T) {
	d, sim, s := newDetector(t)
	ctx := context.Background()

	d.OnTick(ctx, usdtTick("binance", 0.99, 2_000_000, sim.Now()))
	// Second venue arrives after the first has gone stale.
	sim.Advance(time.Minute)
	d.OnTick(ctx, usdtTick("kraken", 0.99, 2_000_000, sim.Now()))

	assert.Empty(t, s.all())
}

func TestOpenEventExpiresAfterQuorumLoss(t *testing.T) {
	d, sim, s := newDetector(t)
	ctx := context.Background()

	now := sim.Now()
	d.OnTick(ctx, usdtTick("binance", 0.99, 2_000_000, now))
	d.OnTick(ctx, usdtTick("kraken", 0.99, 2_000_000, now))
	require.Len(t, d.Active(), 1)

	// No fresh ticks: quorum is lost once prices age out, then the event
	// expires after a further max-price-age of silence.
	sim.Advance(time.Minute)
	d.sweep(ctx, sim.Now())
	sim.Advance(time.Minute)
	d.sweep(ctx, sim.Now())

	events := s.all()
	last := events[len(events)-1]
	assert.Equal(t, domain.DepegExpired, last.Status)
	assert.Empty(t, d.Active())
}

func TestWorseningSettlesBackToActive(t *testing.T) {
	d, sim, s := newDetector(t)
	ctx := context.Background()

	push := func(price float64) {
		now := sim.Now()
		d.OnTick(ctx, usdtTick("binance", price, 2_000_000, now))
		d.OnTick(ctx, usdtTick("kraken", price, 2_000_000, now))
		sim.Advance(time.Second)
	}

	push(0.997) // moderate, active
	push(0.994) // worsening
	push(0.996) // lower deviation: back to active

	events := s.all()
	last := events[len(events)-1]
	assert.Equal(t, domain.DepegActive, last.Status)
	assert.InDelta(t, 0.006, last.MaxDeviation, 0.0005)
}
