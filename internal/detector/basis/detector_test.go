package basis

import (
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

var basisStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newDetector(t *testing.T) (*Detector, *clock.SimScheduler, func() []domain.Event) {
	t.Helper()
	sim := clock.NewSim(basisStart)
	windows := window.NewManager(window.DefaultConfig(), sim, zerolog.Nop())

	var emitted []domain.Event
	d := New(DefaultConfig(), sim, windows, func(e domain.Event) { emitted = append(emitted, e) }, zerolog.Nop())

	// Spot BTC at $50,000.
	windows.Append(domain.PriceTick{
		Venue:     "kraken",
		Symbol:    "BTC",
		Price:     decimal.NewFromInt(50_000),
		Timestamp: basisStart,
	})
	sim.Advance(time.Second)
	return d, sim, func() []domain.Event { return emitted }
}

func quarterly(venue, symbol string, mark float64, expiry time.Time, oi float64, ts time.Time) domain.BasisContract {
	return domain.BasisContract{
		Venue:        venue,
		Symbol:       symbol,
		BaseAsset:    "BTC",
		QuoteAsset:   "USD",
		ContractType: domain.ContractQuarterly,
		ExpiryDate:   &expiry,
		MarkPrice:    decimal.NewFromFloat(mark),
		IndexPrice:   decimal.NewFromFloat(mark),
		OpenInterest: decimal.NewFromFloat(oi),
		LastUpdated:  ts,
	}
}

func TestContangoBasisOpportunity(t *testing.T) {
	d, sim, emitted := newDetector(t)

	expiry := basisStart.Add(90 * 24 * time.Hour)
	d.UpdateContract(quarterly("deribit", "BTC-26SEP25", 52_000, expiry, 50_000_000, sim.Now()))
	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 1)
	opp, ok := events[0].(domain.BasisOpportunity)
	require.True(t, ok)
	assert.InDelta(t, 4.0, opp.BasisPct, 0.01)
	assert.InDelta(t, 16.22, opp.BasisAnnualized, 0.05)
	assert.InDelta(t, 14.22, opp.NetOpportunity, 0.05)
	assert.Equal(t, domain.StructureContango, opp.MarketStructure)
	assert.Equal(t, "spot", opp.BuySide)
	assert.Equal(t, "futures", opp.SellSide)
	assert.Equal(t, domain.OpportunityActive, opp.Status)
	require.Len(t, d.Active(), 1)
}

func TestBackwardationFlipsSides(t *testing.T) {
	d, sim, emitted := newDetector(t)

	expiry := basisStart.Add(60 * 24 * time.Hour)
	d.UpdateContract(quarterly("deribit", "BTC-AUG25", 48_000, expiry, 50_000_000, sim.Now()))
	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 1)
	opp := events[0].(domain.BasisOpportunity)
	assert.Equal(t, domain.StructureBackwardation, opp.MarketStructure)
	assert.Equal(t, "futures", opp.BuySide)
	assert.Equal(t, "spot", opp.SellSide)
	assert.Less(t, opp.BasisPct, 0.0)
}

func TestOpportunityRefreshesInPlaceAndExpires(t *testing.T) {
	d, sim, emitted := newDetector(t)

	expiry := basisStart.Add(90 * 24 * time.Hour)
	d.UpdateContract(quarterly("deribit", "BTC-26SEP25", 52_000, expiry, 50_000_000, sim.Now()))
	d.Scan(sim.Now())
	require.Len(t, emitted(), 1)
	id := d.Active()[0].ID

	// Refresh: same opportunity, new numbers, no new event.
	sim.Advance(30 * time.Second)
	d.UpdateContract(quarterly("deribit", "BTC-26SEP25", 52_500, expiry, 50_000_000, sim.Now()))
	d.Scan(sim.Now())
	assert.Len(t, emitted(), 1)
	require.Len(t, d.Active(), 1)
	assert.Equal(t, id, d.Active()[0].ID)
	assert.InDelta(t, 5.0, d.Active()[0].BasisPct, 0.01)

	// Basis collapses: opportunity expires with an event.
	sim.Advance(30 * time.Second)
	d.UpdateContract(quarterly("deribit", "BTC-26SEP25", 50_100, expiry, 50_000_000, sim.Now()))
	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 2)
	expired := events[1].(domain.BasisOpportunity)
	assert.Equal(t, domain.OpportunityExpired, expired.Status)
	assert.Empty(t, d.Active())
}

func TestPerpetualUsesRawBasis(t *testing.T) {
	d, sim, emitted := newDetector(t)

	funding := 0.0001
	d.UpdateContract(domain.BasisContract{
		Venue:        "binance",
		Symbol:       "BTCUSDT-PERP",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		ContractType: domain.ContractPerpetual,
		MarkPrice:    decimal.NewFromInt(54_000), // 8% over spot
		OpenInterest: decimal.NewFromInt(100_000_000),
		FundingRate:  &funding,
		LastUpdated:  sim.Now(),
	})
	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 1)
	opp := events[0].(domain.BasisOpportunity)
	assert.InDelta(t, 8.0, opp.BasisPct, 0.01)
	assert.Equal(t, opp.BasisPct, opp.BasisAnnualized)
}

func TestCalendarSpreadBetweenExpiries(t *testing.T) {
	d, sim, emitted := newDetector(t)

	near := basisStart.Add(30 * 24 * time.Hour)
	far := basisStart.Add(120 * 24 * time.Hour)
	d.UpdateContract(quarterly("deribit", "BTC-JUL25", 50_500, near, 50_000_000, sim.Now()))
	d.UpdateContract(quarterly("deribit", "BTC-OCT25", 52_500, far, 50_000_000, sim.Now()))
	d.Scan(sim.Now())

	var spread *domain.CalendarSpreadOpportunity
	for _, e := range emitted() {
		if s, ok := e.(domain.CalendarSpreadOpportunity); ok {
			spread = &s
		}
	}
	require.NotNil(t, spread, "calendar spread expected")
	assert.Equal(t, "BTC-JUL25", spread.NearContract.Symbol)
	assert.Equal(t, "BTC-OCT25", spread.FarContract.Symbol)
	assert.InDelta(t, 3.96, spread.SpreadPct, 0.01)
	// 3.96% over 90 days annualizes to ~16%.
	assert.InDelta(t, 16.06, spread.SpreadAnnualized, 0.2)
	require.Len(t, d.ActiveSpreads(), 1)
}

func TestLowOpenInterestSuppressed(t *testing.T) {
	d, sim, emitted := newDetector(t)

	expiry := basisStart.Add(90 * 24 * time.Hour)
	// $100k OI against a $10M saturation gives confidence ~0.003.
	d.UpdateContract(quarterly("niche", "BTC-SEP25", 52_000, expiry, 100_000, sim.Now()))
	d.Scan(sim.Now())

	assert.Empty(t, emitted())
}

func TestStaleContractDropped(t *testing.T) {
	d, sim, emitted := newDetector(t)

	expiry := basisStart.Add(90 * 24 * time.Hour)
	d.UpdateContract(quarterly("deribit", "BTC-26SEP25", 52_000, expiry, 50_000_000, sim.Now()))
	d.Scan(sim.Now())
	require.Len(t, emitted(), 1)

	// No contract refresh for longer than the max age: the opportunity
	// expires.
	sim.Advance(10 * time.Minute)
	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 2)
	assert.Equal(t, domain.OpportunityExpired, events[1].(domain.BasisOpportunity).Status)
}
