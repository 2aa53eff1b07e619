package arb

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

var arbStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newDetector(t *testing.T, cfg Config) (*Detector, *clock.SimScheduler, *window.Manager, func() []domain.Event) {
	t.Helper()
	sim := clock.NewSim(arbStart)
	windows := window.NewManager(window.DefaultConfig(), sim, zerolog.Nop())

	var emitted []domain.Event
	d := New(cfg, sim, windows, func(e domain.Event) { emitted = append(emitted, e) }, zerolog.Nop())
	return d, sim, windows, func() []domain.Event { return emitted }
}

func usdtTick(venue string, price, liqUSD float64, ts time.Time) domain.PriceTick {
	return domain.PriceTick{
		Venue:     venue,
		Symbol:    "USDT",
		Price:     decimal.NewFromFloat(price),
		Liquidity: decimal.NewFromFloat(liqUSD),
		Timestamp: ts,
	}
}

func TestDetectsSpread(t *testing.T) {
	d, sim, windows, emitted := newDetector(t, DefaultConfig())

	windows.Append(usdtTick("kraken", 0.9950, 4_000_000, sim.Now()))
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))

	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 1)
	opp, ok := events[0].(domain.ArbitrageOpportunity)
	require.True(t, ok)

	assert.Equal(t, "USDT", opp.Asset)
	assert.Equal(t, "kraken", opp.BuyVenue)
	assert.Equal(t, "binance", opp.SellVenue)
	assert.InDelta(t, 0.5025, opp.DiffPct, 0.001)

	// Half the thinner leg.
	assert.True(t, opp.MaxTradeSize.Equal(decimal.NewFromInt(2_000_000)), "size %s", opp.MaxTradeSize)

	// 0.1% taker each side on $2M, plus $5 withdrawal and $2 network.
	assert.True(t, opp.Costs.Total.Equal(decimal.NewFromInt(4007)), "costs %s", opp.Costs.Total)
	assert.InDelta(t, 0.302, opp.NetProfitPct, 0.001)

	// Withdrawal + deposit + two trading legs.
	assert.Equal(t, 15*time.Minute+20*time.Second, opp.ExecutionTime)

	assert.InDelta(t, 0.2939, opp.Risk.Overall, 0.001)
	assert.InDelta(t, 0.7061, opp.Confidence, 0.001)
	assert.False(t, opp.OnChain)
	assert.Equal(t, domain.OpportunityActive, opp.Status)

	require.Len(t, d.Active(), 1)
}

func TestFeesSwallowThinSpread(t *testing.T) {
	d, sim, windows, emitted := newDetector(t, DefaultConfig())

	// 0.20% apart: gross beats the fee stack by about a dollar, far
	// below the profit floor.
	windows.Append(usdtTick("kraken", 0.9980, 4_000_000, sim.Now()))
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))

	d.Scan(sim.Now())

	assert.Empty(t, emitted())
	assert.Empty(t, d.Active())
}

func TestRefreshThenExpiry(t *testing.T) {
	d, sim, windows, emitted := newDetector(t, DefaultConfig())

	windows.Append(usdtTick("kraken", 0.9950, 4_000_000, sim.Now()))
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))
	d.Scan(sim.Now())
	require.Len(t, emitted(), 1)
	id := emitted()[0].EventID()

	// Slightly wider on the next pass: refreshed in place, no new event.
	sim.Advance(10 * time.Second)
	windows.Append(usdtTick("kraken", 0.9948, 4_000_000, sim.Now()))
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))
	d.Scan(sim.Now())

	require.Len(t, emitted(), 1)
	active := d.Active()
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.True(t, active[0].BuyPrice.Equal(decimal.NewFromFloat(0.9948)))

	// Prices converge: the opportunity closes with the same ID.
	sim.Advance(10 * time.Second)
	windows.Append(usdtTick("kraken", 1.0000, 4_000_000, sim.Now()))
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))
	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 2)
	closed, ok := events[1].(domain.ArbitrageOpportunity)
	require.True(t, ok)
	assert.Equal(t, id, closed.ID)
	assert.Equal(t, domain.OpportunityExpired, closed.Status)
	assert.Empty(t, d.Active())
}

func TestSlowWithdrawalFiltered(t *testing.T) {
	cfg := DefaultConfig()
	slow := cfg.DefaultVenue
	slow.WithdrawalTime = 40 * time.Minute
	cfg.Venues = map[string]VenueCosts{"slowex": slow}

	d, sim, windows, emitted := newDetector(t, cfg)

	windows.Append(usdtTick("slowex", 0.9950, 4_000_000, sim.Now()))
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))
	d.Scan(sim.Now())

	assert.Empty(t, emitted())
}

func TestRiskCapFiltered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOverallRisk = 0.2

	d, sim, windows, emitted := newDetector(t, cfg)

	windows.Append(usdtTick("kraken", 0.9950, 4_000_000, sim.Now()))
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))
	d.Scan(sim.Now())

	assert.Empty(t, emitted())
}

func TestOnChainLegUsesGas(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Venues = map[string]VenueCosts{
		"uniswap": {
			TradingPct:       0.3,
			OnChain:          true,
			GasUSD:           50,
			DepositTime:      time.Minute,
			TradingTime:      30 * time.Second,
			ExecutionRisk:    0.5,
			CounterpartyRisk: 0.05,
		},
	}

	d, sim, windows, emitted := newDetector(t, cfg)

	windows.Append(usdtTick("kraken", 0.9950, 4_000_000, sim.Now()))
	windows.Append(usdtTick("uniswap", 1.0050, 2_000_000, sim.Now()))
	d.Scan(sim.Now())

	events := emitted()
	require.Len(t, events, 1)
	opp := events[0].(domain.ArbitrageOpportunity)

	assert.True(t, opp.OnChain)
	assert.Equal(t, "kraken", opp.BuyVenue)
	assert.Equal(t, "uniswap", opp.SellVenue)

	// Gas replaces the flat network fee when a leg settles on-chain.
	assert.True(t, opp.Costs.NetworkFee.Equal(decimal.NewFromInt(50)), "network %s", opp.Costs.NetworkFee)

	// The pool is the thinner leg.
	assert.True(t, opp.MaxTradeSize.Equal(decimal.NewFromInt(1_000_000)))
	assert.InDelta(t, 0.5995, opp.NetProfitPct, 0.001)
	assert.InDelta(t, 0.5, opp.Risk.Execution, 1e-9)
}

func TestOnDepegPricesVenueTicks(t *testing.T) {
	d, sim, _, emitted := newDetector(t, DefaultConfig())

	e := domain.DepegEvent{
		Stablecoin: "USDC",
		VenueTicks: []domain.PriceTick{
			usdtTick("coinbase", 0.9930, 3_000_000, sim.Now()),
			usdtTick("kraken", 1.0000, 3_000_000, sim.Now()),
		},
	}
	d.OnDepeg(e, sim.Now())

	events := emitted()
	require.Len(t, events, 1)
	opp := events[0].(domain.ArbitrageOpportunity)
	assert.Equal(t, "USDC", opp.Asset)
	assert.Equal(t, "coinbase", opp.BuyVenue)
	assert.Equal(t, "kraken", opp.SellVenue)
	assert.InDelta(t, 0.705, opp.DiffPct, 0.001)
}

func TestStaleQuotesExcluded(t *testing.T) {
	d, sim, windows, emitted := newDetector(t, DefaultConfig())

	windows.Append(usdtTick("kraken", 0.9950, 4_000_000, sim.Now()))
	sim.Advance(time.Minute)
	// Only the fresh side survives the age gate, so no pair forms.
	windows.Append(usdtTick("binance", 1.0000, 6_000_000, sim.Now()))
	d.Scan(sim.Now())

	assert.Empty(t, emitted())
}
