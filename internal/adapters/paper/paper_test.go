package paper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
)

var paperStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newClient() (*Client, *clock.SimScheduler) {
	sim := clock.NewSim(paperStart)
	return NewClient(DefaultClientConfig(), sim, zerolog.Nop()), sim
}

func usdcTick(venue string, price float64, ts time.Time) domain.PriceTick {
	return domain.PriceTick{
		Venue:     venue,
		Symbol:    "USDC",
		Price:     decimal.NewFromFloat(price),
		Liquidity: decimal.NewFromFloat(1_000_000),
		Timestamp: ts,
	}
}

func TestMarketOrderFillsAtQuoteWithSlippage(t *testing.T) {
	c, sim := newClient()
	c.Publish(usdcTick("kraken", 0.995, sim.Now()))

	res, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Venue:   "kraken",
		Pair:    "USDC",
		Side:    ports.SideBuy,
		SizeUSD: decimal.NewFromInt(10_000),
		Type:    domain.MethodMarket,
	})
	require.NoError(t, err)
	assert.True(t, res.Completed)

	// 2 bps against the buyer, 0.1% trading fee.
	price, _ := res.AvgPrice.Float64()
	assert.InDelta(t, 0.995*1.0002, price, 1e-9)
	assert.True(t, res.FeesUSD.Equal(decimal.NewFromInt(10)), res.FeesUSD.String())

	sell, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Venue: "kraken", Pair: "USDC", Side: ports.SideSell,
		SizeUSD: decimal.NewFromInt(5_000), Type: domain.MethodMarket,
	})
	require.NoError(t, err)
	sellPrice, _ := sell.AvgPrice.Float64()
	assert.InDelta(t, 0.995*0.9998, sellPrice, 1e-9)
	assert.Len(t, c.Orders(), 2)
}

func TestLimitOrderFillsAtLimit(t *testing.T) {
	c, sim := newClient()
	c.Publish(usdcTick("kraken", 0.995, sim.Now()))
	limit := decimal.NewFromFloat(0.996)

	res, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Venue: "kraken", Pair: "USDC", Side: ports.SideBuy,
		SizeUSD: decimal.NewFromInt(1_000), Type: domain.MethodLimit,
		LimitPrice: &limit,
	})
	require.NoError(t, err)
	assert.True(t, res.AvgPrice.Equal(limit))
}

func TestUnquotedPairRejected(t *testing.T) {
	c, _ := newClient()
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Venue: "kraken", Pair: "USDC", Side: ports.SideBuy,
		SizeUSD: decimal.NewFromInt(100), Type: domain.MethodMarket,
	})
	assert.ErrorIs(t, err, ports.ErrOrderRejected)
}

func TestStaleQuoteIsTransient(t *testing.T) {
	c, sim := newClient()
	c.Publish(usdcTick("kraken", 0.995, sim.Now()))
	sim.Advance(2 * time.Minute)

	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Venue: "kraken", Pair: "USDC", Side: ports.SideBuy,
		SizeUSD: decimal.NewFromInt(100), Type: domain.MethodMarket,
	})
	assert.ErrorIs(t, err, domain.ErrTransientExecution)
	assert.True(t, domain.Retryable(err))
}

func TestCrossVenueQuoteFallback(t *testing.T) {
	c, sim := newClient()
	c.Publish(usdcTick("binance", 0.997, sim.Now()))

	res, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Venue: "kraken", Pair: "USDC", Side: ports.SideSell,
		SizeUSD: decimal.NewFromInt(100), Type: domain.MethodMarket,
	})
	require.NoError(t, err)
	price, _ := res.AvgPrice.Float64()
	assert.InDelta(t, 0.997*0.9998, price, 1e-9)
}

func TestFeedFiltersAndFanout(t *testing.T) {
	c, sim := newClient()
	ctx := context.Background()

	all, err := c.SubscribePrices(ctx, ports.FeedFilter{})
	require.NoError(t, err)
	onlyBTC, err := c.SubscribePrices(ctx, ports.FeedFilter{Symbols: []string{"BTC"}})
	require.NoError(t, err)

	c.Publish(usdcTick("kraken", 0.995, sim.Now()))
	c.Publish(domain.PriceTick{
		Venue: "kraken", Symbol: "BTC",
		Price:     decimal.NewFromInt(64_000),
		Timestamp: sim.Now(),
	})

	assert.Len(t, all, 2)
	require.Len(t, onlyBTC, 1)
	assert.Equal(t, "BTC", (<-onlyBTC).Symbol)
}

func TestReplaySchedulesTicksAtOffsets(t *testing.T) {
	c, sim := newClient()
	log := strings.Join([]string{
		`{"venue":"kraken","symbol":"USDC","price":"0.995","timestamp":"2025-06-01T00:00:00Z"}`,
		`{"venue":"kraken","symbol":"USDC","price":"0.996","timestamp":"2025-06-01T00:00:05Z"}`,
		`{"venue":"kraken","symbol":"USDC","price":"0.997","timestamp":"2025-06-01T00:00:12Z"}`,
	}, "\n")

	n, err := c.LoadJSONL(strings.NewReader(log))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ctx := context.Background()
	ticks, err := c.SubscribePrices(ctx, ports.FeedFilter{})
	require.NoError(t, err)

	span := c.Replay(ctx)
	assert.Equal(t, 12*time.Second, span)

	sim.Advance(6 * time.Second)
	assert.Len(t, ticks, 2)
	sim.Advance(6 * time.Second)
	require.Len(t, ticks, 3)

	first, _, third := <-ticks, <-ticks, <-ticks
	assert.True(t, first.Price.Equal(decimal.NewFromFloat(0.995)))
	assert.True(t, third.Price.Equal(decimal.NewFromFloat(0.997)))

	// Replayed ticks drive fill prices too.
	res, err := c.PlaceOrder(ctx, ports.OrderRequest{
		Venue: "kraken", Pair: "USDC", Side: ports.SideSell,
		SizeUSD: decimal.NewFromInt(100), Type: domain.MethodMarket,
	})
	require.NoError(t, err)
	price, _ := res.AvgPrice.Float64()
	assert.InDelta(t, 0.997*0.9998, price, 1e-9)
}
