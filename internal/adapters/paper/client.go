package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
)

// VenueProfile is the simulated fee and latency schedule of one venue.
type VenueProfile struct {
	TradingPct     float64       `yaml:"trading_pct"`
	WithdrawalUSD  float64       `yaml:"withdrawal_usd"`
	DepositUSD     float64       `yaml:"deposit_usd"`
	NetworkUSD     float64       `yaml:"network_usd"`
	WithdrawalTime time.Duration `yaml:"withdrawal_time"`
	DepositTime    time.Duration `yaml:"deposit_time"`
	SlippageBps    float64       `yaml:"slippage_bps"`
}

// ClientConfig tunes the paper execution side.
type ClientConfig struct {
	Venues       map[string]VenueProfile `yaml:"venues"`
	DefaultVenue VenueProfile            `yaml:"default_venue"`
	MaxQuoteAge  time.Duration           `yaml:"max_quote_age"`
}

// DefaultClientConfig mirrors a mid-tier CEX schedule.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultVenue: VenueProfile{
			TradingPct:     0.1,
			WithdrawalUSD:  5,
			DepositUSD:     0,
			NetworkUSD:     2,
			WithdrawalTime: 10 * time.Minute,
			DepositTime:    5 * time.Minute,
			SlippageBps:    2,
		},
		MaxQuoteAge: time.Minute,
	}
}

func (c ClientConfig) profile(venue string) VenueProfile {
	if p, ok := c.Venues[venue]; ok {
		return p
	}
	return c.DefaultVenue
}

type quote struct {
	price decimal.Decimal
	ts    time.Time
}

// Client is the paper ExchangeClient: the embedded Feed supplies market
// data and fills happen at the venue's last published quote plus the
// profile's slippage. Orders complete instantly.
type Client struct {
	*Feed
	cfg   ClientConfig
	clk   clock.Clock
	log   zerolog.Logger

	mu     sync.RWMutex
	quotes map[string]quote // venue|symbol
	orders []ports.OrderRequest
}

func NewClient(cfg ClientConfig, sched clock.Scheduler, logger zerolog.Logger) *Client {
	c := &Client{
		Feed:   NewFeed(sched, logger),
		cfg:    cfg,
		clk:    sched,
		log:    logger.With().Str("component", "paper_client").Logger(),
		quotes: make(map[string]quote),
	}
	c.Feed.sink = c.Publish
	return c
}

func quoteKey(venue, symbol string) string { return venue + "|" + symbol }

// Publish also records the tick as the venue's fill price.
func (c *Client) Publish(tick domain.PriceTick) {
	c.mu.Lock()
	c.quotes[quoteKey(tick.Venue, tick.Symbol)] = quote{price: tick.Price, ts: tick.Timestamp}
	c.mu.Unlock()
	c.Feed.Publish(tick)
}

// Orders returns everything placed so far, oldest first.
func (c *Client) Orders() []ports.OrderRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ports.OrderRequest, len(c.orders))
	copy(out, c.orders)
	return out
}

func (c *Client) lastQuote(venue, pair string, now time.Time) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[quoteKey(venue, pair)]
	if !ok {
		// Fall back to any venue quoting the pair.
		suffix := "|" + pair
		for key, cand := range c.quotes {
			if strings.HasSuffix(key, suffix) && cand.ts.After(q.ts) {
				q, ok = cand, true
			}
		}
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("paper: %s on %s: %w: no quote seen", pair, venue, ports.ErrOrderRejected)
	}
	if c.cfg.MaxQuoteAge > 0 && now.Sub(q.ts) > c.cfg.MaxQuoteAge {
		return decimal.Zero, fmt.Errorf("paper: %s on %s: %w: quote stale", pair, venue, domain.ErrTransientExecution)
	}
	return q.price, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.OrderResult{}, err
	}
	if !req.SizeUSD.IsPositive() {
		return ports.OrderResult{}, fmt.Errorf("paper: %w: non-positive size", ports.ErrOrderRejected)
	}
	now := c.clk.Now()

	var price decimal.Decimal
	if req.Type == domain.MethodLimit && req.LimitPrice != nil {
		price = *req.LimitPrice
	} else {
		var err error
		price, err = c.lastQuote(req.Venue, req.Pair, now)
		if err != nil {
			return ports.OrderResult{}, err
		}
		profile := c.cfg.profile(req.Venue)
		slip := decimal.NewFromFloat(profile.SlippageBps / 10_000)
		if req.Side == ports.SideBuy {
			price = price.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			price = price.Mul(decimal.NewFromInt(1).Sub(slip))
		}
	}

	fees := req.SizeUSD.Mul(decimal.NewFromFloat(c.cfg.profile(req.Venue).TradingPct / 100)).Round(4)
	res := ports.OrderResult{
		OrderID:     uuid.NewString(),
		FilledUSD:   req.SizeUSD,
		AvgPrice:    price,
		FeesUSD:     fees,
		Completed:   true,
		SubmittedAt: now,
	}
	c.mu.Lock()
	c.orders = append(c.orders, req)
	c.mu.Unlock()
	c.log.Debug().Str("venue", req.Venue).Str("pair", req.Pair).
		Str("side", string(req.Side)).Str("size", req.SizeUSD.String()).
		Str("price", price.String()).Msg("paper fill")
	return res, nil
}

// CancelOrder is a no-op: paper fills complete at placement.
func (c *Client) CancelOrder(context.Context, string, string) error { return nil }

func (c *Client) Withdraw(ctx context.Context, req ports.TransferRequest) (ports.TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.TransferResult{}, err
	}
	p := c.cfg.profile(req.Venue)
	return ports.TransferResult{
		TransferID: uuid.NewString(),
		FeeUSD:     decimal.NewFromFloat(p.WithdrawalUSD + p.NetworkUSD),
		ETA:        p.WithdrawalTime,
	}, nil
}

func (c *Client) Deposit(ctx context.Context, req ports.TransferRequest) (ports.TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.TransferResult{}, err
	}
	p := c.cfg.profile(req.Venue)
	return ports.TransferResult{
		TransferID: uuid.NewString(),
		FeeUSD:     decimal.NewFromFloat(p.DepositUSD),
		ETA:        p.DepositTime,
	}, nil
}

func (c *Client) Fees(_ context.Context, venue, _ string) (ports.VenueFees, error) {
	p := c.cfg.profile(venue)
	return ports.VenueFees{
		TradingPct:    p.TradingPct,
		WithdrawalUSD: decimal.NewFromFloat(p.WithdrawalUSD),
		DepositUSD:    decimal.NewFromFloat(p.DepositUSD),
		NetworkUSD:    decimal.NewFromFloat(p.NetworkUSD),
	}, nil
}

func (c *Client) TransferTimes(_ context.Context, venue, _ string) (ports.TransferTimes, error) {
	p := c.cfg.profile(venue)
	return ports.TransferTimes{
		Withdrawal: p.WithdrawalTime,
		Deposit:    p.DepositTime,
		Trading:    10 * time.Second,
	}, nil
}
