// Package arb prices cross-venue discrepancies: pairs of venues quoting
// the same asset far enough apart to survive the full fee stack.
package arb

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/detector"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/window"
)

// VenueCosts is the configured fee and latency profile of one venue.
// DEX venues set OnChain and a gas estimate instead of network fees.
type VenueCosts struct {
	TradingPct       float64       `yaml:"trading_pct"`
	WithdrawalUSD    float64       `yaml:"withdrawal_usd"`
	DepositUSD       float64       `yaml:"deposit_usd"`
	NetworkUSD       float64       `yaml:"network_usd"`
	WithdrawalTime   time.Duration `yaml:"withdrawal_time"`
	DepositTime      time.Duration `yaml:"deposit_time"`
	TradingTime      time.Duration `yaml:"trading_time"`
	OnChain          bool          `yaml:"on_chain"`
	GasUSD           float64       `yaml:"gas_usd"`
	ExecutionRisk    float64       `yaml:"execution_risk"`
	CounterpartyRisk float64       `yaml:"counterparty_risk"`
}

// RiskWeights blends the four risk factors into overall risk.
type RiskWeights struct {
	Price        float64 `yaml:"price"`
	Liquidity    float64 `yaml:"liquidity"`
	Execution    float64 `yaml:"execution"`
	Counterparty float64 `yaml:"counterparty"`
}

// Config tunes the arbitrage scan.
type Config struct {
	Assets       []string      `yaml:"assets"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	MaxPriceAge  time.Duration `yaml:"max_price_age"`

	MinProfitPct     float64       `yaml:"min_profit_pct"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxOverallRisk   float64       `yaml:"max_overall_risk"`

	// SizeFraction caps the trade at this share of the thinner leg.
	SizeFraction     float64 `yaml:"size_fraction"`
	LiqSaturationUSD float64 `yaml:"liq_saturation_usd"`

	Weights RiskWeights   `yaml:"risk_weights"`
	TTL     time.Duration `yaml:"ttl"`

	Venues       map[string]VenueCosts `yaml:"venues"`
	DefaultVenue VenueCosts            `yaml:"default_venue"`
}

// DefaultConfig returns the production scan profile.
func DefaultConfig() Config {
	return Config{
		Assets:           []string{"USDT", "USDC"},
		ScanInterval:     5 * time.Second,
		MaxPriceAge:      30 * time.Second,
		MinProfitPct:     0.1,
		MaxExecutionTime: 30 * time.Minute,
		MaxOverallRisk:   0.7,
		SizeFraction:     0.5,
		LiqSaturationUSD: 5_000_000,
		Weights: RiskWeights{
			Price:        0.35,
			Liquidity:    0.25,
			Execution:    0.25,
			Counterparty: 0.15,
		},
		TTL: 2 * time.Minute,
		DefaultVenue: VenueCosts{
			TradingPct:       0.1,
			WithdrawalUSD:    5,
			NetworkUSD:       2,
			WithdrawalTime:   10 * time.Minute,
			DepositTime:      5 * time.Minute,
			TradingTime:      10 * time.Second,
			ExecutionRisk:    0.2,
			CounterpartyRisk: 0.1,
		},
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	if c.SizeFraction <= 0 || c.SizeFraction > 1 {
		return fmt.Errorf("arb: %w: size_fraction %.2f outside (0,1]", domain.ErrConfig, c.SizeFraction)
	}
	if sum := c.Weights.Price + c.Weights.Liquidity + c.Weights.Execution + c.Weights.Counterparty; math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("arb: %w: risk weights sum to %.3f", domain.ErrConfig, sum)
	}
	if c.MaxExecutionTime <= 0 {
		return fmt.Errorf("arb: %w: max_execution_time must be positive", domain.ErrConfig)
	}
	return nil
}

func (c Config) venue(name string) VenueCosts {
	if v, ok := c.Venues[name]; ok {
		return v
	}
	return c.DefaultVenue
}

// quote is one venue's standing price and depth for an asset.
type quote struct {
	venue     string
	price     float64
	liquidity float64
}

// Detector scans venue quotes pairwise. Opportunities refresh in place
// and expire when the edge closes.
type Detector struct {
	cfg     Config
	sched   clock.Scheduler
	windows *window.Manager
	emit    detector.Emit
	log     zerolog.Logger

	mu   sync.Mutex
	open map[string]*domain.ArbitrageOpportunity // asset|buy|sell

	task *clock.Task
}

func New(cfg Config, sched clock.Scheduler, windows *window.Manager, emit detector.Emit, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		sched:   sched,
		windows: windows,
		emit:    emit,
		log:     logger.With().Str("component", "detector.arb").Logger(),
		open:    make(map[string]*domain.ArbitrageOpportunity),
	}
}

func (d *Detector) Name() string { return "arbitrage" }

func (d *Detector) Start(ctx context.Context) {
	d.task = d.sched.Every(d.cfg.ScanInterval, func(now time.Time) { d.Scan(now) })
}

func (d *Detector) Stop() {
	if d.task != nil {
		d.sched.Cancel(d.task)
	}
}

// Active snapshots the open opportunities.
func (d *Detector) Active() []domain.ArbitrageOpportunity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.ArbitrageOpportunity, 0, len(d.open))
	for _, o := range d.open {
		out = append(out, *o)
	}
	return out
}

// Scan compares fresh venue quotes pairwise for every configured asset.
func (d *Detector) Scan(now time.Time) {
	for _, asset := range d.cfg.Assets {
		d.scanAsset(asset, d.quotes(asset, now), now)
	}
}

// OnDepeg re-prices an asset straight from a depeg event's venue ticks,
// skipping the window read.
func (d *Detector) OnDepeg(e domain.DepegEvent, now time.Time) {
	quotes := make([]quote, 0, len(e.VenueTicks))
	for _, t := range e.VenueTicks {
		p, _ := t.Price.Float64()
		l, _ := t.Liquidity.Float64()
		quotes = append(quotes, quote{venue: t.Venue, price: p, liquidity: l})
	}
	d.scanAsset(e.Stablecoin, quotes, now)
}

func (d *Detector) quotes(asset string, now time.Time) []quote {
	latest := d.windows.LatestBySymbol(asset)
	out := make([]quote, 0, len(latest))
	for venue, s := range latest {
		if now.Sub(s.TS) > d.cfg.MaxPriceAge {
			continue
		}
		p, _ := s.Price.Float64()
		l, _ := s.Liquidity.Float64()
		out = append(out, quote{venue: venue, price: p, liquidity: l})
	}
	return out
}

func (d *Detector) scanAsset(asset string, quotes []quote, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := make(map[string]struct{})
	for i := 0; i < len(quotes); i++ {
		for j := 0; j < len(quotes); j++ {
			if i == j {
				continue
			}
			buy, sell := quotes[i], quotes[j]
			if sell.price <= buy.price || buy.price <= 0 {
				continue
			}
			key := asset + "|" + buy.venue + "|" + sell.venue
			if d.priceLocked(key, asset, buy, sell, now) {
				live[key] = struct{}{}
			}
		}
	}

	// Close anything for this asset whose edge is gone.
	for key, o := range d.open {
		if o.Asset != asset {
			continue
		}
		if _, stillLive := live[key]; !stillLive {
			d.expireLocked(key, o, now)
		}
	}
}

// priceLocked builds or refreshes one venue-pair candidate. Reports
// whether the candidate passes the filters.
func (d *Detector) priceLocked(key, asset string, buy, sell quote, now time.Time) bool {
	buyCosts := d.cfg.venue(buy.venue)
	sellCosts := d.cfg.venue(sell.venue)

	size := math.Min(buy.liquidity, sell.liquidity) * d.cfg.SizeFraction
	if size <= 0 {
		return false
	}

	diffPct := (sell.price - buy.price) / buy.price * 100

	network := buyCosts.NetworkUSD
	if buyCosts.OnChain || sellCosts.OnChain {
		network = buyCosts.GasUSD + sellCosts.GasUSD
	}
	costs := domain.TransactionCosts{
		BuyFee:        decimal.NewFromFloat(size * buyCosts.TradingPct / 100),
		SellFee:       decimal.NewFromFloat(size * sellCosts.TradingPct / 100),
		WithdrawalFee: decimal.NewFromFloat(buyCosts.WithdrawalUSD),
		DepositFee:    decimal.NewFromFloat(sellCosts.DepositUSD),
		NetworkFee:    decimal.NewFromFloat(network),
	}
	costs.Total = costs.Sum()

	gross := size * diffPct / 100
	totalCosts, _ := costs.Total.Float64()
	netProfit := gross - totalCosts
	netProfitPct := netProfit / size * 100

	execTime := buyCosts.WithdrawalTime + sellCosts.DepositTime + buyCosts.TradingTime + sellCosts.TradingTime

	risk := d.riskFactors(buy, sell, buyCosts, sellCosts, execTime)

	passes := netProfitPct >= d.cfg.MinProfitPct &&
		execTime <= d.cfg.MaxExecutionTime &&
		risk.Overall <= d.cfg.MaxOverallRisk

	existing := d.open[key]
	if !passes {
		if existing != nil {
			d.expireLocked(key, existing, now)
		}
		return false
	}

	if existing != nil {
		existing.BuyPrice = decimal.NewFromFloat(buy.price)
		existing.SellPrice = decimal.NewFromFloat(sell.price)
		existing.DiffPct = diffPct
		existing.MaxTradeSize = decimal.NewFromFloat(size)
		existing.Costs = costs
		existing.NetProfit = decimal.NewFromFloat(netProfit)
		existing.NetProfitPct = netProfitPct
		existing.ExecutionTime = execTime
		existing.Risk = risk
		existing.Confidence = 1 - risk.Overall
		existing.ExpiresAt = now.Add(d.cfg.TTL)
		return true
	}

	opp := &domain.ArbitrageOpportunity{
		ID:            uuid.NewString(),
		Asset:         asset,
		BuyVenue:      buy.venue,
		SellVenue:     sell.venue,
		BuyPrice:      decimal.NewFromFloat(buy.price),
		SellPrice:     decimal.NewFromFloat(sell.price),
		DiffPct:       diffPct,
		MaxTradeSize:  decimal.NewFromFloat(size),
		Costs:         costs,
		NetProfit:     decimal.NewFromFloat(netProfit),
		NetProfitPct:  netProfitPct,
		ExecutionTime: execTime,
		Risk:          risk,
		Confidence:    1 - risk.Overall,
		OnChain:       buyCosts.OnChain || sellCosts.OnChain,
		Status:        domain.OpportunityActive,
		DetectedAt:    now,
		ExpiresAt:     now.Add(d.cfg.TTL),
	}
	d.open[key] = opp

	d.log.Info().Str("asset", asset).Str("buy", buy.venue).Str("sell", sell.venue).
		Float64("diff_pct", diffPct).Float64("net_profit_pct", netProfitPct).
		Msg("arbitrage opportunity")
	d.emit(*opp)
	return true
}

func (d *Detector) riskFactors(buy, sell quote, buyCosts, sellCosts VenueCosts, execTime time.Duration) domain.RiskFactors {
	r := domain.RiskFactors{
		PriceMovement: math.Min(1, float64(execTime)/float64(d.cfg.MaxExecutionTime)),
		Liquidity:     1 - math.Min(1, math.Min(buy.liquidity, sell.liquidity)/d.cfg.LiqSaturationUSD),
		Execution:     math.Max(buyCosts.ExecutionRisk, sellCosts.ExecutionRisk),
		Counterparty:  math.Max(buyCosts.CounterpartyRisk, sellCosts.CounterpartyRisk),
	}
	w := d.cfg.Weights
	r.Overall = r.PriceMovement*w.Price + r.Liquidity*w.Liquidity +
		r.Execution*w.Execution + r.Counterparty*w.Counterparty
	return r
}

func (d *Detector) expireLocked(key string, o *domain.ArbitrageOpportunity, now time.Time) {
	o.Status = domain.OpportunityExpired
	delete(d.open, key)
	d.log.Info().Str("asset", o.Asset).Str("buy", o.BuyVenue).Str("sell", o.SellVenue).
		Msg("arbitrage opportunity expired")
	d.emit(*o)
}
