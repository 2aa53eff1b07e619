// Package classifier turns raw detector events into actionable
// classifications: score, risk, sizing, leverage, and venue selection.
package classifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
	"github.com/sawpanic/driftline/internal/window"
)

// Weights blends the five sub-scores into the overall score.
type Weights struct {
	Profit     float64 `yaml:"profit"`
	Liquidity  float64 `yaml:"liquidity"`
	Historical float64 `yaml:"historical"`
	Reversion  float64 `yaml:"reversion"`
	Market     float64 `yaml:"market"`
}

// RiskWeights blends the risk inputs into the risk factor.
type RiskWeights struct {
	Severity         float64 `yaml:"severity"`
	Volatility       float64 `yaml:"volatility"`
	InverseLiquidity float64 `yaml:"inverse_liquidity"`
}

// Config tunes classification.
type Config struct {
	Weights     Weights     `yaml:"weights"`
	RiskWeights RiskWeights `yaml:"risk_weights"`

	// MaxRiskReduction caps how much the risk factor can shave off the
	// overall score.
	MaxRiskReduction float64 `yaml:"max_risk_reduction"`
	RiskTolerance    float64 `yaml:"risk_tolerance"`

	// ProfitSaturationPct is the expected profit that maps to a full
	// profit sub-score.
	ProfitSaturationPct float64 `yaml:"profit_saturation_pct"`
	// ReversionHorizon is the estimated reversion that maps to a zero
	// reversion-speed sub-score.
	ReversionHorizon time.Duration `yaml:"reversion_horizon"`
	// VolPenaltyScale converts return stddev into a [0,1] penalty.
	VolPenaltyScale float64 `yaml:"vol_penalty_scale"`

	// BreakdownProfitScale converts correlation deviation into an
	// expected profit percent.
	BreakdownProfitScale float64 `yaml:"breakdown_profit_scale"`
	// PerpHorizonDays prices perpetual carry over a nominal holding
	// period.
	PerpHorizonDays float64 `yaml:"perp_horizon_days"`

	LiqSaturationUSD float64       `yaml:"liq_saturation_usd"`
	HistoryTimeout   time.Duration `yaml:"history_timeout"`
	ClassificationTTL time.Duration `yaml:"classification_ttl"`

	CapitalUSD decimal.Decimal `yaml:"capital_usd"`
	Sizing     SizingConfig    `yaml:"sizing"`
	Venues     VenueRankConfig `yaml:"venues"`
}

// DefaultConfig returns the production classification profile.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Profit:     0.30,
			Liquidity:  0.20,
			Historical: 0.20,
			Reversion:  0.15,
			Market:     0.15,
		},
		RiskWeights: RiskWeights{
			Severity:         0.4,
			Volatility:       0.3,
			InverseLiquidity: 0.3,
		},
		MaxRiskReduction:     0.5,
		RiskTolerance:        1.0,
		ProfitSaturationPct:  5,
		ReversionHorizon:     48 * time.Hour,
		VolPenaltyScale:      20,
		BreakdownProfitScale: 10,
		PerpHorizonDays:      30,
		LiqSaturationUSD:     10_000_000,
		HistoryTimeout:       500 * time.Millisecond,
		ClassificationTTL:    5 * time.Minute,
		CapitalUSD:           decimal.NewFromInt(1_000_000),
		Sizing:               DefaultSizingConfig(),
		Venues:               DefaultVenueRankConfig(),
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	sum := c.Weights.Profit + c.Weights.Liquidity + c.Weights.Historical +
		c.Weights.Reversion + c.Weights.Market
	if math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("classifier: %w: sub-score weights sum to %.3f", domain.ErrConfig, sum)
	}
	if c.MaxRiskReduction < 0 || c.MaxRiskReduction > 1 {
		return fmt.Errorf("classifier: %w: max_risk_reduction %.2f outside [0,1]", domain.ErrConfig, c.MaxRiskReduction)
	}
	if c.CapitalUSD.IsNegative() || c.CapitalUSD.IsZero() {
		return fmt.Errorf("classifier: %w: capital must be positive", domain.ErrConfig)
	}
	return c.Sizing.Validate()
}

// Portfolio is the caller's current book, used for sizing. Nil means
// classify against configured capital with no open risk.
type Portfolio struct {
	CapitalUSD  decimal.Decimal
	OpenRiskUSD decimal.Decimal
}

// Classifier scores events. Stateless between calls; safe for
// concurrent use.
type Classifier struct {
	cfg     Config
	clock   clock.Clock
	windows *window.Manager
	history ports.DepegHistory // optional
	log     zerolog.Logger
}

func New(cfg Config, clk clock.Clock, windows *window.Manager, history ports.DepegHistory, logger zerolog.Logger) *Classifier {
	return &Classifier{
		cfg:     cfg,
		clock:   clk,
		windows: windows,
		history: history,
		log:     logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify enriches a detector event. The portfolio is optional.
func (c *Classifier) Classify(ctx context.Context, event domain.Event, portfolio *Portfolio) (domain.OpportunityClassification, error) {
	now := c.clock.Now()

	p, err := c.profile(event, now)
	if err != nil {
		return domain.OpportunityClassification{}, err
	}

	hist := c.historical(ctx, event, p)

	breakdown := domain.ScoreBreakdown{
		ProfitPotential:   clampScore(p.expectedProfitPct / c.cfg.ProfitSaturationPct * 100),
		Liquidity:         clampScore(p.liquidityScore),
		HistoricalSuccess: clampScore(hist.SuccessRate * 100),
		ReversionSpeed:    c.reversionScore(p.estReversion),
		MarketConditions:  c.marketScore(p.conditions),
	}

	w := c.cfg.Weights
	overall := breakdown.ProfitPotential*w.Profit +
		breakdown.Liquidity*w.Liquidity +
		breakdown.HistoricalSuccess*w.Historical +
		breakdown.ReversionSpeed*w.Reversion +
		breakdown.MarketConditions*w.Market

	risk := c.riskFactor(p)
	riskAdjusted := overall * (1 - c.cfg.MaxRiskReduction*risk)
	level := riskLevel(risk)

	successProb := clamp01(0.6*hist.SuccessRate + 0.4*p.confidence)

	capital := c.cfg.CapitalUSD
	if portfolio != nil && !portfolio.CapitalUSD.IsZero() {
		capital = portfolio.CapitalUSD.Sub(portfolio.OpenRiskUSD)
	}
	size := c.cfg.Sizing.PositionSize(capital, p.expectedProfitPct, successProb, risk, p.liquidityUSD, p.volatility(c.cfg.VolPenaltyScale))
	leverage := c.cfg.Sizing.Leverage(level, p.confidence)

	entry, exit := rankVenues(c.cfg.Venues, p)

	profitUSD := size.Mul(decimal.NewFromFloat(p.expectedProfitPct / 100))

	cls := domain.OpportunityClassification{
		ID:                 uuid.NewString(),
		EventID:            event.EventID(),
		EventKind:          event.EventKind(),
		Asset:              p.asset,
		OpportunityScore:   overall,
		RiskAdjustedScore:  riskAdjusted,
		Breakdown:          breakdown,
		ExpectedProfitPct:  p.expectedProfitPct,
		ExpectedProfitUSD:  profitUSD,
		EstimatedReversion: p.estReversion,
		SuccessProbability: successProb,
		ConfidenceLevel:    p.confidence,
		RiskLevel:          level,
		Priority:           overall * c.cfg.RiskTolerance,
		BestEntryVenues:    entry,
		BestExitVenues:     exit,
		PositionSize:       size,
		Leverage:           leverage,
		OptimalEntryPrice:  p.entryPrice,
		OptimalExitPrice:   p.exitPrice,
		Historical:         hist,
		Market: domain.MarketContext{
			Conditions:     p.conditions,
			ReferenceTrend: p.direction,
		},
		ClassifiedAt: now,
		ExpiresAt:    now.Add(c.cfg.ClassificationTTL),
	}

	if err := cls.Validate(); err != nil {
		return domain.OpportunityClassification{}, err
	}

	c.log.Debug().Str("event", event.EventID()).Str("kind", string(event.EventKind())).
		Float64("score", overall).Float64("risk_adjusted", riskAdjusted).
		Str("risk_level", string(level)).Msg("classified")
	return cls, nil
}

// historical answers from the depeg history port when it applies, and
// falls back to the profile's prior otherwise. Port failures degrade to
// the prior.
func (c *Classifier) historical(ctx context.Context, event domain.Event, p candidateProfile) domain.HistoricalComparison {
	fallback := domain.HistoricalComparison{
		SuccessRate:     p.priorSuccess,
		MedianReversion: p.estReversion,
	}

	depeg, ok := event.(domain.DepegEvent)
	if !ok || c.history == nil {
		return fallback
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HistoryTimeout)
	defer cancel()

	r := ports.MagnitudeRange{Min: depeg.Magnitude * 0.5, Max: depeg.Magnitude * 2}
	rate, err := c.history.SuccessRate(hctx, depeg.Stablecoin, r)
	if err != nil {
		c.log.Debug().Err(err).Str("asset", depeg.Stablecoin).Msg("history success rate unavailable")
		return fallback
	}
	median, err := c.history.MedianReversionTime(hctx, depeg.Stablecoin, r)
	if err != nil {
		median = p.estReversion
	}
	similar, err := c.history.RecentSimilar(hctx, depeg, 10)
	if err != nil {
		similar = nil
	}

	return domain.HistoricalComparison{
		SimilarEvents:   len(similar),
		SuccessRate:     rate,
		MedianReversion: median,
		AvgProfitPct:    depeg.Magnitude * 100 * rate,
	}
}

func (c *Classifier) reversionScore(est time.Duration) float64 {
	if est <= 0 {
		return 50 // unknown: neutral
	}
	return clampScore((1 - float64(est)/float64(c.cfg.ReversionHorizon)) * 100)
}

func (c *Classifier) marketScore(m domain.MarketConditions) float64 {
	volPenalty := clamp01(m.Volatility * c.cfg.VolPenaltyScale)
	volumeTrend := clamp01(m.VolumeTrend / 2)
	venues := clamp01(float64(m.VenuesReporting) / 5)
	return clampScore((1-volPenalty)*60 + volumeTrend*20 + venues*20)
}

func (c *Classifier) riskFactor(p candidateProfile) float64 {
	w := c.cfg.RiskWeights
	return clamp01(w.Severity*p.severity +
		w.Volatility*p.volatility(c.cfg.VolPenaltyScale) +
		w.InverseLiquidity*(1-p.liquidityScore/100))
}

func riskLevel(risk float64) domain.RiskLevel {
	switch {
	case risk < 0.25:
		return domain.RiskLow
	case risk < 0.5:
		return domain.RiskMedium
	case risk < 0.75:
		return domain.RiskHigh
	default:
		return domain.RiskExtreme
	}
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
