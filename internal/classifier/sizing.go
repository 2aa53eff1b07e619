package classifier

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/domain"
)

// SizingConfig tunes position sizing and leverage.
type SizingConfig struct {
	// FractionalKelly scales the raw Kelly fraction down.
	FractionalKelly float64 `yaml:"fractional_kelly"`
	// StopLossPct is the assumed loss per failed trade, the Kelly
	// denominator.
	StopLossPct float64 `yaml:"stop_loss_pct"`

	// MaxVolFraction caps size as a share of capital before the
	// volatility haircut.
	MaxVolFraction float64 `yaml:"max_vol_fraction"`
	// LiquidityFraction caps size as a share of available liquidity.
	LiquidityFraction float64 `yaml:"liquidity_fraction"`
	// RiskCapFraction caps size as a share of capital scaled by
	// (1 - risk).
	RiskCapFraction float64 `yaml:"risk_cap_fraction"`
	AbsoluteCapUSD  float64 `yaml:"absolute_cap_usd"`

	// Leverage ladder by risk level, scaled by confidence.
	LeverageLow     float64 `yaml:"leverage_low"`
	LeverageMedium  float64 `yaml:"leverage_medium"`
	LeverageHigh    float64 `yaml:"leverage_high"`
	LeverageExtreme float64 `yaml:"leverage_extreme"`
	MinLeverage     float64 `yaml:"min_leverage"`
}

// DefaultSizingConfig returns the production sizing profile.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		FractionalKelly:   0.25,
		StopLossPct:       2,
		MaxVolFraction:    0.5,
		LiquidityFraction: 0.1,
		RiskCapFraction:   0.5,
		AbsoluteCapUSD:    250_000,
		LeverageLow:       8,
		LeverageMedium:    5,
		LeverageHigh:      3,
		LeverageExtreme:   2,
		MinLeverage:       1,
	}
}

// Validate checks the sizing config at startup.
func (c SizingConfig) Validate() error {
	if c.FractionalKelly <= 0 || c.FractionalKelly > 1 {
		return fmt.Errorf("sizing: %w: fractional_kelly %.2f outside (0,1]", domain.ErrConfig, c.FractionalKelly)
	}
	if c.StopLossPct <= 0 {
		return fmt.Errorf("sizing: %w: stop_loss_pct must be positive", domain.ErrConfig)
	}
	if c.AbsoluteCapUSD <= 0 {
		return fmt.Errorf("sizing: %w: absolute_cap_usd must be positive", domain.ErrConfig)
	}
	return nil
}

// PositionSize recommends a USD size: the Kelly stake clamped by the
// volatility, liquidity, risk, and absolute caps.
func (c SizingConfig) PositionSize(capital decimal.Decimal, expectedProfitPct, successProb, risk, liquidityUSD, volPenalty float64) decimal.Decimal {
	cap64, _ := capital.Float64()
	if cap64 <= 0 || expectedProfitPct <= 0 {
		return decimal.Zero
	}

	b := expectedProfitPct / c.StopLossPct
	p := successProb
	q := 1 - p
	f := c.FractionalKelly * math.Max(0, math.Min(0.5, (b*p-q)/b))
	kelly := f * cap64

	volAdj := cap64 * c.MaxVolFraction * (1 - 0.5*clamp01(volPenalty))
	liquidityCap := liquidityUSD * c.LiquidityFraction
	riskCap := cap64 * (1 - clamp01(risk)) * c.RiskCapFraction

	size := math.Min(kelly, math.Min(volAdj, math.Min(liquidityCap, math.Min(riskCap, c.AbsoluteCapUSD))))
	if size <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(size).Round(2)
}

// Leverage picks from the risk-level ladder and scales by confidence.
func (c SizingConfig) Leverage(level domain.RiskLevel, confidence float64) float64 {
	var base float64
	switch level {
	case domain.RiskLow:
		base = c.LeverageLow
	case domain.RiskMedium:
		base = c.LeverageMedium
	case domain.RiskHigh:
		base = c.LeverageHigh
	default:
		base = c.LeverageExtreme
	}
	return math.Max(c.MinLeverage, base*clamp01(confidence))
}
