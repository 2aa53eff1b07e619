// Package liquidity scores order book quality and simulates
// walk-the-book slippage for sizing and plan validation.
package liquidity

import (
	"fmt"
	"math"

	"github.com/sawpanic/driftline/internal/domain"
)

// ScoreWeights blends the five quality sub-scores. They should sum to 1.
type ScoreWeights struct {
	Depth     float64 `yaml:"depth"`
	Spread    float64 `yaml:"spread"`
	Volume    float64 `yaml:"volume"`
	Stability float64 `yaml:"stability"`
	Recovery  float64 `yaml:"recovery"`
}

// Config tunes the analyzer.
type Config struct {
	// DepthSaturationUSD is the two-sided depth at which the depth
	// sub-score reaches 100.
	DepthSaturationUSD float64 `yaml:"depth_saturation_usd"`

	// VolumeSaturationUSD is the 24h volume at which the volume
	// sub-score reaches 100.
	VolumeSaturationUSD float64 `yaml:"volume_saturation_usd"`

	// SpreadFloorPct is the spread percent scoring 100; the score decays
	// linearly to 0 at SpreadCeilPct.
	SpreadFloorPct float64 `yaml:"spread_floor_pct"`
	SpreadCeilPct  float64 `yaml:"spread_ceil_pct"`

	Weights ScoreWeights `yaml:"weights"`

	// ImpactModel selects the price-impact curve for slippage estimates.
	ImpactModel ImpactModel `yaml:"impact_model"`
	ImpactCoeff float64     `yaml:"impact_coeff"`

	// VenueRecovery overrides the book-recovery heuristic per venue,
	// 0..100. Unlisted venues use DefaultRecovery.
	VenueRecovery   map[string]float64 `yaml:"venue_recovery"`
	DefaultRecovery float64            `yaml:"default_recovery"`
}

// DefaultConfig returns the production scoring profile.
func DefaultConfig() Config {
	return Config{
		DepthSaturationUSD:  1_000_000,
		VolumeSaturationUSD: 100_000_000,
		SpreadFloorPct:      0.01,
		SpreadCeilPct:       1.0,
		Weights: ScoreWeights{
			Depth:     0.30,
			Spread:    0.25,
			Volume:    0.20,
			Stability: 0.15,
			Recovery:  0.10,
		},
		ImpactModel:     ImpactSquareRoot,
		ImpactCoeff:     0.1,
		DefaultRecovery: 50,
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	sum := c.Weights.Depth + c.Weights.Spread + c.Weights.Volume +
		c.Weights.Stability + c.Weights.Recovery
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("liquidity: %w: score weights sum to %.3f, want 1.0", domain.ErrConfig, sum)
	}
	if c.DepthSaturationUSD <= 0 || c.VolumeSaturationUSD <= 0 {
		return fmt.Errorf("liquidity: %w: saturation levels must be positive", domain.ErrConfig)
	}
	switch c.ImpactModel {
	case ImpactLinear, ImpactSquareRoot, ImpactLogarithmic:
	default:
		return fmt.Errorf("liquidity: %w: unknown impact model %q", domain.ErrConfig, c.ImpactModel)
	}
	return nil
}

// Score is the composite quality of one venue's book, all sub-scores on
// [0,100].
type Score struct {
	Venue     string  `json:"venue"`
	Pair      string  `json:"pair"`
	Depth     float64 `json:"depth"`
	Spread    float64 `json:"spread"`
	Volume    float64 `json:"volume"`
	Stability float64 `json:"stability"`
	Recovery  float64 `json:"recovery"`
	Overall   float64 `json:"overall"`
}

// Analyzer computes book quality scores and slippage estimates. It is
// stateless between calls; history is supplied by the caller.
type Analyzer struct {
	cfg Config
}

func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// ScoreBook rates a book. volume24hUSD is the pair's venue volume;
// liquidityHistory holds recent two-sided depth observations in USD used
// for the stability sub-score.
func (a *Analyzer) ScoreBook(book domain.OrderBook, volume24hUSD float64, liquidityHistory []float64) Score {
	s := Score{Venue: book.Venue, Pair: book.Pair}

	bidLiq, _ := book.TotalBidLiq.Float64()
	askLiq, _ := book.TotalAskLiq.Float64()
	s.Depth = saturate((bidLiq+askLiq)/a.cfg.DepthSaturationUSD) * 100

	s.Spread = a.spreadScore(book.SpreadPct)
	s.Volume = saturate(volume24hUSD/a.cfg.VolumeSaturationUSD) * 100
	s.Stability = stabilityScore(liquidityHistory)
	s.Recovery = a.recoveryScore(book.Venue)

	w := a.cfg.Weights
	s.Overall = s.Depth*w.Depth + s.Spread*w.Spread + s.Volume*w.Volume +
		s.Stability*w.Stability + s.Recovery*w.Recovery
	return s
}

func (a *Analyzer) spreadScore(spreadPct float64) float64 {
	if spreadPct <= a.cfg.SpreadFloorPct {
		return 100
	}
	if spreadPct >= a.cfg.SpreadCeilPct {
		return 0
	}
	span := a.cfg.SpreadCeilPct - a.cfg.SpreadFloorPct
	return (1 - (spreadPct-a.cfg.SpreadFloorPct)/span) * 100
}

func (a *Analyzer) recoveryScore(venue string) float64 {
	if v, ok := a.cfg.VenueRecovery[venue]; ok {
		return clamp(v, 0, 100)
	}
	return clamp(a.cfg.DefaultRecovery, 0, 100)
}

// stabilityScore maps the inverse coefficient of variation of observed
// liquidity onto [0,100]. Fewer than two observations score neutral.
func stabilityScore(history []float64) float64 {
	if len(history) < 2 {
		return 50
	}
	m := 0.0
	for _, x := range history {
		m += x
	}
	m /= float64(len(history))
	if m <= 0 {
		return 0
	}
	acc := 0.0
	for _, x := range history {
		d := x - m
		acc += d * d
	}
	sd := math.Sqrt(acc / float64(len(history)-1))
	cov := sd / m
	return clamp(1-cov, 0, 1) * 100
}

func saturate(ratio float64) float64 { return clamp(ratio, 0, 1) }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
