// Package momentum detects significant reference-asset (BTC) moves and
// projects their transfer onto correlated altcoins.
package momentum

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/detector"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/window"
)

// CorrelationSource is the slice of the correlation store the detector
// needs: lookups for transfer projection and forced refresh on
// significant moves.
type CorrelationSource interface {
	All() []domain.CoinCorrelation
	RequestRecompute(altcoin string, now time.Time)
}

// ConfidenceWeights blends magnitude, volume, and inverse-volatility
// into movement confidence. They should sum to 1.
type ConfidenceWeights struct {
	Magnitude  float64 `yaml:"magnitude"`
	Volume     float64 `yaml:"volume"`
	Volatility float64 `yaml:"volatility"`
}

// Config tunes movement detection and transfer projection.
type Config struct {
	ReferenceSymbol string          `yaml:"reference_symbol"`
	Windows         []time.Duration `yaml:"windows"`
	ScanInterval    time.Duration   `yaml:"scan_interval"`

	MovementThresholdPct    float64 `yaml:"movement_threshold_pct"`
	SignificantThresholdPct float64 `yaml:"significant_threshold_pct"`

	// MagnitudeSaturationPct is the |move| scoring full magnitude weight.
	MagnitudeSaturationPct float64 `yaml:"magnitude_saturation_pct"`
	ReferenceVolumeUSD     float64 `yaml:"reference_volume_usd"`
	VolatilitySamples      int     `yaml:"volatility_samples"`

	Weights ConfidenceWeights `yaml:"weights"`

	// Transfer projection.
	MinCorrelation         float64 `yaml:"min_correlation"`
	MinConfidence          float64 `yaml:"min_confidence"`
	MinExpectedMovementPct float64 `yaml:"min_expected_movement_pct"`
	EntryDelayFactor       float64 `yaml:"entry_delay_factor"`
	ExitDelayFactor        float64 `yaml:"exit_delay_factor"`
}

// DefaultConfig returns the production thresholds: 1% movement, 3%
// significant, over 5m/15m/60m windows.
func DefaultConfig() Config {
	return Config{
		ReferenceSymbol:         "BTC",
		Windows:                 []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute},
		ScanInterval:            30 * time.Second,
		MovementThresholdPct:    1.0,
		SignificantThresholdPct: 3.0,
		MagnitudeSaturationPct:  10.0,
		ReferenceVolumeUSD:      20_000_000_000,
		VolatilitySamples:       20,
		Weights: ConfidenceWeights{
			Magnitude:  0.4,
			Volume:     0.3,
			Volatility: 0.3,
		},
		MinCorrelation:         0.6,
		MinConfidence:          0.6,
		MinExpectedMovementPct: 0.5,
		EntryDelayFactor:       0.2,
		ExitDelayFactor:        1.2,
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	if len(c.Windows) == 0 {
		return fmt.Errorf("momentum: %w: no windows configured", domain.ErrConfig)
	}
	if c.MovementThresholdPct <= 0 || c.SignificantThresholdPct < c.MovementThresholdPct {
		return fmt.Errorf("momentum: %w: thresholds must satisfy 0 < movement <= significant", domain.ErrConfig)
	}
	if sum := c.Weights.Magnitude + c.Weights.Volume + c.Weights.Volatility; math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("momentum: %w: confidence weights sum to %.3f", domain.ErrConfig, sum)
	}
	return nil
}

// Detector scans the reference windows on a cadence. One open movement
// is tracked per window span; it closes when the move falls back under
// the threshold.
type Detector struct {
	cfg          Config
	sched        clock.Scheduler
	windows      *window.Manager
	correlations CorrelationSource
	emit         detector.Emit
	log          zerolog.Logger

	mu   sync.Mutex
	open map[time.Duration]string // window span -> open movement id

	task *clock.Task

	skippedInsufficient uint64
}

func New(cfg Config, sched clock.Scheduler, windows *window.Manager, correlations CorrelationSource, emit detector.Emit, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:          cfg,
		sched:        sched,
		windows:      windows,
		correlations: correlations,
		emit:         emit,
		log:          logger.With().Str("component", "detector.momentum").Logger(),
		open:         make(map[time.Duration]string),
	}
}

func (d *Detector) Name() string { return "momentum" }

func (d *Detector) Start(ctx context.Context) {
	d.task = d.sched.Every(d.cfg.ScanInterval, func(now time.Time) { d.Scan(now) })
}

func (d *Detector) Stop() {
	if d.task != nil {
		d.sched.Cancel(d.task)
	}
}

// Scan evaluates every configured window against the densest reference
// ring.
func (d *Detector) Scan(now time.Time) {
	ring := d.referenceRing()
	if ring == nil {
		d.skippedInsufficient++
		return
	}
	for _, span := range d.cfg.Windows {
		d.scanWindow(ring, span, now)
	}
}

func (d *Detector) referenceRing() *window.Ring {
	var best *window.Ring
	bestN := 0
	for _, r := range d.windows.RingsFor(d.cfg.ReferenceSymbol) {
		if n := r.Count(); best == nil || n > bestN {
			best, bestN = r, n
		}
	}
	return best
}

func (d *Detector) scanWindow(ring *window.Ring, span time.Duration, now time.Time) {
	bound := now.Add(-span)
	first, ok := ring.At(bound)
	if !ok {
		return
	}
	// A window with less than half its span of history is not yet
	// meaningful; emit nothing.
	if first.TS.After(bound.Add(span / 2)) {
		d.skippedInsufficient++
		return
	}
	latest, ok := ring.Latest()
	if !ok || !latest.TS.After(first.TS) {
		return
	}

	startPrice, _ := first.Price.Float64()
	endPrice, _ := latest.Price.Float64()
	if startPrice <= 0 {
		return
	}
	deltaPct := (endPrice - startPrice) / startPrice * 100

	d.mu.Lock()
	_, isOpen := d.open[span]
	d.mu.Unlock()

	if math.Abs(deltaPct) < d.cfg.MovementThresholdPct {
		if isOpen {
			d.mu.Lock()
			delete(d.open, span)
			d.mu.Unlock()
		}
		return
	}
	if isOpen {
		// Same swing still above threshold: already reported.
		return
	}

	volatility := d.volatility(ring)
	volumeUSD, _ := latest.Volume.Float64()
	confidence := d.confidence(deltaPct, volumeUSD, volatility)
	significant := math.Abs(deltaPct) >= d.cfg.SignificantThresholdPct

	direction := domain.DirectionUp
	if deltaPct < 0 {
		direction = domain.DirectionDown
	}

	movement := domain.BitcoinMovement{
		ID:           uuid.NewString(),
		MagnitudePct: deltaPct,
		Direction:    direction,
		StartPrice:   first.Price,
		EndPrice:     latest.Price,
		Duration:     latest.TS.Sub(first.TS),
		Volume:       latest.Volume,
		Volatility:   volatility,
		Confidence:   confidence,
		Significant:  significant,
		StartTime:    first.TS,
		EndTime:      latest.TS,
		DetectedAt:   now,
	}

	d.mu.Lock()
	d.open[span] = movement.ID
	d.mu.Unlock()

	d.log.Info().Dur("window", span).Float64("magnitude_pct", deltaPct).
		Str("direction", string(direction)).Bool("significant", significant).
		Float64("confidence", confidence).Msg("reference movement")
	d.emit(movement)

	if significant {
		d.projectTransfers(movement, now)
	}
}

func (d *Detector) volatility(ring *window.Ring) float64 {
	returns, err := ring.Returns(d.cfg.VolatilitySamples)
	if err != nil {
		return 0
	}
	m := 0.0
	for _, r := range returns {
		m += r
	}
	m /= float64(len(returns))
	acc := 0.0
	for _, r := range returns {
		dd := r - m
		acc += dd * dd
	}
	return math.Sqrt(acc / float64(len(returns)-1))
}

func (d *Detector) confidence(deltaPct, volumeUSD, volatility float64) float64 {
	w := d.cfg.Weights
	magScore := math.Min(1, math.Abs(deltaPct)/d.cfg.MagnitudeSaturationPct)
	volScore := 0.0
	if d.cfg.ReferenceVolumeUSD > 0 {
		volScore = math.Min(1, volumeUSD/d.cfg.ReferenceVolumeUSD)
	}
	stabilityScore := math.Max(0.1, 1-10*volatility)
	return w.Magnitude*magScore + w.Volume*volScore + w.Volatility*stabilityScore
}

// projectTransfers turns a significant movement into transfer
// opportunities for every sufficiently correlated altcoin, and asks the
// store to refresh those pairs.
func (d *Detector) projectTransfers(m domain.BitcoinMovement, now time.Time) {
	if d.correlations == nil {
		return
	}
	for _, c := range d.correlations.All() {
		d.correlations.RequestRecompute(c.Altcoin, now)

		if math.Abs(c.Coefficient) < d.cfg.MinCorrelation || c.Confidence < d.cfg.MinConfidence {
			continue
		}

		expectedMagnitude := math.Abs(m.MagnitudePct) * c.Coefficient
		confidence := m.Confidence * c.Confidence
		if confidence < d.cfg.MinConfidence || math.Abs(expectedMagnitude) < d.cfg.MinExpectedMovementPct {
			continue
		}

		direction := m.Direction
		if c.Coefficient < 0 {
			if direction == domain.DirectionUp {
				direction = domain.DirectionDown
			} else {
				direction = domain.DirectionUp
			}
		}

		opp := domain.MomentumTransferOpportunity{
			ID:                uuid.NewString(),
			Altcoin:           c.Altcoin,
			MovementID:        m.ID,
			Correlation:       c.Coefficient,
			ExpectedDelay:     c.AvgDelay,
			ExpectedMagnitude: expectedMagnitude,
			Direction:         direction,
			OptimalEntryTime:  now.Add(time.Duration(d.cfg.EntryDelayFactor * float64(c.AvgDelay))),
			OptimalExitTime:   now.Add(time.Duration(d.cfg.ExitDelayFactor * float64(c.AvgDelay))),
			Confidence:        confidence,
			DetectedAt:        now,
		}

		d.log.Info().Str("altcoin", c.Altcoin).Float64("rho", c.Coefficient).
			Float64("expected_magnitude_pct", expectedMagnitude).
			Dur("expected_delay", c.AvgDelay).Msg("momentum transfer projected")
		d.emit(opp)
	}
}
