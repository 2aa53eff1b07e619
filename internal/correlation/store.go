// Package correlation maintains the reference-asset correlation matrix:
// per-altcoin Pearson coefficients, transfer-delay estimates, and the
// short-horizon breakdown watch.
package correlation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/netutil/ratelimit"
	"github.com/sawpanic/driftline/internal/ports"
	"github.com/sawpanic/driftline/internal/window"
)

// Config tunes recompute cadence, sample requirements, and the breakdown
// watch.
type Config struct {
	ReferenceSymbol string   `yaml:"reference_symbol"`
	Altcoins        []string `yaml:"altcoins"`

	Lookback   time.Duration `yaml:"lookback"`
	Alignment  time.Duration `yaml:"alignment"`
	MinSamples int           `yaml:"min_samples"`

	// Lag estimation.
	MoveSpan     int           `yaml:"move_span"`      // samples per swing
	MoveMinPct   float64       `yaml:"move_min_pct"`   // significant swing, percent
	MaxLag       time.Duration `yaml:"max_lag"`
	BaselineLag  time.Duration `yaml:"baseline_lag"`   // used when no swings qualify
	MaxVarScale  float64       `yaml:"max_var_scale"`  // seconds squared
	RhoWeight    float64       `yaml:"rho_weight"`
	VarWeight    float64       `yaml:"var_weight"`

	RecomputeInterval    time.Duration `yaml:"recompute_interval"`
	MinForcedInterval    time.Duration `yaml:"min_forced_interval"`

	// Breakdown watch.
	CheckInterval      time.Duration `yaml:"check_interval"`
	ShortHorizon       time.Duration `yaml:"short_horizon"`
	BreakdownDelta     float64       `yaml:"breakdown_delta"`
	MinConfidence      float64       `yaml:"min_confidence"`
	MinBreakdownPoints int           `yaml:"min_breakdown_points"`
	BaseReversion      time.Duration `yaml:"base_reversion"`
	BreakdownTTL       time.Duration `yaml:"breakdown_ttl"`
}

// DefaultConfig returns the production cadence and thresholds.
func DefaultConfig() Config {
	return Config{
		ReferenceSymbol:    "BTC",
		Altcoins:           []string{"ETH", "SOL", "ADA", "DOT", "AVAX"},
		Lookback:           7 * 24 * time.Hour,
		Alignment:          time.Minute,
		MinSamples:         100,
		MoveSpan:           20,
		MoveMinPct:         1.0,
		MaxLag:             30 * time.Minute,
		BaselineLag:        5 * time.Minute,
		MaxVarScale:        360_000, // (10 minutes)^2 in seconds^2
		RhoWeight:          0.7,
		VarWeight:          0.3,
		RecomputeInterval:  time.Hour,
		MinForcedInterval:  5 * time.Minute,
		CheckInterval:      5 * time.Minute,
		ShortHorizon:       time.Hour,
		BreakdownDelta:     0.3,
		MinConfidence:      0.5,
		MinBreakdownPoints: 30,
		BaseReversion:      2 * time.Hour,
		BreakdownTTL:       12 * time.Hour,
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	if c.ReferenceSymbol == "" {
		return fmt.Errorf("correlation: %w: reference symbol required", domain.ErrConfig)
	}
	if c.MinSamples < 2 {
		return fmt.Errorf("correlation: %w: min_samples %d below 2", domain.ErrConfig, c.MinSamples)
	}
	if c.BreakdownDelta <= 0 || c.BreakdownDelta > 2 {
		return fmt.Errorf("correlation: %w: breakdown_delta %.2f outside (0,2]", domain.ErrConfig, c.BreakdownDelta)
	}
	if math.Abs(c.RhoWeight+c.VarWeight-1) > 0.001 {
		return fmt.Errorf("correlation: %w: confidence weights sum to %.3f", domain.ErrConfig, c.RhoWeight+c.VarWeight)
	}
	return nil
}

// baselineDepth bounds the per-pair history of baseline coefficients
// kept for the normal-range estimate.
const baselineDepth = 48

// Store owns the correlation matrix. A single goroutine context invokes
// recompute and check; readers take snapshots under RLock.
type Store struct {
	cfg      Config
	sched    clock.Scheduler
	windows  *window.Manager
	history  ports.CorrelationHistory // optional
	limiter  *ratelimit.Limiter
	emit     func(domain.Event)
	log      zerolog.Logger

	mu           sync.RWMutex
	correlations map[string]domain.CoinCorrelation
	baselines    map[string][]float64 // recent baseline rho per altcoin
	active       map[string]domain.CorrelationBreakdownEvent

	tasks []*clock.Task

	skippedInsufficient uint64
}

// NewStore builds the store. history may be nil; emit receives breakdown
// events and must not block.
func NewStore(cfg Config, sched clock.Scheduler, windows *window.Manager, history ports.CorrelationHistory, emit func(domain.Event), logger zerolog.Logger) *Store {
	return &Store{
		cfg:          cfg,
		sched:        sched,
		windows:      windows,
		history:      history,
		limiter:      ratelimit.NewInterval(cfg.MinForcedInterval),
		emit:         emit,
		log:          logger.With().Str("component", "correlation").Logger(),
		correlations: make(map[string]domain.CoinCorrelation),
		baselines:    make(map[string][]float64),
		active:       make(map[string]domain.CorrelationBreakdownEvent),
	}
}

// Start seeds from the history port and registers the recompute and
// breakdown cadences.
func (s *Store) Start(ctx context.Context) {
	if s.history != nil {
		seeded, err := s.history.Seed(ctx, s.cfg.ReferenceSymbol)
		if err != nil {
			s.log.Warn().Err(err).Msg("correlation seed failed, starting cold")
		} else {
			s.mu.Lock()
			for _, c := range seeded {
				s.correlations[c.Altcoin] = c
				s.baselines[c.Altcoin] = append(s.baselines[c.Altcoin], c.Coefficient)
			}
			s.mu.Unlock()
			s.log.Info().Int("pairs", len(seeded)).Msg("correlations seeded")
		}
	}

	s.tasks = append(s.tasks,
		s.sched.Every(s.cfg.RecomputeInterval, func(now time.Time) { s.RecomputeAll(ctx, now) }),
		s.sched.Every(s.cfg.CheckInterval, func(now time.Time) { s.checkBreakdowns(now) }),
	)
}

// Stop cancels the cadences.
func (s *Store) Stop() {
	for _, t := range s.tasks {
		s.sched.Cancel(t)
	}
	s.tasks = nil
}

// Correlation returns the stored relationship for an altcoin.
func (s *Store) Correlation(altcoin string) (domain.CoinCorrelation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.correlations[altcoin]
	return c, ok
}

// All snapshots every stored correlation.
func (s *Store) All() []domain.CoinCorrelation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CoinCorrelation, 0, len(s.correlations))
	for _, c := range s.correlations {
		out = append(out, c)
	}
	return out
}

// ActiveBreakdowns snapshots the breakdown events still open.
func (s *Store) ActiveBreakdowns() []domain.CorrelationBreakdownEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CorrelationBreakdownEvent, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e)
	}
	return out
}

// RecomputeAll refreshes every configured altcoin and persists the
// result when a history port is attached.
func (s *Store) RecomputeAll(ctx context.Context, now time.Time) {
	updated := make([]domain.CoinCorrelation, 0, len(s.cfg.Altcoins))
	for _, alt := range s.cfg.Altcoins {
		c, err := s.recompute(alt, now)
		if err != nil {
			s.log.Debug().Err(err).Str("altcoin", alt).Msg("recompute skipped")
			continue
		}
		updated = append(updated, c)
	}
	if s.history != nil && len(updated) > 0 {
		if err := s.history.Persist(ctx, s.cfg.ReferenceSymbol, updated); err != nil {
			s.log.Warn().Err(err).Msg("correlation persist failed")
		}
	}
}

// RequestRecompute forces a refresh for one altcoin, typically on a
// significant reference movement. Requests inside the per-symbol
// cooldown coalesce into a no-op.
func (s *Store) RequestRecompute(altcoin string, now time.Time) {
	if !s.limiter.Allow(altcoin) {
		return
	}
	if _, err := s.recompute(altcoin, now); err != nil {
		s.log.Debug().Err(err).Str("altcoin", altcoin).Msg("forced recompute skipped")
	}
}

func (s *Store) recompute(altcoin string, now time.Time) (domain.CoinCorrelation, error) {
	refRing, altRing, err := s.rings(altcoin)
	if err != nil {
		return domain.CoinCorrelation{}, err
	}

	refSeries := bucketSeries(refRing, s.cfg.Alignment, s.cfg.Lookback, now)
	altSeries := bucketSeries(altRing, s.cfg.Alignment, s.cfg.Lookback, now)
	refRet, altRet, _ := alignSeries(refSeries, altSeries)
	if len(refRet) < s.cfg.MinSamples {
		s.skippedInsufficient++
		return domain.CoinCorrelation{}, fmt.Errorf("correlation %s/%s: %w: %d aligned returns, need %d",
			s.cfg.ReferenceSymbol, altcoin, domain.ErrInsufficientData, len(refRet), s.cfg.MinSamples)
	}

	rho, err := pearson(refRet, altRet)
	if err != nil {
		return domain.CoinCorrelation{}, err
	}

	avgLag, variance := s.estimateLag(refSeries, altSeries)
	confidence := math.Abs(rho)*s.cfg.RhoWeight +
		(1-clamp01(variance/s.cfg.MaxVarScale))*s.cfg.VarWeight

	c := domain.CoinCorrelation{
		Altcoin:       altcoin,
		Coefficient:   rho,
		AvgDelay:      avgLag,
		DelayVariance: variance,
		Confidence:    confidence,
		SampleSize:    len(refRet),
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.correlations[altcoin] = c
	hist := append(s.baselines[altcoin], rho)
	if len(hist) > baselineDepth {
		hist = hist[len(hist)-baselineDepth:]
	}
	s.baselines[altcoin] = hist
	s.mu.Unlock()

	s.log.Debug().Str("altcoin", altcoin).Float64("rho", rho).
		Dur("avg_lag", avgLag).Float64("confidence", confidence).
		Msg("correlation refreshed")
	return c, nil
}

func (s *Store) estimateLag(refSeries, altSeries []point) (time.Duration, float64) {
	moves := significantMoves(refSeries, s.cfg.MoveSpan, s.cfg.MoveMinPct/100)
	var lags []time.Duration
	for _, m := range moves {
		if lag, ok := matchLag(m, altSeries, s.cfg.MoveSpan, s.cfg.MaxLag); ok {
			lags = append(lags, lag)
		}
	}
	if len(lags) == 0 {
		return s.cfg.BaselineLag, 0
	}
	return aggregateLags(lags)
}

// checkBreakdowns compares short-horizon correlation against the stored
// baseline for every pair and walks active events through their
// lifecycle.
func (s *Store) checkBreakdowns(now time.Time) {
	for _, alt := range s.cfg.Altcoins {
		s.checkPair(alt, now)
	}
}

func (s *Store) checkPair(altcoin string, now time.Time) {
	s.mu.RLock()
	base, haveBase := s.correlations[altcoin]
	hist := s.baselines[altcoin]
	existing, isActive := s.active[altcoin]
	s.mu.RUnlock()

	if !haveBase || base.Confidence < s.cfg.MinConfidence {
		return
	}

	refRing, altRing, err := s.rings(altcoin)
	if err != nil {
		return
	}
	refRet, altRet, _ := alignSeries(
		bucketSeries(refRing, s.cfg.Alignment, s.cfg.ShortHorizon, now),
		bucketSeries(altRing, s.cfg.Alignment, s.cfg.ShortHorizon, now),
	)
	if len(refRet) < s.cfg.MinBreakdownPoints {
		return
	}
	recent, err := pearson(refRet, altRet)
	if err != nil {
		return
	}

	deviation := math.Abs(base.Coefficient - recent)

	if isActive {
		switch {
		case deviation < s.cfg.BreakdownDelta/2:
			s.closeBreakdown(altcoin, existing, domain.BreakdownReverted, now)
		case now.Sub(existing.DetectedAt) > s.cfg.BreakdownTTL:
			s.closeBreakdown(altcoin, existing, domain.BreakdownExpired, now)
		}
		return
	}

	if deviation < s.cfg.BreakdownDelta {
		return
	}

	normal := normalRange(hist, base.Coefficient)
	mid := normal.Mid
	if mid == 0 {
		mid = base.Coefficient
	}
	reversion := s.cfg.BaseReversion
	if mid != 0 {
		reversion = time.Duration(float64(s.cfg.BaseReversion) * (1 + deviation/math.Abs(mid)))
	}

	event := domain.CorrelationBreakdownEvent{
		ID:                 uuid.NewString(),
		Pair:               altcoin + "/" + s.cfg.ReferenceSymbol,
		NormalRange:        normal,
		CurrentCorrelation: recent,
		Deviation:          deviation,
		ReversionTarget:    mid,
		ExpectedReversion:  reversion,
		Confidence:         base.Confidence,
		DataPoints:         len(refRet),
		Status:             domain.BreakdownActive,
		DetectedAt:         now,
	}

	s.mu.Lock()
	s.active[altcoin] = event
	s.mu.Unlock()

	s.log.Info().Str("pair", event.Pair).Float64("baseline", base.Coefficient).
		Float64("recent", recent).Float64("deviation", deviation).
		Msg("correlation breakdown detected")
	if s.emit != nil {
		s.emit(event)
	}
}

func (s *Store) closeBreakdown(altcoin string, e domain.CorrelationBreakdownEvent, status domain.BreakdownStatus, now time.Time) {
	if !e.Status.CanTransition(status) {
		return
	}
	e.Status = status

	s.mu.Lock()
	delete(s.active, altcoin)
	s.mu.Unlock()

	s.log.Info().Str("pair", e.Pair).Str("status", string(status)).
		Dur("open_for", now.Sub(e.DetectedAt)).Msg("correlation breakdown closed")
	if s.emit != nil {
		s.emit(e)
	}
}

// rings picks the densest venue ring for the reference symbol and the
// altcoin.
func (s *Store) rings(altcoin string) (*window.Ring, *window.Ring, error) {
	ref := densest(s.windows.RingsFor(s.cfg.ReferenceSymbol))
	if ref == nil {
		return nil, nil, fmt.Errorf("correlation: %w: no %s window", domain.ErrInsufficientData, s.cfg.ReferenceSymbol)
	}
	alt := densest(s.windows.RingsFor(altcoin))
	if alt == nil {
		return nil, nil, fmt.Errorf("correlation: %w: no %s window", domain.ErrInsufficientData, altcoin)
	}
	return ref, alt, nil
}

func densest(rings map[string]*window.Ring) *window.Ring {
	var best *window.Ring
	bestN := 0
	for _, r := range rings {
		if n := r.Count(); best == nil || n > bestN {
			best, bestN = r, n
		}
	}
	return best
}

// normalRange derives the baseline band from recent coefficients.
func normalRange(hist []float64, fallback float64) domain.CorrelationRange {
	if len(hist) == 0 {
		return domain.CorrelationRange{Low: fallback, Mid: fallback, High: fallback}
	}
	lo, hi, sum := hist[0], hist[0], 0.0
	for _, v := range hist {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		sum += v
	}
	return domain.CorrelationRange{Low: lo, Mid: sum / float64(len(hist)), High: hi}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
