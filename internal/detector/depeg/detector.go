// Package depeg watches stablecoin venue prices for deviations from the
// peg and drives each confirmed event through
// active -> {worsening, resolved, expired}.
package depeg

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/bus"
	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/detector"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
)

// Thresholds is the severity ladder as deviation fractions. A deviation
// equal to a threshold takes that tier.
type Thresholds struct {
	Minor    float64 `yaml:"minor"`
	Moderate float64 `yaml:"moderate"`
	Severe   float64 `yaml:"severe"`
	Extreme  float64 `yaml:"extreme"`
}

// ReversionLadder is the default reversion estimate per severity, used
// when the history port has no better answer.
type ReversionLadder struct {
	Minor    time.Duration `yaml:"minor"`
	Moderate time.Duration `yaml:"moderate"`
	Severe   time.Duration `yaml:"severe"`
	Extreme  time.Duration `yaml:"extreme"`
}

// Config tunes the detector.
type Config struct {
	// Pegs maps each monitored stablecoin to its peg value.
	Pegs map[string]float64 `yaml:"pegs"`

	Tick         time.Duration `yaml:"tick"`
	MaxPriceAge  time.Duration `yaml:"max_price_age"`
	MinExchanges int           `yaml:"min_exchanges"`

	// MinLiquidityUSD is the summed venue liquidity a cycle needs.
	MinLiquidityUSD float64 `yaml:"min_liquidity_usd"`

	// LiquiditySaturationUSD is where the event's liquidity score hits 1.
	LiquiditySaturationUSD float64 `yaml:"liquidity_saturation_usd"`

	Thresholds Thresholds      `yaml:"thresholds"`
	Reversion  ReversionLadder `yaml:"reversion"`

	// HistoryTimeout bounds the async median-reversion lookup.
	HistoryTimeout time.Duration `yaml:"history_timeout"`
}

// DefaultConfig returns the production ladder: 5 bps / 20 bps / 1% / 5%
// with reversion defaults 30m / 2h / 12h / 48h.
func DefaultConfig() Config {
	return Config{
		Pegs:                   map[string]float64{"USDT": 1, "USDC": 1, "DAI": 1},
		Tick:                   time.Second,
		MaxPriceAge:            30 * time.Second,
		MinExchanges:           2,
		MinLiquidityUSD:        1_000_000,
		LiquiditySaturationUSD: 10_000_000,
		Thresholds: Thresholds{
			Minor:    0.0005,
			Moderate: 0.002,
			Severe:   0.01,
			Extreme:  0.05,
		},
		Reversion: ReversionLadder{
			Minor:    30 * time.Minute,
			Moderate: 2 * time.Hour,
			Severe:   12 * time.Hour,
			Extreme:  48 * time.Hour,
		},
		HistoryTimeout: 500 * time.Millisecond,
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	if len(c.Pegs) == 0 {
		return fmt.Errorf("depeg: %w: no stablecoins configured", domain.ErrConfig)
	}
	t := c.Thresholds
	if !(0 < t.Minor && t.Minor < t.Moderate && t.Moderate < t.Severe && t.Severe < t.Extreme) {
		return fmt.Errorf("depeg: %w: thresholds must ascend minor<moderate<severe<extreme", domain.ErrConfig)
	}
	if c.MinExchanges < 1 {
		return fmt.Errorf("depeg: %w: min_exchanges %d below 1", domain.ErrConfig, c.MinExchanges)
	}
	return nil
}

// Severity maps a deviation onto the ladder, inclusive at each boundary.
// Returns false below the minor threshold.
func (t Thresholds) Severity(deviation float64) (domain.Severity, bool) {
	switch {
	case deviation >= t.Extreme:
		return domain.SeverityExtreme, true
	case deviation >= t.Severe:
		return domain.SeveritySevere, true
	case deviation >= t.Moderate:
		return domain.SeverityModerate, true
	case deviation >= t.Minor:
		return domain.SeverityMinor, true
	default:
		return "", false
	}
}

func (l ReversionLadder) estimate(s domain.Severity) time.Duration {
	switch s {
	case domain.SeverityExtreme:
		return l.Extreme
	case domain.SeveritySevere:
		return l.Severe
	case domain.SeverityModerate:
		return l.Moderate
	default:
		return l.Minor
	}
}

// Detector is the depeg state machine. All state mutation happens under
// mu; emitted events are copies.
type Detector struct {
	cfg     Config
	sched   clock.Scheduler
	feed    *bus.Bus
	history ports.DepegHistory // optional
	emit    detector.Emit
	log     zerolog.Logger

	mu          sync.Mutex
	latest      map[string]map[string]domain.PriceTick // coin -> venue -> tick
	active      map[string]*domain.DepegEvent          // coin -> open event
	belowQuorum map[string]time.Time                   // coin -> since

	task   *clock.Task
	sub    *bus.TickSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	skippedStale uint64
	skippedThin  uint64
}

func New(cfg Config, sched clock.Scheduler, feed *bus.Bus, history ports.DepegHistory, emit detector.Emit, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:         cfg,
		sched:       sched,
		feed:        feed,
		history:     history,
		emit:        emit,
		log:         logger.With().Str("component", "detector.depeg").Logger(),
		latest:      make(map[string]map[string]domain.PriceTick),
		active:      make(map[string]*domain.DepegEvent),
		belowQuorum: make(map[string]time.Time),
	}
}

func (d *Detector) Name() string { return "depeg" }

// Start subscribes to the tick feed and registers the evaluation cadence.
func (d *Detector) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.sub = d.feed.SubscribeTicks("detector.depeg", bus.Filter{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case t, ok := <-d.sub.C:
				if !ok {
					return
				}
				d.OnTick(ctx, t)
			case <-ctx.Done():
				return
			}
		}
	}()

	d.task = d.sched.Every(d.cfg.Tick, func(now time.Time) { d.sweep(ctx, now) })
}

// Stop tears down the subscription and cadence. In-flight evaluation
// completes; prior emissions stand.
func (d *Detector) Stop() {
	if d.task != nil {
		d.sched.Cancel(d.task)
	}
	if d.sub != nil {
		d.feed.Unsubscribe(d.sub)
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// OnTick records a venue quote and re-evaluates the coin immediately.
func (d *Detector) OnTick(ctx context.Context, t domain.PriceTick) {
	if _, watched := d.cfg.Pegs[t.Symbol]; !watched {
		return
	}
	d.mu.Lock()
	venues, ok := d.latest[t.Symbol]
	if !ok {
		venues = make(map[string]domain.PriceTick)
		d.latest[t.Symbol] = venues
	}
	venues[t.Venue] = t
	d.mu.Unlock()

	d.evaluate(ctx, t.Symbol, d.sched.Now())
}

// sweep re-evaluates every monitored coin on the detector cadence.
func (d *Detector) sweep(ctx context.Context, now time.Time) {
	for coin := range d.cfg.Pegs {
		d.evaluate(ctx, coin, now)
	}
}

// Active snapshots the open events.
func (d *Detector) Active() []domain.DepegEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DepegEvent, 0, len(d.active))
	for _, e := range d.active {
		out = append(out, *e)
	}
	return out
}

func (d *Detector) evaluate(ctx context.Context, coin string, now time.Time) {
	peg := d.cfg.Pegs[coin]

	d.mu.Lock()
	defer d.mu.Unlock()

	valid := d.validTicksLocked(coin, now)
	if len(valid) < d.cfg.MinExchanges {
		d.skippedStale++
		d.handleQuorumLossLocked(coin, now, len(valid))
		return
	}
	delete(d.belowQuorum, coin)

	totalLiq := 0.0
	sum := 0.0
	for _, t := range valid {
		p, _ := t.Price.Float64()
		l, _ := t.Liquidity.Float64()
		sum += p
		totalLiq += l
	}
	if totalLiq < d.cfg.MinLiquidityUSD {
		d.skippedThin++
		return
	}

	avg := sum / float64(len(valid))
	deviation := math.Abs(avg-peg) / peg

	event := d.active[coin]
	severity, depegged := d.cfg.Thresholds.Severity(deviation)

	if !depegged {
		if event != nil {
			d.resolveLocked(ctx, coin, event, avg, now)
		}
		return
	}

	direction := domain.DirectionDiscount
	if avg > peg {
		direction = domain.DirectionPremium
	}

	if event == nil {
		d.openLocked(ctx, coin, peg, avg, deviation, direction, severity, valid, totalLiq, now)
		return
	}

	// Refresh the open event in place.
	prevSeverity := event.Severity
	prevStatus := event.Status
	event.AvgPrice = decimal.NewFromFloat(avg)
	event.Direction = direction
	event.Severity = severity
	event.VenueTicks = valid
	event.LiquidityScore = math.Min(1, totalLiq/d.cfg.LiquiditySaturationUSD)
	event.MarketConditions.VenuesReporting = len(valid)

	switch {
	case deviation > event.MaxDeviation:
		event.MaxDeviation = deviation
		if event.Status == domain.DepegActive {
			event.Status = domain.DepegWorsening
		}
	case event.Status == domain.DepegWorsening && deviation <= event.Magnitude:
		// Equal-or-lower deviation lets worsening settle back to active.
		event.Status = domain.DepegActive
	}
	event.Magnitude = deviation

	if event.Severity != prevSeverity || event.Status != prevStatus {
		d.log.Info().Str("stablecoin", coin).Str("severity", string(event.Severity)).
			Str("status", string(event.Status)).Float64("deviation", deviation).
			Msg("depeg updated")
		d.emit(*event)
	}
}

func (d *Detector) validTicksLocked(coin string, now time.Time) []domain.PriceTick {
	venues := d.latest[coin]
	out := make([]domain.PriceTick, 0, len(venues))
	for venue, t := range venues {
		if now.Sub(t.Timestamp) > d.cfg.MaxPriceAge {
			delete(venues, venue)
			continue
		}
		out = append(out, t)
	}
	return out
}

// handleQuorumLossLocked expires an open event once the coin has stayed
// below the venue quorum for longer than the price-age budget.
func (d *Detector) handleQuorumLossLocked(coin string, now time.Time, venues int) {
	event := d.active[coin]
	if event == nil {
		delete(d.belowQuorum, coin)
		return
	}
	since, tracking := d.belowQuorum[coin]
	if !tracking {
		d.belowQuorum[coin] = now
		return
	}
	if now.Sub(since) <= d.cfg.MaxPriceAge {
		return
	}

	event.Status = domain.DepegExpired
	ts := now
	event.EndTime = &ts
	delete(d.active, coin)
	delete(d.belowQuorum, coin)

	d.log.Warn().Str("stablecoin", coin).Int("venues", venues).
		Msg("depeg expired below venue quorum")
	d.emit(*event)
}

func (d *Detector) openLocked(ctx context.Context, coin string, peg, avg, deviation float64, direction domain.Direction, severity domain.Severity, ticks []domain.PriceTick, totalLiq float64, now time.Time) {
	event := &domain.DepegEvent{
		ID:                 uuid.NewString(),
		Stablecoin:         coin,
		PegValue:           decimal.NewFromFloat(peg),
		AvgPrice:           decimal.NewFromFloat(avg),
		Magnitude:          deviation,
		Direction:          direction,
		Severity:           severity,
		VenueTicks:         ticks,
		LiquidityScore:     math.Min(1, totalLiq/d.cfg.LiquiditySaturationUSD),
		EstimatedReversion: d.cfg.Reversion.estimate(severity),
		Status:             domain.DepegActive,
		StartTime:          now,
		MaxDeviation:       deviation,
		MarketConditions:   domain.MarketConditions{VenuesReporting: len(ticks)},
	}
	d.active[coin] = event

	d.log.Info().Str("stablecoin", coin).Float64("avg_price", avg).
		Float64("deviation", deviation).Str("severity", string(severity)).
		Str("direction", string(direction)).Msg("depeg detected")
	d.emit(*event)

	if d.history != nil {
		d.refineEstimate(ctx, coin, event.ID, deviation)
	}
}

// refineEstimate asks the history port for the median reversion of
// similar past events. Runs off the detector loop with a deadline; the
// estimate is patched in place if the event is still open.
func (d *Detector) refineEstimate(ctx context.Context, coin, eventID string, magnitude float64) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		hctx, cancel := context.WithTimeout(ctx, d.cfg.HistoryTimeout)
		defer cancel()

		r := ports.MagnitudeRange{Min: magnitude * 0.5, Max: magnitude * 2}
		median, err := d.history.MedianReversionTime(hctx, coin, r)
		if err != nil || median <= 0 {
			return
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if event := d.active[coin]; event != nil && event.ID == eventID {
			event.EstimatedReversion = median
		}
	}()
}

func (d *Detector) resolveLocked(ctx context.Context, coin string, event *domain.DepegEvent, avg float64, now time.Time) {
	event.Status = domain.DepegResolved
	event.AvgPrice = decimal.NewFromFloat(avg)
	event.ActualReversion = now.Sub(event.StartTime)
	ts := now
	event.EndTime = &ts
	delete(d.active, coin)

	d.log.Info().Str("stablecoin", coin).
		Dur("actual_reversion", event.ActualReversion).
		Float64("max_deviation", event.MaxDeviation).Msg("depeg resolved")
	d.emit(*event)

	if d.history != nil {
		record := *event
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			hctx, cancel := context.WithTimeout(ctx, d.cfg.HistoryTimeout)
			defer cancel()
			if err := d.history.Record(hctx, record); err != nil {
				d.log.Warn().Err(err).Str("stablecoin", coin).Msg("depeg history record failed")
			}
		}()
	}
}
