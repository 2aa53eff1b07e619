// Package lifecycle runs accepted plans: one supervisor per trade and,
// once entered, one exit signal engine watching the position.
package lifecycle

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
	"github.com/sawpanic/driftline/internal/window"
)

// ExitConfig tunes the exit signal engine.
type ExitConfig struct {
	Cadence     time.Duration `yaml:"cadence"`
	MaxPriceAge time.Duration `yaml:"max_price_age"`

	// WarningTime triggers the time-based exit when this much of the
	// hold budget remains.
	WarningTime time.Duration `yaml:"warning_time"`

	VolatilityThreshold float64 `yaml:"volatility_threshold"`
	VolatilitySamples   int     `yaml:"volatility_samples"`

	TimeExitPct   float64 `yaml:"time_exit_pct"`
	MarketExitPct float64 `yaml:"market_exit_pct"`
}

// DefaultExitConfig returns the production monitoring profile.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		Cadence:             5 * time.Second,
		MaxPriceAge:         30 * time.Second,
		WarningTime:         30 * time.Minute,
		VolatilityThreshold: 0.05,
		VolatilitySamples:   20,
		TimeExitPct:         0.5,
		MarketExitPct:       0.3,
	}
}

// EngineParams pins one engine to its trade.
type EngineParams struct {
	TradeID              string
	Asset                string
	Side                 ports.Side
	SizeUSD              decimal.Decimal
	EntryPrice           decimal.Decimal
	EntryTime            time.Time
	TargetPrice          decimal.Decimal
	StopLossPct          float64
	EmergencyDrawdownPct float64
	MaxHold              time.Duration
	Tranches             []domain.PartialExit
}

// targetPct is the PnL percent a full reversion to target would yield.
func (p EngineParams) targetPct() float64 {
	entry, _ := p.EntryPrice.Float64()
	target, _ := p.TargetPrice.Float64()
	if entry <= 0 {
		return 0
	}
	pct := (target - entry) / entry * 100
	if p.Side == ports.SideSell {
		pct = -pct
	}
	return pct
}

// Snapshot is the monitoring state refreshed each cycle.
type Snapshot struct {
	CurrentPrice      decimal.Decimal `json:"current_price"`
	PnLUSD            decimal.Decimal `json:"pnl_usd"`
	PnLPct            float64         `json:"pnl_pct"`
	TimeSinceEntry    time.Duration   `json:"time_since_entry_ms"`
	TimeRemaining     time.Duration   `json:"time_remaining_ms"`
	ReversionProgress float64         `json:"reversion_progress"`
	Volatility        float64         `json:"volatility"`
	RefreshedAt       time.Time       `json:"refreshed_at"`
}

// ExitEngine watches one entered trade and turns its monitoring
// snapshot into exit signals, strongest first. Tiers latch
// individually and stop/emergency fire at most once per trade. The
// time and market-condition families are edge-triggered instead: they
// fire when their condition turns true and re-arm once it clears, so
// a fresh volatility spike signals again.
type ExitEngine struct {
	cfg     ExitConfig
	params  EngineParams
	sched   clock.Scheduler
	windows *window.Manager
	deliver func(domain.ExitSignal)
	log     zerolog.Logger

	mu           sync.Mutex
	task         *clock.Task
	firedTiers   map[float64]bool
	tierPct      map[float64]float64 // tier trigger -> fraction of remaining
	stopFired    bool
	timeArmed    bool
	marketArmed  bool
	emergencyFired bool
	last         Snapshot
}

func NewExitEngine(cfg ExitConfig, params EngineParams, sched clock.Scheduler, windows *window.Manager, deliver func(domain.ExitSignal), logger zerolog.Logger) *ExitEngine {
	e := &ExitEngine{
		cfg:        cfg,
		params:     params,
		sched:      sched,
		windows:    windows,
		deliver:    deliver,
		log:         logger.With().Str("component", "exit_engine").Str("trade", params.TradeID).Logger(),
		firedTiers:  make(map[float64]bool),
		tierPct:     make(map[float64]float64, len(params.Tranches)),
		timeArmed:   true,
		marketArmed: true,
	}
	// Tranches size against the original position; signals carry
	// fractions of what remains. Convert assuming tiers fire in order.
	remaining := 1.0
	for _, tr := range params.Tranches {
		if remaining <= 0 {
			e.tierPct[tr.TriggerPct] = 1
			continue
		}
		e.tierPct[tr.TriggerPct] = math.Min(1, tr.ExitPct/remaining)
		remaining -= tr.ExitPct
	}
	return e
}

func (e *ExitEngine) Start() {
	e.task = e.sched.Every(e.cfg.Cadence, e.Evaluate)
}

func (e *ExitEngine) Stop() {
	if e.task != nil {
		e.sched.Cancel(e.task)
	}
}

// Last returns the most recent monitoring snapshot.
func (e *ExitEngine) Last() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Evaluate refreshes the snapshot and delivers any due signals in
// descending strength order.
func (e *ExitEngine) Evaluate(now time.Time) {
	snap, ok := e.snapshot(now)
	if !ok {
		e.log.Debug().Msg("no fresh price, cycle skipped")
		return
	}

	e.mu.Lock()
	e.last = snap
	signals := e.collectLocked(snap, now)
	e.mu.Unlock()

	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Strength > signals[j].Strength })
	for _, sig := range signals {
		e.log.Info().Str("type", string(sig.Type)).Float64("strength", sig.Strength).
			Float64("exit_pct", sig.ExitPct).Str("urgency", string(sig.Urgency)).
			Msg("exit signal")
		e.deliver(sig)
	}
}

func (e *ExitEngine) snapshot(now time.Time) (Snapshot, bool) {
	var price decimal.Decimal
	var ts time.Time
	var venue string
	for v, s := range e.windows.LatestBySymbol(e.params.Asset) {
		if s.TS.After(ts) {
			price, ts, venue = s.Price, s.TS, v
		}
	}
	if ts.IsZero() || now.Sub(ts) > e.cfg.MaxPriceAge {
		return Snapshot{}, false
	}

	entry, _ := e.params.EntryPrice.Float64()
	cur, _ := price.Float64()
	pnlPct := 0.0
	if entry > 0 {
		pnlPct = (cur - entry) / entry * 100
		if e.params.Side == ports.SideSell {
			pnlPct = -pnlPct
		}
	}

	progress := 0.0
	if target := e.params.targetPct(); target > 0 {
		progress = pnlPct / target
	}

	vol := 0.0
	if ring, ok := e.windows.Ring(e.params.Asset, venue); ok {
		if rets, err := ring.Returns(e.cfg.VolatilitySamples); err == nil {
			vol = stddev(rets)
		}
	}

	since := now.Sub(e.params.EntryTime)
	return Snapshot{
		CurrentPrice:      price,
		PnLUSD:            e.params.SizeUSD.Mul(decimal.NewFromFloat(pnlPct / 100)).Round(2),
		PnLPct:            pnlPct,
		TimeSinceEntry:    since,
		TimeRemaining:     e.params.MaxHold - since,
		ReversionProgress: progress,
		Volatility:        vol,
		RefreshedAt:       now,
	}, true
}

func (e *ExitEngine) collectLocked(snap Snapshot, now time.Time) []domain.ExitSignal {
	var out []domain.ExitSignal

	if !e.emergencyFired && snap.PnLPct <= -e.params.EmergencyDrawdownPct {
		e.emergencyFired = true
		out = append(out, domain.ExitSignal{
			TradeID:   e.params.TradeID,
			Type:      domain.ExitEmergency,
			Strength:  1,
			ExitPct:   1,
			Method:    domain.MethodMarket,
			Reason:    "drawdown breached emergency threshold",
			Urgency:   domain.UrgencyCritical,
			Timestamp: now,
		})
	}

	if !e.stopFired && !e.emergencyFired && snap.PnLPct <= -e.params.StopLossPct {
		e.stopFired = true
		out = append(out, domain.ExitSignal{
			TradeID:   e.params.TradeID,
			Type:      domain.ExitStopLoss,
			Strength:  0.9,
			ExitPct:   1,
			Method:    domain.MethodMarket,
			Reason:    "stop loss hit",
			Urgency:   domain.UrgencyHigh,
			Timestamp: now,
		})
	}

	tierUrgency := []domain.Urgency{domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh}
	for i, tr := range e.params.Tranches {
		if e.firedTiers[tr.TriggerPct] || snap.ReversionProgress < tr.TriggerPct {
			continue
		}
		e.firedTiers[tr.TriggerPct] = true
		urgency := domain.UrgencyHigh
		if i < len(tierUrgency) {
			urgency = tierUrgency[i]
		}
		out = append(out, domain.ExitSignal{
			TradeID:         e.params.TradeID,
			Type:            domain.ExitTargetReached,
			Strength:        math.Min(1, snap.ReversionProgress) * 0.8,
			ExitPct:         e.tierPct[tr.TriggerPct],
			Method:          tr.Method,
			Reason:          "target tier reached",
			Urgency:         urgency,
			ExpectedOutcome: "lock in part of the reversion",
			Timestamp:       now,
		})
	}

	if e.params.MaxHold > 0 && snap.TimeRemaining <= e.cfg.WarningTime {
		if e.timeArmed {
			e.timeArmed = false
			out = append(out, domain.ExitSignal{
				TradeID:   e.params.TradeID,
				Type:      domain.ExitTimeBased,
				Strength:  0.6,
				ExitPct:   e.cfg.TimeExitPct,
				Method:    domain.MethodLimit,
				Reason:    "hold budget nearly exhausted",
				Urgency:   domain.UrgencyMedium,
				Timestamp: now,
			})
		}
	} else {
		e.timeArmed = true
	}

	if snap.Volatility > e.cfg.VolatilityThreshold {
		if e.marketArmed {
			e.marketArmed = false
			out = append(out, domain.ExitSignal{
				TradeID:   e.params.TradeID,
				Type:      domain.ExitMarketCondition,
				Strength:  0.5,
				ExitPct:   e.cfg.MarketExitPct,
				Method:    domain.MethodLimit,
				Reason:    "volatility above threshold",
				Urgency:   domain.UrgencyMedium,
				Timestamp: now,
			})
		}
	} else {
		e.marketArmed = true
	}

	return out
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
