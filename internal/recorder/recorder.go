// Package recorder aggregates detection and trade outcomes. It is the
// only shared-mutable component in the system; everything else hands it
// immutable records through its Record* methods.
package recorder

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/domain"
)

// DetectorStats counts one detection family's output.
type DetectorStats struct {
	Detections      int64 `json:"detections"`
	Expirations     int64 `json:"expirations"`
	Classifications int64 `json:"classifications"`
}

// StrategyStats aggregates trade outcomes per event kind.
type StrategyStats struct {
	Classifications int64           `json:"classifications"`
	PlansBuilt      int64           `json:"plans_built"`
	PlansRejected   int64           `json:"plans_rejected"`
	TradesEntered   int64           `json:"trades_entered"`
	TradesExited    int64           `json:"trades_exited"`
	TradesFailed    int64           `json:"trades_failed"`
	Wins            int64           `json:"wins"`
	TotalPnL        decimal.Decimal `json:"total_pnl_usd"`
	AvgPnL          decimal.Decimal `json:"avg_pnl_usd"`
	SuccessRate     float64         `json:"success_rate"` // wins / closed
}

// Snapshot is the read-only aggregate view served by /stats.
type Snapshot struct {
	Detectors   map[string]DetectorStats `json:"detectors"`
	Strategies  map[string]StrategyStats `json:"strategies"`
	OpenTrades  int64                    `json:"open_trades"`
	TotalPnL    decimal.Decimal          `json:"total_pnl_usd"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// Recorder keeps the running aggregates and mirrors them onto a
// dedicated Prometheus registry.
type Recorder struct {
	mu         sync.RWMutex
	detectors  map[string]*DetectorStats
	strategies map[string]*StrategyStats
	openTrades int64
	totalPnL   decimal.Decimal
	log        zerolog.Logger

	reg             *prometheus.Registry
	detections      *prometheus.CounterVec
	expirations     *prometheus.CounterVec
	classifications *prometheus.CounterVec
	plans           *prometheus.CounterVec
	trades          *prometheus.CounterVec
	pnl             *prometheus.GaugeVec
	open            prometheus.Gauge
}

func New(logger zerolog.Logger) *Recorder {
	r := &Recorder{
		detectors:  make(map[string]*DetectorStats),
		strategies: make(map[string]*StrategyStats),
		log:        logger.With().Str("component", "recorder").Logger(),
		reg:        prometheus.NewRegistry(),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_detections_total",
			Help: "Candidate events emitted by each detection family",
		}, []string{"detector"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_detection_expirations_total",
			Help: "Candidate events expired without acting",
		}, []string{"detector"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_classifications_total",
			Help: "Classifications published per strategy",
		}, []string{"strategy"}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_plans_total",
			Help: "Execution plans by strategy and verdict",
		}, []string{"strategy", "verdict"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_trades_total",
			Help: "Trade terminations by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		pnl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "driftline_pnl_usd",
			Help: "Cumulative realized PnL per strategy in USD",
		}, []string{"strategy"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftline_open_trades",
			Help: "Trades currently entered or partially exited",
		}),
	}
	r.reg.MustRegister(r.detections, r.expirations, r.classifications,
		r.plans, r.trades, r.pnl, r.open)
	return r
}

// Registry backs the /metrics endpoint.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// RecordDetection counts one emitted candidate event.
func (r *Recorder) RecordDetection(detector string) {
	r.mu.Lock()
	r.detectorLocked(detector).Detections++
	r.mu.Unlock()
	r.detections.WithLabelValues(detector).Inc()
}

// RecordExpiration counts a candidate that lapsed unacted.
func (r *Recorder) RecordExpiration(detector string) {
	r.mu.Lock()
	r.detectorLocked(detector).Expirations++
	r.mu.Unlock()
	r.expirations.WithLabelValues(detector).Inc()
}

// RecordClassification counts a published classification under its
// detector and strategy.
func (r *Recorder) RecordClassification(detector string, cls domain.OpportunityClassification) {
	strategy := string(cls.EventKind)
	r.mu.Lock()
	r.detectorLocked(detector).Classifications++
	r.strategyLocked(strategy).Classifications++
	r.mu.Unlock()
	r.classifications.WithLabelValues(strategy).Inc()
}

// RecordPlan counts a built or rejected execution plan.
func (r *Recorder) RecordPlan(strategy string, valid bool) {
	verdict := "rejected"
	r.mu.Lock()
	st := r.strategyLocked(strategy)
	if valid {
		st.PlansBuilt++
		verdict = "built"
	} else {
		st.PlansRejected++
	}
	r.mu.Unlock()
	r.plans.WithLabelValues(strategy, verdict).Inc()
}

// RecordEntry marks a trade as live.
func (r *Recorder) RecordEntry(strategy string) {
	r.mu.Lock()
	r.strategyLocked(strategy).TradesEntered++
	r.openTrades++
	r.mu.Unlock()
	r.open.Inc()
}

// RecordOutcome folds a terminal trade into the aggregates. Trades that
// never entered only decrement nothing; live ones close the open count.
func (r *Recorder) RecordOutcome(strategy string, trade domain.Trade) {
	if !trade.Status.Terminal() {
		r.log.Warn().Str("trade", trade.ID).Str("status", string(trade.Status)).
			Msg("non-terminal trade offered to recorder")
		return
	}
	pnl := decimal.Zero
	if trade.PnL != nil {
		pnl = *trade.PnL
	}

	r.mu.Lock()
	st := r.strategyLocked(strategy)
	switch trade.Status {
	case domain.TradeExited:
		st.TradesExited++
		if pnl.IsPositive() {
			st.Wins++
		}
	default:
		st.TradesFailed++
	}
	st.TotalPnL = st.TotalPnL.Add(pnl)
	if closed := st.TradesExited + st.TradesFailed; closed > 0 {
		st.AvgPnL = st.TotalPnL.Div(decimal.NewFromInt(closed)).Round(2)
		st.SuccessRate = float64(st.Wins) / float64(closed)
	}
	r.totalPnL = r.totalPnL.Add(pnl)
	entered := trade.EntryTime != nil
	if entered {
		r.openTrades--
	}
	r.mu.Unlock()

	r.trades.WithLabelValues(strategy, string(trade.Status)).Inc()
	pnlF, _ := pnl.Float64()
	r.pnl.WithLabelValues(strategy).Add(pnlF)
	if entered {
		r.open.Dec()
	}
}

// Snapshot copies the aggregates for read-only consumers.
func (r *Recorder) Snapshot(now time.Time) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Detectors:   make(map[string]DetectorStats, len(r.detectors)),
		Strategies:  make(map[string]StrategyStats, len(r.strategies)),
		OpenTrades:  r.openTrades,
		TotalPnL:    r.totalPnL,
		GeneratedAt: now,
	}
	for name, d := range r.detectors {
		snap.Detectors[name] = *d
	}
	for name, s := range r.strategies {
		snap.Strategies[name] = *s
	}
	return snap
}

func (r *Recorder) detectorLocked(name string) *DetectorStats {
	d, ok := r.detectors[name]
	if !ok {
		d = &DetectorStats{}
		r.detectors[name] = d
	}
	return d
}

func (r *Recorder) strategyLocked(name string) *StrategyStats {
	s, ok := r.strategies[name]
	if !ok {
		s = &StrategyStats{}
		r.strategies[name] = s
	}
	return s
}
