// Package engine composes the pipeline: feed pumps into the price bus,
// the bus fans out into rolling windows and detectors, detector events
// queue for classification, classified opportunities become plans, and
// validated plans run under trade supervisors. One Engine per process.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/bus"
	"github.com/sawpanic/driftline/internal/classifier"
	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/correlation"
	"github.com/sawpanic/driftline/internal/detector"
	"github.com/sawpanic/driftline/internal/detector/arb"
	"github.com/sawpanic/driftline/internal/detector/basis"
	"github.com/sawpanic/driftline/internal/detector/depeg"
	"github.com/sawpanic/driftline/internal/detector/momentum"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/infra/breakers"
	"github.com/sawpanic/driftline/internal/lifecycle"
	"github.com/sawpanic/driftline/internal/liquidity"
	"github.com/sawpanic/driftline/internal/netutil/ratelimit"
	"github.com/sawpanic/driftline/internal/plan"
	"github.com/sawpanic/driftline/internal/ports"
	"github.com/sawpanic/driftline/internal/recorder"
	"github.com/sawpanic/driftline/internal/window"
)

// StreamEvent is one entry on the engine's outbound event stream,
// consumed by the websocket handler. Exactly one payload field is set.
type StreamEvent struct {
	Kind           string                            `json:"kind"` // "classification" or "trade"
	Classification *domain.OpportunityClassification `json:"classification,omitempty"`
	Trade          *domain.TradeEvent                `json:"trade,omitempty"`
	At             time.Time                         `json:"at"`
}

// Stats is the engine-level health snapshot served over HTTP.
type Stats struct {
	StartedAt             time.Time                              `json:"started_at"`
	Uptime                time.Duration                          `json:"uptime_ms"`
	Bus                   bus.Stats                              `json:"bus"`
	Recorder              recorder.Snapshot                      `json:"recorder"`
	Correlations          int                                    `json:"correlations"`
	ActiveBreakdowns      int                                    `json:"active_breakdowns"`
	ActiveClassifications int                                    `json:"active_classifications"`
	LiveTrades            int                                    `json:"live_trades"`
	CompletedTrades       int                                    `json:"completed_trades"`
	CandidatesDropped     uint64                                 `json:"candidates_dropped"`
	OrderBudgets          map[string]map[string]ratelimit.KeyStats `json:"order_budgets,omitempty"`
	Subsystems            map[string]bool                        `json:"subsystems"`
}

const liquidityHistoryDepth = 20

type bookState struct {
	book    domain.OrderBook
	score   liquidity.Score
	liqHist []float64
}

// Engine owns every subsystem and the goroutines connecting them.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
	log zerolog.Logger

	sched     clock.Scheduler
	client    ports.ExchangeClient
	exec      ports.OrderExecutor // client wrapped in breakers and rate budget
	depegHist ports.DepegHistory
	flash     ports.FlashLoanProvider

	prices    *bus.Bus
	windows   *window.Manager
	corr      *correlation.Store
	detectors map[string]detector.Detector
	running   map[string]bool
	analyzer  *liquidity.Analyzer
	cls       *classifier.Classifier
	builder   *plan.Builder
	rec       *recorder.Recorder
	limits    *ratelimit.Manager

	arbDet   *arb.Detector
	basisDet *basis.Detector
	depegDet *depeg.Detector

	candidates chan domain.Event
	dropped    atomic.Uint64

	supervisors  map[string]*lifecycle.Supervisor // trade ID -> supervisor
	tradeByEvent map[string]string                // event ID -> trade ID
	finished     map[string]struct{}              // trades whose terminal callback beat registration
	completed    []domain.Trade

	classifications map[string]domain.OpportunityClassification // event ID -> latest
	books           map[string]*bookState                       // venue|pair -> latest

	streamMu   sync.Mutex
	streamSubs map[int]chan StreamEvent
	nextSub    int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sweepTask *clock.Task
	startedAt time.Time
	started   bool
}

// New wires every subsystem but starts nothing. The depeg and correlation
// history ports and the flash-loan provider may be nil; the subsystems
// degrade to their priors without them.
func New(cfg Config, sched clock.Scheduler, client ports.ExchangeClient, depegHist ports.DepegHistory, corrHist ports.CorrelationHistory, flash ports.FlashLoanProvider, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.With().Str("component", "engine").Logger()

	e := &Engine{
		cfg:             cfg,
		log:             log,
		sched:           sched,
		client:          client,
		depegHist:       depegHist,
		flash:           flash,
		detectors:       make(map[string]detector.Detector),
		running:         make(map[string]bool),
		analyzer:        liquidity.NewAnalyzer(cfg.Liquidity),
		rec:             recorder.New(logger),
		limits:          ratelimit.NewManager(),
		candidates:      make(chan domain.Event, cfg.CandidateQueue),
		supervisors:     make(map[string]*lifecycle.Supervisor),
		tradeByEvent:    make(map[string]string),
		finished:        make(map[string]struct{}),
		classifications: make(map[string]domain.OpportunityClassification),
		books:           make(map[string]*bookState),
		streamSubs:      make(map[int]chan StreamEvent),
	}

	e.prices = bus.New(cfg.Bus, sched, logger)
	e.windows = window.NewManager(cfg.Windows, sched, logger)
	e.corr = correlation.NewStore(cfg.Correlation, sched, e.windows, corrHist, e.enqueue, logger)
	e.cls = classifier.New(cfg.Classifier, sched, e.windows, depegHist, logger)
	e.builder = plan.NewBuilder(cfg.Plan, sched, e.windows, flash, logger)

	e.depegDet = depeg.New(cfg.Depeg, sched, e.prices, depegHist, e.enqueue, logger)
	e.basisDet = basis.New(cfg.Basis, sched, e.windows, e.enqueue, logger)
	e.arbDet = arb.New(cfg.Arb, sched, e.windows, e.enqueue, logger)
	mom := momentum.New(cfg.Momentum, sched, e.windows, e.corr, e.enqueue, logger)
	for _, d := range []detector.Detector{e.depegDet, mom, e.basisDet, e.arbDet} {
		e.detectors[d.Name()] = d
	}

	e.limits.AddScope("orders", cfg.OrderRPS, cfg.OrderBurst)
	e.exec = &budgetedExecutor{
		inner:  breakers.WrapExecutor("venues", cfg.Breakers, client, logger),
		limits: e.limits,
	}
	return e, nil
}

// Start spins up the pumps, detectors, and the classification pipeline.
// Returns an error when already started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: %w: already started", domain.ErrValidation)
	}
	e.started = true
	e.startedAt = e.sched.Now()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	filter := ports.FeedFilter{Symbols: e.cfg.Symbols, Venues: e.cfg.Venues}

	ticks, err := e.client.SubscribePrices(e.ctx, filter)
	if err != nil {
		return fmt.Errorf("engine: subscribe prices: %w", err)
	}
	books, err := e.client.SubscribeOrderBooks(e.ctx, filter)
	if err != nil {
		return fmt.Errorf("engine: subscribe books: %w", err)
	}

	e.wg.Add(1)
	go e.pumpTicks(ticks)
	e.wg.Add(1)
	go e.pumpBooks(books)

	if cs, ok := e.client.(ports.ContractSource); ok {
		contracts, err := cs.SubscribeContracts(e.ctx, filter)
		if err != nil {
			e.log.Warn().Err(err).Msg("contract feed unavailable")
		} else {
			e.wg.Add(1)
			go e.pumpContracts(contracts)
		}
	} else {
		e.log.Debug().Msg("client has no contract feed; basis detector idles")
	}

	windowSub := e.prices.SubscribeTicks("windows", bus.Filter{})
	e.wg.Add(1)
	go e.demuxWindows(windowSub)

	bookSub := e.prices.SubscribeBooks("liquidity", bus.Filter{})
	e.wg.Add(1)
	go e.watchBooks(bookSub)

	e.corr.Start(e.ctx)
	e.mu.Lock()
	e.running["correlation"] = true
	for name, d := range e.detectors {
		d.Start(e.ctx)
		e.running[name] = true
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.pipeline()

	e.mu.Lock()
	e.sweepTask = e.sched.Every(time.Minute, e.sweepClassifications)
	e.mu.Unlock()

	e.log.Info().Strs("symbols", e.cfg.Symbols).Int("detectors", len(e.detectors)).Msg("engine started")
	return nil
}

// Stop cancels running trades' supervision context, halts detectors, and
// drains the pumps. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	sweep := e.sweepTask
	e.sweepTask = nil
	e.mu.Unlock()

	if sweep != nil {
		e.sched.Cancel(sweep)
	}
	cancel()
	for name, d := range e.detectors {
		d.Stop()
		e.mu.Lock()
		e.running[name] = false
		e.mu.Unlock()
	}
	e.corr.Stop()
	e.prices.Close()
	e.wg.Wait()

	e.streamMu.Lock()
	for id, ch := range e.streamSubs {
		close(ch)
		delete(e.streamSubs, id)
	}
	e.streamMu.Unlock()
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) pumpTicks(in <-chan domain.PriceTick) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			if err := e.prices.PublishTick(t); err != nil {
				e.log.Debug().Err(err).Str("venue", t.Venue).Str("symbol", t.Symbol).Msg("tick rejected")
			}
		}
	}
}

func (e *Engine) pumpBooks(in <-chan domain.OrderBook) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			if err := e.prices.PublishBook(b); err != nil {
				e.log.Debug().Err(err).Str("venue", b.Venue).Str("pair", b.Pair).Msg("book rejected")
			}
		}
	}
}

func (e *Engine) pumpContracts(in <-chan domain.BasisContract) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			e.basisDet.UpdateContract(c)
		}
	}
}

func (e *Engine) demuxWindows(sub *bus.TickSub) {
	defer e.wg.Done()
	for t := range sub.C {
		e.windows.Append(t)
	}
}

func (e *Engine) watchBooks(sub *bus.BookSub) {
	defer e.wg.Done()
	for b := range sub.C {
		e.onBook(b)
	}
}

// onBook refreshes the per-market liquidity quality score. The trailing
// total-liquidity history feeds the stability component.
func (e *Engine) onBook(book domain.OrderBook) {
	key := book.Venue + "|" + book.Pair
	totalLiq, _ := book.TotalBidLiq.Add(book.TotalAskLiq).Float64()

	volume := 0.0
	if s, ok := e.windows.LatestBySymbol(book.Pair)[book.Venue]; ok {
		volume, _ = s.Volume.Float64()
	}

	e.mu.Lock()
	st, ok := e.books[key]
	if !ok {
		st = &bookState{}
		e.books[key] = st
	}
	st.book = book
	st.liqHist = append(st.liqHist, totalLiq)
	if len(st.liqHist) > liquidityHistoryDepth {
		st.liqHist = st.liqHist[len(st.liqHist)-liquidityHistoryDepth:]
	}
	hist := append([]float64(nil), st.liqHist...)
	e.mu.Unlock()

	score := e.analyzer.ScoreBook(book, volume, hist)

	e.mu.Lock()
	if st, ok := e.books[key]; ok {
		st.score = score
	}
	e.mu.Unlock()
}

// enqueue is the Emit sink shared by every detector and the correlation
// store. Never blocks; a full queue drops the candidate and counts it.
func (e *Engine) enqueue(ev domain.Event) {
	select {
	case e.candidates <- ev:
	default:
		e.dropped.Add(1)
		e.log.Warn().Str("event", ev.EventID()).Str("kind", string(ev.EventKind())).Msg("candidate queue full, dropping")
	}
}

func (e *Engine) pipeline() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.candidates:
			e.process(ev)
		}
	}
}

// detectorLabel maps an event kind to the recorder's detector family.
func detectorLabel(k domain.Kind) string {
	switch k {
	case domain.KindDepeg:
		return "depeg"
	case domain.KindBitcoinMovement, domain.KindMomentumTransfer:
		return "momentum"
	case domain.KindCorrelationBreakdown:
		return "correlation"
	case domain.KindBasis, domain.KindCalendarSpread:
		return "basis"
	case domain.KindArbitrage:
		return "arbitrage"
	default:
		return string(k)
	}
}

// process triages one detector emission. Terminal statuses retire the
// stored classification; live ones are classified, gated, planned, and
// handed to a supervisor.
func (e *Engine) process(ev domain.Event) {
	label := detectorLabel(ev.EventKind())
	now := e.sched.Now()

	switch v := ev.(type) {
	case domain.DepegEvent:
		if v.Status.Terminal() {
			if v.Status == domain.DepegExpired {
				e.rec.RecordExpiration(label)
			}
			e.retire(v.ID)
			return
		}
		// An active depeg also seeds the cross-venue arbitrage scan.
		e.arbDet.OnDepeg(v, now)
	case domain.BitcoinMovement:
		// Reference-asset moves are informational; the momentum detector
		// emits the tradable transfer opportunities separately.
		e.rec.RecordDetection(label)
		return
	case domain.CorrelationBreakdownEvent:
		if v.Status != domain.BreakdownActive {
			if v.Status == domain.BreakdownExpired {
				e.rec.RecordExpiration(label)
			}
			e.retire(v.ID)
			return
		}
	case domain.BasisOpportunity:
		if v.Status != domain.OpportunityActive {
			e.rec.RecordExpiration(label)
			e.retire(v.ID)
			return
		}
	case domain.CalendarSpreadOpportunity:
		if v.Status != domain.OpportunityActive {
			e.rec.RecordExpiration(label)
			e.retire(v.ID)
			return
		}
	case domain.ArbitrageOpportunity:
		if v.Status != domain.OpportunityActive {
			e.rec.RecordExpiration(label)
			e.retire(v.ID)
			return
		}
	}

	e.rec.RecordDetection(label)

	cls, err := e.classifier().Classify(e.ctx, ev, e.portfolio())
	if err != nil {
		e.log.Debug().Err(err).Str("event", ev.EventID()).Msg("classification declined")
		return
	}
	e.rec.RecordClassification(label, cls)

	e.mu.Lock()
	e.classifications[cls.EventID] = cls
	e.mu.Unlock()

	e.publish(StreamEvent{Kind: "classification", Classification: &cls, At: now})
	e.writeArtifact(cls)

	if cls.RiskAdjustedScore < e.config().MinRiskAdjustedScore {
		return
	}
	e.trade(cls)
}

// retire drops the stored classification for a finished event.
func (e *Engine) retire(eventID string) {
	e.mu.Lock()
	delete(e.classifications, eventID)
	e.mu.Unlock()
}

// trade builds and validates a plan for a gated classification, then
// hands it to a new supervisor if capacity and liquidity allow.
func (e *Engine) trade(cls domain.OpportunityClassification) {
	strategy := string(cls.EventKind)
	cfg := e.config()

	e.mu.Lock()
	if _, exists := e.tradeByEvent[cls.EventID]; exists {
		e.mu.Unlock()
		return
	}
	if len(e.supervisors) >= cfg.MaxConcurrentTrades {
		e.mu.Unlock()
		e.log.Debug().Str("event", cls.EventID).Msg("at concurrent trade limit")
		return
	}
	e.mu.Unlock()

	p, err := e.planner().Build(e.ctx, cls)
	if err != nil {
		e.rec.RecordPlan(strategy, false)
		e.log.Debug().Err(err).Str("classification", cls.ID).Msg("plan rejected")
		return
	}
	if reason, ok := e.slippageVeto(p); !ok {
		e.rec.RecordPlan(strategy, false)
		e.log.Info().Str("classification", cls.ID).Str("reason", reason).Msg("plan vetoed on book depth")
		return
	}
	e.rec.RecordPlan(strategy, true)

	emit := func(te domain.TradeEvent) {
		if te.Type == domain.TradeEventEntered {
			e.rec.RecordEntry(strategy)
		}
		e.publish(StreamEvent{Kind: "trade", Trade: &te, At: te.Timestamp})
	}
	record := func(tr domain.Trade) {
		e.finishTrade(strategy, cls.EventID, tr)
	}

	sup := lifecycle.NewSupervisor(cfg.Lifecycle, p, e.sched, e.windows, e.exec, nil, emit, record, e.log)
	tr := sup.Start(e.ctx)

	e.mu.Lock()
	if _, done := e.finished[tr.ID]; done || tr.Status.Terminal() {
		// The terminal callback ran before registration (synchronous
		// Start failure, or a zero-delay entry that failed fatally).
		delete(e.finished, tr.ID)
		e.mu.Unlock()
		return
	}
	e.supervisors[tr.ID] = sup
	e.tradeByEvent[cls.EventID] = tr.ID
	e.mu.Unlock()
	e.log.Info().Str("trade", tr.ID).Str("asset", p.Asset).Str("strategy", strategy).Msg("trade supervised")
}

// slippageVeto re-checks the first entry step against the live book. A
// plan built from window liquidity can still be unfillable at the top of
// the book; this is the last gate before capital commits.
func (e *Engine) slippageVeto(p domain.ExecutionPlan) (string, bool) {
	if len(p.Entry.Steps) == 0 {
		return "", true
	}
	step := p.Entry.Steps[0]
	side := ports.SideBuy
	if step.Action == domain.ActionSell {
		side = ports.SideSell
	}

	e.mu.RLock()
	st, ok := e.books[step.Venue+"|"+p.Asset]
	var book domain.OrderBook
	if ok {
		book = st.book
	}
	e.mu.RUnlock()
	if !ok {
		return "", true // no book seen for this market; the plan's own model stands
	}

	est, err := e.analyzer.EstimateSlippage(book, side, step.Size)
	if err != nil {
		return fmt.Sprintf("book too thin: %v", err), false
	}
	if est.SlippagePct > e.config().Plan.SlippageTolerance*100 {
		return fmt.Sprintf("estimated slippage %.3f%%", est.SlippagePct), false
	}
	return "", true
}

// finishTrade is the supervisor's terminal callback.
func (e *Engine) finishTrade(strategy, eventID string, tr domain.Trade) {
	e.rec.RecordOutcome(strategy, tr)

	e.mu.Lock()
	if _, registered := e.supervisors[tr.ID]; registered {
		delete(e.supervisors, tr.ID)
	} else {
		e.finished[tr.ID] = struct{}{}
	}
	if e.tradeByEvent[eventID] == tr.ID {
		delete(e.tradeByEvent, eventID)
	}
	e.completed = append(e.completed, tr)
	if over := len(e.completed) - e.cfg.CompletedHistory; over > 0 {
		e.completed = e.completed[over:]
	}
	e.mu.Unlock()
}

// portfolio exposes configured capital net of the USD still deployed in
// live trades, so sizing shrinks as positions stack up.
func (e *Engine) portfolio() *classifier.Portfolio {
	e.mu.RLock()
	sups := make([]*lifecycle.Supervisor, 0, len(e.supervisors))
	for _, sup := range e.supervisors {
		sups = append(sups, sup)
	}
	capital := e.cfg.Classifier.CapitalUSD
	e.mu.RUnlock()

	// Supervisors are queried outside the engine lock; their terminal
	// callbacks take it.
	open := decimal.Zero
	for _, sup := range sups {
		tr := sup.Trade()
		open = open.Add(tr.Size.Mul(decimal.NewFromFloat(tr.RemainingPct)))
	}
	return &classifier.Portfolio{CapitalUSD: capital, OpenRiskUSD: open}
}

// sweepClassifications drops expired classifications from the active set.
func (e *Engine) sweepClassifications(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cls := range e.classifications {
		if now.After(cls.ExpiresAt) {
			delete(e.classifications, id)
		}
	}
}

// writeArtifact persists one classification snapshot as JSON when an
// artifacts directory is configured.
func (e *Engine) writeArtifact(cls domain.OpportunityClassification) {
	dir := e.config().ArtifactsDir
	if dir == "" {
		return
	}
	raw, err := json.MarshalIndent(cls, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("classification-%s.json", cls.ID))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		e.log.Warn().Err(err).Str("path", path).Msg("artifact write failed")
	}
}

// classifier, planner, and config return the current (possibly patched)
// instances under the read lock.
func (e *Engine) classifier() *classifier.Classifier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cls
}

func (e *Engine) planner() *plan.Builder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builder
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Config returns the live configuration.
func (e *Engine) Config() Config { return e.config() }

// UpdateConfig overlays a partial yaml document on the running config.
// The classifier, planner, and pipeline gates pick the change up
// immediately; detector and bus tuning applies on restart.
func (e *Engine) UpdateConfig(partial []byte) (Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := e.cfg.Patch(partial)
	if err != nil {
		return e.cfg, err
	}
	e.cfg = next
	e.cls = classifier.New(next.Classifier, e.sched, e.windows, e.depegHist, e.log)
	e.builder = plan.NewBuilder(next.Plan, e.sched, e.windows, e.flash, e.log)
	e.limits.AddScope("orders", next.OrderRPS, next.OrderBurst)
	e.log.Info().Msg("configuration patched")
	return next, nil
}

// Subsystems lists the controllable subsystem names.
func (e *Engine) Subsystems() []string {
	names := []string{"correlation"}
	for name := range e.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Control starts or stops one detector or the correlation store by name.
func (e *Engine) Control(name, action string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return fmt.Errorf("engine: %w: not running", domain.ErrValidation)
	}

	var start func(context.Context)
	var stop func()
	switch {
	case name == "correlation":
		start, stop = e.corr.Start, e.corr.Stop
	default:
		d, ok := e.detectors[name]
		if !ok {
			return fmt.Errorf("engine: %w: unknown subsystem %q", domain.ErrValidation, name)
		}
		start, stop = d.Start, d.Stop
	}

	switch action {
	case "start":
		if e.running[name] {
			return fmt.Errorf("engine: %w: %s already running", domain.ErrValidation, name)
		}
		start(e.ctx)
		e.running[name] = true
	case "stop":
		if !e.running[name] {
			return fmt.Errorf("engine: %w: %s not running", domain.ErrValidation, name)
		}
		stop()
		e.running[name] = false
	default:
		return fmt.Errorf("engine: %w: unknown action %q", domain.ErrValidation, action)
	}
	e.log.Info().Str("subsystem", name).Str("action", action).Msg("subsystem control")
	return nil
}

// Opportunities returns the live classifications ordered by priority,
// highest first.
func (e *Engine) Opportunities() []domain.OpportunityClassification {
	e.mu.RLock()
	out := make([]domain.OpportunityClassification, 0, len(e.classifications))
	for _, cls := range e.classifications {
		out = append(out, cls)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Trades returns live trades followed by the completed history, newest
// completed last.
func (e *Engine) Trades() []domain.Trade {
	e.mu.RLock()
	sups := make([]*lifecycle.Supervisor, 0, len(e.supervisors))
	for _, sup := range e.supervisors {
		sups = append(sups, sup)
	}
	done := append([]domain.Trade(nil), e.completed...)
	e.mu.RUnlock()

	out := make([]domain.Trade, 0, len(sups)+len(done))
	for _, sup := range sups {
		out = append(out, sup.Trade())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return append(out, done...)
}

// Trade looks up one trade, live or completed.
func (e *Engine) Trade(id string) (domain.Trade, bool) {
	e.mu.RLock()
	sup, live := e.supervisors[id]
	var done domain.Trade
	var found bool
	if !live {
		for _, tr := range e.completed {
			if tr.ID == id {
				done, found = tr, true
				break
			}
		}
	}
	e.mu.RUnlock()

	if live {
		return sup.Trade(), true
	}
	return done, found
}

// CancelTrade aborts a live trade, reversing any filled entry.
func (e *Engine) CancelTrade(id, reason string) error {
	e.mu.RLock()
	sup, ok := e.supervisors[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: %w: no live trade %s", domain.ErrValidation, id)
	}
	sup.Cancel(reason)
	return nil
}

// Correlations exposes the current correlation table.
func (e *Engine) Correlations() []domain.CoinCorrelation { return e.corr.All() }

// BookQuality snapshots the per-market liquidity scores.
func (e *Engine) BookQuality() map[string]liquidity.Score {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]liquidity.Score, len(e.books))
	for key, st := range e.books {
		out[key] = st.score
	}
	return out
}

// Recorder exposes the statistics recorder, whose Prometheus registry
// backs /metrics.
func (e *Engine) Recorder() *recorder.Recorder { return e.rec }

// Stats assembles the health snapshot.
func (e *Engine) Stats() Stats {
	now := e.sched.Now()
	e.mu.RLock()
	subs := make(map[string]bool, len(e.running))
	for name, on := range e.running {
		subs[name] = on
	}
	live := len(e.supervisors)
	done := len(e.completed)
	active := len(e.classifications)
	started := e.startedAt
	e.mu.RUnlock()

	return Stats{
		StartedAt:             started,
		Uptime:                now.Sub(started),
		Bus:                   e.prices.Stats(),
		Recorder:              e.rec.Snapshot(now),
		Correlations:          len(e.corr.All()),
		ActiveBreakdowns:      len(e.corr.ActiveBreakdowns()),
		ActiveClassifications: active,
		LiveTrades:            live,
		CompletedTrades:       done,
		CandidatesDropped:     e.dropped.Load(),
		OrderBudgets:          e.limits.Stats(),
		Subsystems:            subs,
	}
}

// SubscribeEvents attaches a stream consumer. Slow consumers lose
// events rather than stalling the pipeline. The returned func detaches.
func (e *Engine) SubscribeEvents() (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, 64)
	e.streamMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.streamSubs[id] = ch
	e.streamMu.Unlock()

	cancel := func() {
		e.streamMu.Lock()
		if _, ok := e.streamSubs[id]; ok {
			delete(e.streamSubs, id)
			close(ch)
		}
		e.streamMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) publish(ev StreamEvent) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	for _, ch := range e.streamSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// budgetedExecutor enforces the per-venue order budget ahead of the
// circuit-breaker layer. Transfers share the venue's bucket.
type budgetedExecutor struct {
	inner  ports.OrderExecutor
	limits *ratelimit.Manager
}

func (b *budgetedExecutor) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	if err := b.limits.Wait(ctx, "orders", req.Venue); err != nil {
		return ports.OrderResult{}, fmt.Errorf("order budget: %w", domain.ErrTransientExecution)
	}
	return b.inner.PlaceOrder(ctx, req)
}

func (b *budgetedExecutor) CancelOrder(ctx context.Context, venue, orderID string) error {
	return b.inner.CancelOrder(ctx, venue, orderID)
}

func (b *budgetedExecutor) Withdraw(ctx context.Context, req ports.TransferRequest) (ports.TransferResult, error) {
	if err := b.limits.Wait(ctx, "orders", req.Venue); err != nil {
		return ports.TransferResult{}, fmt.Errorf("order budget: %w", domain.ErrTransientExecution)
	}
	return b.inner.Withdraw(ctx, req)
}

func (b *budgetedExecutor) Deposit(ctx context.Context, req ports.TransferRequest) (ports.TransferResult, error) {
	return b.inner.Deposit(ctx, req)
}
