package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
	"github.com/sawpanic/driftline/internal/window"
)

// Config tunes trade supervision.
type Config struct {
	MaxRetries  int           `yaml:"max_retries"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Exit        ExitConfig    `yaml:"exit"`
}

// DefaultConfig returns the production supervision profile.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		StepTimeout: 30 * time.Second,
		RetryDelay:  2 * time.Second,
		Exit:        DefaultExitConfig(),
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("lifecycle: %w: max_retries must be non-negative", domain.ErrConfig)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("lifecycle: %w: step_timeout must be positive", domain.ErrConfig)
	}
	return nil
}

// Policy approves or declines non-critical exit signals. Critical
// signals bypass it. A nil policy approves everything.
type Policy func(domain.ExitSignal) bool

// Supervisor drives one plan through its trade lifecycle: entry steps
// with retries, exit signal handling, max-hold enforcement, and
// cancellation. Scheduler callbacks only enqueue work; a goroutine
// owned by the supervisor places the orders, so a slow venue never
// stalls the shared dispatch goroutine or other trades' timers.
type Supervisor struct {
	cfg     Config
	sched   clock.Scheduler
	windows *window.Manager
	exec    ports.OrderExecutor
	policy  Policy
	emit    func(domain.TradeEvent)
	record  func(domain.Trade)
	log     zerolog.Logger

	plan domain.ExecutionPlan
	side ports.Side

	mu            sync.Mutex
	trade         domain.Trade
	engine        *ExitEngine
	retries       int
	pendingTask   *clock.Task
	holdTask      *clock.Task
	filledUSD     float64
	weightedEntry float64 // sum of price*filled
	entryPrice    float64
	remainingPct  float64
	realizedPnL   float64
	weightedExit  float64
	exitedUSD     float64
	finished      bool

	workMu   sync.Mutex
	workCond *sync.Cond
	work     []func()
	working  bool
	closed   bool

	ctx      context.Context
	cancelFn context.CancelFunc
}

func NewSupervisor(cfg Config, plan domain.ExecutionPlan, sched clock.Scheduler, windows *window.Manager, exec ports.OrderExecutor, policy Policy, emit func(domain.TradeEvent), record func(domain.Trade), logger zerolog.Logger) *Supervisor {
	side := ports.SideBuy
	if len(plan.Entry.Steps) > 0 && plan.Entry.Steps[0].Action == domain.ActionSell {
		side = ports.SideSell
	}
	s := &Supervisor{
		cfg:          cfg,
		sched:        sched,
		windows:      windows,
		exec:         exec,
		policy:       policy,
		emit:         emit,
		record:       record,
		plan:         plan,
		side:         side,
		remainingPct: 1,
		log:          logger.With().Str("component", "supervisor").Str("plan", plan.ID).Logger(),
	}
	s.workCond = sync.NewCond(&s.workMu)
	return s
}

// Start creates the pending trade and schedules the first entry step.
func (s *Supervisor) Start(ctx context.Context) domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancelFn = context.WithCancel(ctx)
	go s.worker()
	go func() {
		<-s.ctx.Done()
		s.closeQueue()
	}()
	s.trade = domain.Trade{
		ID:               uuid.NewString(),
		PlanID:           s.plan.ID,
		ClassificationID: s.plan.ClassificationID,
		Asset:            s.plan.Asset,
		EntrySignal:      s.plan.ClassificationID,
		Size:             s.plan.Entry.TotalSize,
		RemainingPct:     1,
		Status:           domain.TradePending,
	}
	s.emitLocked(domain.TradeEventCreated, nil)

	if len(s.plan.Entry.Steps) == 0 {
		s.failLocked(s.sched.Now(), "plan has no entry steps")
		return s.trade
	}
	s.scheduleStepLocked(0, s.plan.Entry.Steps[0].Timing)
	return s.trade
}

// Trade snapshots the current trade record.
func (s *Supervisor) Trade() domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trade
}

// Engine exposes the exit engine once the trade has entered, nil before.
func (s *Supervisor) Engine() *ExitEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Cancel aborts the supervisor: in-flight work stops, any partial entry
// is reversed best-effort, and the trade fails with the reason noted.
func (s *Supervisor) Cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	now := s.sched.Now()
	s.trade.AddNote(now, "cancelled: %s", reason)
	s.failLocked(now, reason)
}

// enqueue hands work to the supervisor's goroutine. Scheduler callbacks
// must return quickly; anything that may block on a venue goes through
// here.
func (s *Supervisor) enqueue(fn func()) {
	s.workMu.Lock()
	if !s.closed {
		s.work = append(s.work, fn)
		s.workCond.Broadcast()
	}
	s.workMu.Unlock()
}

func (s *Supervisor) closeQueue() {
	s.workMu.Lock()
	s.closed = true
	s.workCond.Broadcast()
	s.workMu.Unlock()
}

// worker drains queued work in order, one item at a time. Items queued
// before the close still run; each checks the finished flag itself.
func (s *Supervisor) worker() {
	s.workMu.Lock()
	for {
		for len(s.work) == 0 && !s.closed {
			s.workCond.Wait()
		}
		if len(s.work) == 0 {
			s.workMu.Unlock()
			return
		}
		fn := s.work[0]
		s.work = s.work[1:]
		s.working = true
		s.workMu.Unlock()
		fn()
		s.workMu.Lock()
		s.working = false
		s.workCond.Broadcast()
	}
}

// settle blocks until the queue is empty and no item is in flight.
func (s *Supervisor) settle() {
	s.workMu.Lock()
	for len(s.work) > 0 || s.working {
		s.workCond.Wait()
	}
	s.workMu.Unlock()
}

func (s *Supervisor) scheduleStepLocked(i int, delay time.Duration) {
	s.pendingTask = s.sched.After(delay, func(now time.Time) {
		s.enqueue(func() { s.runStep(i, now) })
	})
}

func (s *Supervisor) runStep(i int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	step := s.plan.Entry.Steps[i]

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StepTimeout)
	res, err := s.exec.PlaceOrder(ctx, ports.OrderRequest{
		Venue:      step.Venue,
		Pair:       s.plan.Asset,
		Side:       sideOf(step.Action),
		SizeUSD:    step.Size,
		Type:       step.OrderType,
		LimitPrice: step.Price,
	})
	cancel()

	if err != nil {
		if domain.Retryable(err) && s.retries < s.cfg.MaxRetries {
			s.retries++
			s.log.Warn().Err(err).Int("step", step.StepNo).Int("attempt", s.retries).Msg("entry step retrying")
			s.pendingTask = s.sched.After(s.cfg.RetryDelay, func(now time.Time) {
				s.enqueue(func() { s.runStep(i, now) })
			})
			return
		}
		s.trade.AddNote(now, "entry step %d failed: %v", step.StepNo, err)
		s.failLocked(now, fmt.Sprintf("entry step %d failed", step.StepNo))
		return
	}

	s.retries = 0
	filled, _ := res.FilledUSD.Float64()
	price, _ := res.AvgPrice.Float64()
	s.filledUSD += filled
	s.weightedEntry += price * filled

	if i+1 < len(s.plan.Entry.Steps) {
		next := s.plan.Entry.Steps[i+1]
		s.scheduleStepLocked(i+1, next.Timing-step.Timing)
		return
	}
	s.enteredLocked(now)
}

func (s *Supervisor) enteredLocked(now time.Time) {
	if s.filledUSD <= 0 {
		s.failLocked(now, "entry filled nothing")
		return
	}
	s.entryPrice = s.weightedEntry / s.filledUSD

	if err := s.trade.Transition(domain.TradeEntered, now); err != nil {
		s.log.Error().Err(err).Msg("entered transition refused")
		return
	}
	entry := decimal.NewFromFloat(s.entryPrice)
	s.trade.EntryPrice = &entry
	s.trade.Size = decimal.NewFromFloat(s.filledUSD).Round(2)
	s.emitLocked(domain.TradeEventEntered, nil)
	s.log.Info().Str("trade", s.trade.ID).Float64("entry", s.entryPrice).Msg("entered")

	s.engine = NewExitEngine(s.cfg.Exit, EngineParams{
		TradeID:              s.trade.ID,
		Asset:                s.plan.Asset,
		Side:                 s.side,
		SizeUSD:              s.trade.Size,
		EntryPrice:           entry,
		EntryTime:            now,
		TargetPrice:          s.plan.Exit.TargetPrice,
		StopLossPct:          s.plan.Risk.StopLossPct,
		EmergencyDrawdownPct: s.plan.Risk.EmergencyDrawdownPct,
		MaxHold:              s.plan.Risk.MaxHold,
		Tranches:             s.plan.Exit.PartialExits,
	}, s.sched, s.windows, s.enqueueSignal, s.log)
	s.engine.Start()

	if hold := s.plan.Risk.MaxHold; hold > 0 {
		s.holdTask = s.sched.After(hold, func(now time.Time) {
			s.enqueueSignal(domain.ExitSignal{
				TradeID:   s.trade.ID,
				Type:      domain.ExitTimeBased,
				Strength:  1,
				ExitPct:   1,
				Method:    domain.MethodMarket,
				Reason:    "max hold reached",
				Urgency:   domain.UrgencyCritical,
				Timestamp: now,
			})
		})
	}
}

// enqueueSignal routes signals from the exit engine and the hold
// deadline onto the worker, off the scheduler's dispatch goroutine.
func (s *Supervisor) enqueueSignal(sig domain.ExitSignal) {
	s.enqueue(func() { s.OnSignal(sig) })
}

// OnSignal handles one exit signal. Critical signals execute
// unconditionally; the rest pass through the policy.
func (s *Supervisor) OnSignal(sig domain.ExitSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.trade.Status == domain.TradePending {
		return
	}
	s.emitLocked(domain.TradeEventSignal, &sig)

	if sig.Urgency != domain.UrgencyCritical && s.policy != nil && !s.policy(sig) {
		s.log.Debug().Str("type", string(sig.Type)).Msg("exit signal declined by policy")
		return
	}
	s.executeExitLocked(sig)
}

func (s *Supervisor) executeExitLocked(sig domain.ExitSignal) {
	now := s.sched.Now()
	portion := s.remainingPct * clampPct(sig.ExitPct)
	if portion <= 0 {
		return
	}
	sizeUSD := decimal.NewFromFloat(s.filledUSD * portion).Round(2)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StepTimeout)
	res, err := s.exec.PlaceOrder(ctx, ports.OrderRequest{
		Venue:   s.bestExitVenue(),
		Pair:    s.plan.Asset,
		Side:    opposite(s.side),
		SizeUSD: sizeUSD,
		Type:    sig.Method,
	})
	cancel()
	if err != nil {
		s.trade.AddNote(now, "exit order failed (%s): %v", sig.Type, err)
		s.log.Warn().Err(err).Str("type", string(sig.Type)).Msg("exit order failed")
		return
	}

	exitPrice, _ := res.AvgPrice.Float64()
	exitedUSD := s.filledUSD * portion
	pnl := (exitPrice - s.entryPrice) / s.entryPrice * exitedUSD
	if s.side == ports.SideSell {
		pnl = -pnl
	}
	s.realizedPnL += pnl
	s.weightedExit += exitPrice * exitedUSD
	s.exitedUSD += exitedUSD
	s.remainingPct -= portion
	s.trade.RemainingPct = s.remainingPct
	s.trade.ExitSignalType = sig.Type

	if s.remainingPct > 0.001 {
		if s.trade.Status == domain.TradeEntered {
			if err := s.trade.Transition(domain.TradePartial, now); err != nil {
				s.log.Error().Err(err).Msg("partial transition refused")
			}
		}
		s.emitLocked(domain.TradeEventPartial, &sig)
		return
	}
	s.closeLocked(now)
}

func (s *Supervisor) closeLocked(now time.Time) {
	if err := s.trade.Transition(domain.TradeExited, now); err != nil {
		s.log.Error().Err(err).Msg("exited transition refused")
		return
	}
	exit := decimal.NewFromFloat(s.weightedExit / s.exitedUSD)
	pnl := decimal.NewFromFloat(s.realizedPnL).Round(2)
	pnlPct := s.realizedPnL / s.filledUSD * 100
	s.trade.ExitPrice = &exit
	s.trade.PnL = &pnl
	s.trade.PnLPct = &pnlPct
	s.trade.RemainingPct = 0
	s.finishLocked()
	s.emitLocked(domain.TradeEventExited, nil)
	if s.record != nil {
		s.record(s.trade)
	}
	s.log.Info().Str("trade", s.trade.ID).Float64("pnl_pct", pnlPct).Msg("exited")
}

// failLocked terminates the trade, reversing any standing position
// best-effort.
func (s *Supervisor) failLocked(now time.Time, reason string) {
	if s.filledUSD > 0 && s.remainingPct > 0.001 {
		sizeUSD := decimal.NewFromFloat(s.filledUSD * s.remainingPct).Round(2)
		_, err := s.exec.PlaceOrder(context.Background(), ports.OrderRequest{
			Venue:   s.bestExitVenue(),
			Pair:    s.plan.Asset,
			Side:    opposite(s.side),
			SizeUSD: sizeUSD,
			Type:    domain.MethodMarket,
		})
		if err != nil {
			s.trade.AddNote(now, "reversal failed: %v", err)
		} else {
			s.trade.AddNote(now, "position reversed")
		}
	}

	s.trade.AddNote(now, "failed: %s", reason)
	if err := s.trade.Transition(domain.TradeFailed, now); err != nil {
		s.log.Error().Err(err).Msg("failed transition refused")
	}
	s.finishLocked()
	s.emitLocked(domain.TradeEventFailed, nil)
	if s.record != nil {
		s.record(s.trade)
	}
	s.log.Warn().Str("trade", s.trade.ID).Str("reason", reason).Msg("trade failed")
}

func (s *Supervisor) finishLocked() {
	s.finished = true
	if s.cancelFn != nil {
		s.cancelFn()
	}
	if s.pendingTask != nil {
		s.sched.Cancel(s.pendingTask)
	}
	if s.holdTask != nil {
		s.sched.Cancel(s.holdTask)
	}
	if s.engine != nil {
		s.engine.Stop()
	}
}

func (s *Supervisor) emitLocked(t domain.TradeEventType, sig *domain.ExitSignal) {
	if s.emit == nil {
		return
	}
	s.emit(domain.TradeEvent{
		Type:      t,
		Trade:     s.trade,
		Signal:    sig,
		Timestamp: s.sched.Now(),
	})
}

// bestExitVenue picks the freshest quoting venue; entry venues are the
// fallback when the windows are cold.
func (s *Supervisor) bestExitVenue() string {
	var venue string
	var ts time.Time
	for v, sample := range s.windows.LatestBySymbol(s.plan.Asset) {
		if sample.TS.After(ts) {
			venue, ts = v, sample.TS
		}
	}
	if venue == "" && len(s.plan.Entry.Venues) > 0 {
		venue = s.plan.Entry.Venues[0]
	}
	return venue
}

func sideOf(a domain.StepAction) ports.Side {
	if a == domain.ActionSell {
		return ports.SideSell
	}
	return ports.SideBuy
}

func opposite(side ports.Side) ports.Side {
	if side == ports.SideBuy {
		return ports.SideSell
	}
	return ports.SideBuy
}

func clampPct(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
