package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExitSignalType names the condition families an exit engine watches.
type ExitSignalType string

const (
	ExitTargetReached   ExitSignalType = "target_reached"
	ExitStopLoss        ExitSignalType = "stop_loss"
	ExitTimeBased       ExitSignalType = "time_based"
	ExitMarketCondition ExitSignalType = "market_condition"
	ExitEmergency       ExitSignalType = "emergency"
)

// Urgency of an exit signal. Critical signals are auto-executed by the
// supervisor; the rest go to policy.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ExitSignal is one instruction from the exit engine to its supervisor.
type ExitSignal struct {
	TradeID         string         `json:"trade_id"`
	Type            ExitSignalType `json:"type"`
	Strength        float64        `json:"strength"` // [0,1]
	ExitPct         float64        `json:"exit_pct"` // fraction of remaining position
	Method          OrderMethod    `json:"method"`
	Reason          string         `json:"reason"`
	Urgency         Urgency        `json:"urgency"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// TradeNote is an annotation appended to the trade record as the
// supervisor works it.
type TradeNote struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Trade is the lifecycle record for one accepted plan. The supervisor is
// its single writer.
type Trade struct {
	ID               string           `json:"id"`
	PlanID           string           `json:"plan_id"`
	ClassificationID string           `json:"classification_id"`
	Asset            string           `json:"asset"`
	EntrySignal      string           `json:"entry_signal"`
	ExitSignalType   ExitSignalType   `json:"exit_signal_type,omitempty"`
	EntryPrice       *decimal.Decimal `json:"entry_price,omitempty"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	Size             decimal.Decimal  `json:"size"` // USD originally entered
	RemainingPct     float64          `json:"remaining_pct"`
	PnL              *decimal.Decimal `json:"pnl,omitempty"` // USD
	PnLPct           *float64         `json:"pnl_pct,omitempty"`
	Status           TradeStatus      `json:"status"`
	EntryTime        *time.Time       `json:"entry_time,omitempty"`
	ExitTime         *time.Time       `json:"exit_time,omitempty"`
	Notes            []TradeNote      `json:"notes,omitempty"`
}

// Transition moves the trade to next, refusing anything outside the DAG.
// The trade is left untouched on refusal.
func (t *Trade) Transition(next TradeStatus, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("trade %s: %w: %s -> %s", t.ID, ErrBadTransition, t.Status, next)
	}
	t.Status = next
	switch next {
	case TradeEntered:
		ts := now
		t.EntryTime = &ts
	case TradeExited, TradeFailed, TradeExpired:
		ts := now
		t.ExitTime = &ts
	}
	return nil
}

// AddNote appends an annotation with its timestamp.
func (t *Trade) AddNote(now time.Time, format string, args ...any) {
	t.Notes = append(t.Notes, TradeNote{Time: now, Text: fmt.Sprintf(format, args...)})
}

// TradeEventType tags entries on the lifecycle stream.
type TradeEventType string

const (
	TradeEventCreated  TradeEventType = "created"
	TradeEventEntered  TradeEventType = "entered"
	TradeEventPartial  TradeEventType = "partial_exit"
	TradeEventExited   TradeEventType = "exited"
	TradeEventFailed   TradeEventType = "failed"
	TradeEventExpired  TradeEventType = "expired"
	TradeEventSignal   TradeEventType = "exit_signal"
)

// TradeEvent is one entry on the read-only lifecycle stream consumed by
// downstream UIs.
type TradeEvent struct {
	Type      TradeEventType `json:"type"`
	Trade     Trade          `json:"trade"`
	Signal    *ExitSignal    `json:"signal,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
