package domain

// DepegStatus tracks a depeg event through its lifecycle.
type DepegStatus string

const (
	DepegActive    DepegStatus = "active"
	DepegWorsening DepegStatus = "worsening"
	DepegResolved  DepegStatus = "resolved"
	DepegExpired   DepegStatus = "expired"
)

// CanTransition reports whether a depeg event may move to next.
// worsening may return to active only when deviation has not grown;
// that deviation check belongs to the detector, the table only encodes
// reachability.
func (s DepegStatus) CanTransition(next DepegStatus) bool {
	switch s {
	case DepegActive:
		return next == DepegWorsening || next == DepegResolved || next == DepegExpired
	case DepegWorsening:
		return next == DepegActive || next == DepegResolved || next == DepegExpired
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s DepegStatus) Terminal() bool {
	return s == DepegResolved || s == DepegExpired
}

// BreakdownStatus tracks a correlation breakdown event.
type BreakdownStatus string

const (
	BreakdownActive   BreakdownStatus = "active"
	BreakdownReverted BreakdownStatus = "reverted"
	BreakdownFailed   BreakdownStatus = "failed"
	BreakdownExpired  BreakdownStatus = "expired"
)

func (s BreakdownStatus) CanTransition(next BreakdownStatus) bool {
	if s != BreakdownActive {
		return false
	}
	return next == BreakdownReverted || next == BreakdownFailed || next == BreakdownExpired
}

// TradeStatus is monotone along pending -> entered -> (partial|exited|
// expired|failed). A trade that never enters may fail or expire directly
// from pending.
type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeEntered TradeStatus = "entered"
	TradePartial TradeStatus = "partial"
	TradeExited  TradeStatus = "exited"
	TradeFailed  TradeStatus = "failed"
	TradeExpired TradeStatus = "expired"
)

func (s TradeStatus) CanTransition(next TradeStatus) bool {
	switch s {
	case TradePending:
		return next == TradeEntered || next == TradeFailed || next == TradeExpired
	case TradeEntered:
		return next == TradePartial || next == TradeExited || next == TradeFailed || next == TradeExpired
	case TradePartial:
		return next == TradeExited || next == TradeFailed || next == TradeExpired
	default:
		return false
	}
}

func (s TradeStatus) Terminal() bool {
	return s == TradeExited || s == TradeFailed || s == TradeExpired
}

// StepStatus tracks a single execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// OpportunityStatus tracks detector opportunities refreshed in place
// (basis, calendar spread, arbitrage).
type OpportunityStatus string

const (
	OpportunityActive  OpportunityStatus = "active"
	OpportunityExpired OpportunityStatus = "expired"
)

// Severity ladder for depeg events, ordered minor < moderate < severe < extreme.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityExtreme  Severity = "extreme"
)

// Rank orders severities for comparisons; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	case SeverityExtreme:
		return 4
	default:
		return 0
	}
}

// Direction of a price deviation or movement.
type Direction string

const (
	DirectionPremium  Direction = "premium"
	DirectionDiscount Direction = "discount"
	DirectionUp       Direction = "up"
	DirectionDown     Direction = "down"
)

// RiskLevel buckets classified opportunities.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// MarketStructure of a futures curve.
type MarketStructure string

const (
	StructureContango     MarketStructure = "contango"
	StructureBackwardation MarketStructure = "backwardation"
)

// ContractType of a dated or perpetual future.
type ContractType string

const (
	ContractPerpetual   ContractType = "perpetual"
	ContractWeekly      ContractType = "weekly"
	ContractMonthly     ContractType = "monthly"
	ContractQuarterly   ContractType = "quarterly"
	ContractBiQuarterly ContractType = "bi_quarterly"
)
