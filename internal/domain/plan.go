package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderMethod selects how a size is worked into the market.
type OrderMethod string

const (
	MethodMarket  OrderMethod = "market"
	MethodLimit   OrderMethod = "limit"
	MethodTWAP    OrderMethod = "twap"
	MethodIceberg OrderMethod = "iceberg"
	MethodGradual OrderMethod = "gradual"
)

// StepAction is what a single execution step does.
type StepAction string

const (
	ActionBuy      StepAction = "buy"
	ActionSell     StepAction = "sell"
	ActionWithdraw StepAction = "withdraw"
	ActionDeposit  StepAction = "deposit"
	ActionWait     StepAction = "wait"
)

// ExecutionStep is one unit of work in a plan. Steps execute in stepNo
// order subject to their dependencies.
type ExecutionStep struct {
	StepNo           int              `json:"step_no"`
	Venue            string           `json:"venue"`
	Action           StepAction       `json:"action"`
	Size             decimal.Decimal  `json:"size"` // USD
	Price            *decimal.Decimal `json:"price,omitempty"`
	Timing           time.Duration    `json:"timing_ms"` // delay before the step fires
	OrderType        OrderMethod      `json:"order_type"`
	ExpectedSlippage float64          `json:"expected_slippage"`
	Dependencies     []int            `json:"dependencies,omitempty"`
	Status           StepStatus       `json:"status"`
	Contingency      string           `json:"contingency,omitempty"`
}

// PartialExit is one tranche of a staged exit.
type PartialExit struct {
	TriggerPct float64     `json:"trigger_pct"` // fraction of target PnL
	ExitPct    float64     `json:"exit_pct"`    // fraction of position
	Method     OrderMethod `json:"method"`
}

// EntryStrategy describes how the position is opened.
type EntryStrategy struct {
	Method           OrderMethod     `json:"method"`
	Venues           []string        `json:"venues"`
	TotalSize        decimal.Decimal `json:"total_size"` // USD
	Steps            []ExecutionStep `json:"steps"`
	ExpectedSlippage float64         `json:"expected_slippage"`
	ExecutionTime    time.Duration   `json:"execution_time_ms"`
}

// ExitStrategy describes how the position is closed.
type ExitStrategy struct {
	Method        OrderMethod     `json:"method"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	StopLossPrice decimal.Decimal `json:"stop_loss_price"`
	PartialExits  []PartialExit   `json:"partial_exits"`
	MaxHold       time.Duration   `json:"max_hold_ms"`
}

// PositionSizing records how the recommended size was arrived at.
type PositionSizing struct {
	SizeUSD       decimal.Decimal `json:"size_usd"`
	Leverage      float64         `json:"leverage"`
	NotionalUSD   decimal.Decimal `json:"notional_usd"`
	KellyFraction float64         `json:"kelly_fraction"`
	CapAppliedBy  string          `json:"cap_applied_by,omitempty"` // which cap bound the size
}

// RiskManagement carries the plan-level risk rails.
type RiskManagement struct {
	StopLossPct      float64       `json:"stop_loss_pct"`
	EmergencyDrawdownPct float64   `json:"emergency_drawdown_pct"`
	MaxHold          time.Duration `json:"max_hold_ms"`
	MaxSlippage      float64       `json:"max_slippage"`
}

// FlashLoanIntegration is the optional borrowed-capital leg of a plan.
type FlashLoanIntegration struct {
	Provider  string          `json:"provider"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	FeeUSD    decimal.Decimal `json:"fee_usd"`
	Simulated bool            `json:"simulated"` // provider simulation passed
}

// ExpectedOutcomes brackets the plan's net profit in USD.
type ExpectedOutcomes struct {
	Best       decimal.Decimal `json:"best"`
	MostLikely decimal.Decimal `json:"most_likely"`
	Worst      decimal.Decimal `json:"worst"`
}

// ExecutionPlan is the full playbook for one classified opportunity.
type ExecutionPlan struct {
	ID               string                `json:"id"`
	ClassificationID string                `json:"classification_id"`
	Asset            string                `json:"asset"`
	Sizing           PositionSizing        `json:"position_sizing"`
	Entry            EntryStrategy         `json:"entry_strategy"`
	Exit             ExitStrategy          `json:"exit_strategy"`
	Risk             RiskManagement        `json:"risk_management"`
	FlashLoan        *FlashLoanIntegration `json:"flash_loan,omitempty"`
	Outcomes         ExpectedOutcomes      `json:"expected_outcomes"`
	Confidence       float64               `json:"confidence"`
	CreatedAt        time.Time             `json:"created_at"`
	ExpiresAt        time.Time             `json:"expires_at"`
}
