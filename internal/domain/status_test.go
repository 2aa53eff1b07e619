package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDepegStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to DepegStatus
		ok       bool
	}{
		{DepegActive, DepegWorsening, true},
		{DepegActive, DepegResolved, true},
		{DepegActive, DepegExpired, true},
		{DepegWorsening, DepegActive, true},
		{DepegWorsening, DepegResolved, true},
		{DepegResolved, DepegActive, false},
		{DepegExpired, DepegWorsening, false},
		{DepegResolved, DepegExpired, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTradeStatusMonotone(t *testing.T) {
	// No status may reach an earlier one.
	backwards := []struct{ from, to TradeStatus }{
		{TradeEntered, TradePending},
		{TradePartial, TradeEntered},
		{TradeExited, TradePartial},
		{TradeFailed, TradePending},
		{TradeExpired, TradeEntered},
	}
	for _, tc := range backwards {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("backwards transition %s -> %s must be refused", tc.from, tc.to)
		}
	}

	forward := []struct{ from, to TradeStatus }{
		{TradePending, TradeEntered},
		{TradePending, TradeFailed},
		{TradeEntered, TradePartial},
		{TradeEntered, TradeExited},
		{TradePartial, TradeExited},
	}
	for _, tc := range forward {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("forward transition %s -> %s must be allowed", tc.from, tc.to)
		}
	}
}

func TestTradeTransitionRefusalKeepsState(t *testing.T) {
	now := time.Now()
	trade := &Trade{ID: "t1", Status: TradePending}

	if err := trade.Transition(TradeExited, now); err == nil {
		t.Fatal("pending -> exited must be refused")
	} else if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("want ErrBadTransition, got %v", err)
	}
	if trade.Status != TradePending {
		t.Errorf("refused transition mutated status to %s", trade.Status)
	}

	if err := trade.Transition(TradeEntered, now); err != nil {
		t.Fatalf("pending -> entered: %v", err)
	}
	if trade.EntryTime == nil || !trade.EntryTime.Equal(now) {
		t.Error("entered transition must stamp entry time")
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	ladder := []Severity{SeverityMinor, SeverityModerate, SeveritySevere, SeverityExtreme}
	for i := 1; i < len(ladder); i++ {
		if ladder[i].Rank() <= ladder[i-1].Rank() {
			t.Errorf("severity %s must outrank %s", ladder[i], ladder[i-1])
		}
	}
}

func TestClassificationValidate(t *testing.T) {
	good := OpportunityClassification{
		ID:                 "c1",
		OpportunityScore:   80,
		RiskAdjustedScore:  60,
		ConfidenceLevel:    0.8,
		SuccessProbability: 0.7,
		PositionSize:       decimal.NewFromInt(1000),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid classification rejected: %v", err)
	}

	bad := good
	bad.RiskAdjustedScore = 90
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("risk-adjusted above overall must fail validation, got %v", err)
	}

	bad = good
	bad.ConfidenceLevel = 1.2
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("confidence above 1 must fail validation, got %v", err)
	}
}
