package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VenueRank is one venue's fitness for entering or exiting a position.
type VenueRank struct {
	Venue          string          `json:"venue"`
	Score          float64         `json:"score"`
	Price          decimal.Decimal `json:"price"`
	LiquidityScore float64         `json:"liquidity_score"`
}

// HistoricalComparison summarizes how similar past events played out.
type HistoricalComparison struct {
	SimilarEvents   int           `json:"similar_events"`
	SuccessRate     float64       `json:"success_rate"`
	MedianReversion time.Duration `json:"median_reversion_ms"`
	AvgProfitPct    float64       `json:"avg_profit_pct"`
}

// MarketContext captures the broader tape at classification time.
type MarketContext struct {
	Conditions     MarketConditions `json:"conditions"`
	ReferenceTrend Direction        `json:"reference_trend"`
	SpreadPct      float64          `json:"spread_pct"`
}

// ScoreBreakdown carries the five sub-scores behind an overall score,
// each on [0,100].
type ScoreBreakdown struct {
	ProfitPotential   float64 `json:"profit_potential"`
	Liquidity         float64 `json:"liquidity"`
	HistoricalSuccess float64 `json:"historical_success"`
	ReversionSpeed    float64 `json:"reversion_speed"`
	MarketConditions  float64 `json:"market_conditions"`
}

// OpportunityClassification enriches a raw detector event with scoring,
// sizing, and venue selection. It references the source event by id only.
type OpportunityClassification struct {
	ID                  string          `json:"id"`
	EventID             string          `json:"event_id"`
	EventKind           Kind            `json:"event_kind"`
	Asset               string          `json:"asset"`
	OpportunityScore    float64         `json:"opportunity_score"`      // [0,100]
	RiskAdjustedScore   float64         `json:"risk_adjusted_score"`    // <= OpportunityScore
	Breakdown           ScoreBreakdown  `json:"breakdown"`
	ExpectedProfitPct   float64         `json:"expected_profit_pct"`
	ExpectedProfitUSD   decimal.Decimal `json:"expected_profit_usd"`
	EstimatedReversion  time.Duration   `json:"estimated_reversion_ms"`
	SuccessProbability  float64         `json:"success_probability"` // [0,1]
	ConfidenceLevel     float64         `json:"confidence_level"`    // [0,1]
	RiskLevel           RiskLevel       `json:"risk_level"`
	Priority            float64         `json:"priority"`
	BestEntryVenues     []VenueRank     `json:"best_entry_venues"` // top 3
	BestExitVenues      []VenueRank     `json:"best_exit_venues"`  // top 3
	PositionSize        decimal.Decimal `json:"recommended_position_size"` // USD
	Leverage            float64         `json:"recommended_leverage"`
	OptimalEntryPrice   decimal.Decimal `json:"optimal_entry_price"`
	OptimalExitPrice    decimal.Decimal `json:"optimal_exit_price"`
	Historical          HistoricalComparison `json:"historical_comparison"`
	Market              MarketContext   `json:"market_context"`
	ClassifiedAt        time.Time       `json:"classified_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// Validate enforces the classification invariants before publication.
func (c OpportunityClassification) Validate() error {
	if c.RiskAdjustedScore > c.OpportunityScore {
		return fmt.Errorf("classification %s: %w: risk-adjusted %.2f exceeds overall %.2f",
			c.ID, ErrValidation, c.RiskAdjustedScore, c.OpportunityScore)
	}
	if c.ConfidenceLevel < 0 || c.ConfidenceLevel > 1 {
		return fmt.Errorf("classification %s: %w: confidence %.4f outside [0,1]",
			c.ID, ErrValidation, c.ConfidenceLevel)
	}
	if c.SuccessProbability < 0 || c.SuccessProbability > 1 {
		return fmt.Errorf("classification %s: %w: success probability %.4f outside [0,1]",
			c.ID, ErrValidation, c.SuccessProbability)
	}
	if c.PositionSize.IsNegative() {
		return fmt.Errorf("classification %s: %w: negative position size", c.ID, ErrValidation)
	}
	return nil
}
