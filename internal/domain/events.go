package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the detector family an event came from. The classifier
// and the recorder dispatch on it.
type Kind string

const (
	KindDepeg                Kind = "depeg"
	KindBitcoinMovement      Kind = "bitcoin_movement"
	KindMomentumTransfer     Kind = "momentum_transfer"
	KindCorrelationBreakdown Kind = "correlation_breakdown"
	KindBasis                Kind = "basis"
	KindCalendarSpread       Kind = "calendar_spread"
	KindArbitrage            Kind = "arbitrage"
)

// Event is the common surface of all detector emissions. Consumers receive
// immutable snapshots; detectors keep their own mutable current-status maps.
type Event interface {
	EventID() string
	EventKind() Kind
	OccurredAt() time.Time
}

// MarketConditions is a compact market snapshot attached to events at
// emission time.
type MarketConditions struct {
	Volatility      float64 `json:"volatility"`       // recent stddev of returns
	VolumeTrend     float64 `json:"volume_trend"`     // recent vs baseline volume ratio
	VenuesReporting int     `json:"venues_reporting"`
}

// DepegEvent is a confirmed stablecoin deviation from its peg. The depeg
// detector updates its copy in place while the event is active and
// publishes snapshots.
type DepegEvent struct {
	ID                  string           `json:"id"`
	Stablecoin          string           `json:"stablecoin"`
	PegValue            decimal.Decimal  `json:"peg_value"`
	AvgPrice            decimal.Decimal  `json:"avg_price"`
	Magnitude           float64          `json:"magnitude"` // |avg-peg|/peg
	Direction           Direction        `json:"direction"`
	Severity            Severity         `json:"severity"`
	VenueTicks          []PriceTick      `json:"venue_ticks"`
	LiquidityScore      float64          `json:"liquidity_score"`
	EstimatedReversion  time.Duration    `json:"estimated_reversion_ms"`
	ActualReversion     time.Duration    `json:"actual_reversion_ms,omitempty"`
	Status              DepegStatus      `json:"status"`
	StartTime           time.Time        `json:"start_time"`
	EndTime             *time.Time       `json:"end_time,omitempty"`
	MaxDeviation        float64          `json:"max_deviation"`
	MarketConditions    MarketConditions `json:"market_conditions"`
}

func (e DepegEvent) EventID() string       { return e.ID }
func (e DepegEvent) EventKind() Kind       { return KindDepeg }
func (e DepegEvent) OccurredAt() time.Time { return e.StartTime }

// BitcoinMovement is a significant move of the reference asset over one of
// the configured windows.
type BitcoinMovement struct {
	ID          string          `json:"id"`
	MagnitudePct float64        `json:"magnitude_pct"` // signed percent change
	Direction   Direction       `json:"direction"`
	StartPrice  decimal.Decimal `json:"start_price"`
	EndPrice    decimal.Decimal `json:"end_price"`
	Duration    time.Duration   `json:"duration_ms"`
	Volume      decimal.Decimal `json:"volume"`
	Volatility  float64         `json:"volatility"`
	Confidence  float64         `json:"confidence"`
	Significant bool            `json:"significant"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	DetectedAt  time.Time       `json:"detected_at"`
}

func (e BitcoinMovement) EventID() string       { return e.ID }
func (e BitcoinMovement) EventKind() Kind       { return KindBitcoinMovement }
func (e BitcoinMovement) OccurredAt() time.Time { return e.DetectedAt }

// CoinCorrelation is the stored relationship between an altcoin and the
// reference asset.
type CoinCorrelation struct {
	Altcoin       string        `json:"altcoin"`
	Coefficient   float64       `json:"coefficient"` // Pearson rho in [-1,1]
	AvgDelay      time.Duration `json:"avg_delay_ms"`
	DelayVariance float64       `json:"delay_variance_s2"` // seconds squared
	Confidence    float64       `json:"confidence"`
	SampleSize    int           `json:"sample_size"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CorrelationRange is the observed baseline band for a pair.
type CorrelationRange struct {
	Low  float64 `json:"low"`
	Mid  float64 `json:"mid"`
	High float64 `json:"high"`
}

// CorrelationBreakdownEvent marks a short-horizon correlation departing
// materially from its baseline.
type CorrelationBreakdownEvent struct {
	ID                 string           `json:"id"`
	Pair               string           `json:"pair"` // e.g. ETH/BTC
	NormalRange        CorrelationRange `json:"normal_range"`
	CurrentCorrelation float64          `json:"current_correlation"`
	Deviation          float64          `json:"deviation"`
	ReversionTarget    float64          `json:"expected_reversion_target"`
	ExpectedReversion  time.Duration    `json:"expected_reversion_ms"`
	Confidence         float64          `json:"confidence"`
	DataPoints         int              `json:"data_points"`
	Status             BreakdownStatus  `json:"status"`
	DetectedAt         time.Time        `json:"detected_at"`
}

func (e CorrelationBreakdownEvent) EventID() string       { return e.ID }
func (e CorrelationBreakdownEvent) EventKind() Kind       { return KindCorrelationBreakdown }
func (e CorrelationBreakdownEvent) OccurredAt() time.Time { return e.DetectedAt }

// MomentumTransferOpportunity is the expected echo of a reference-asset
// move in a correlated altcoin.
type MomentumTransferOpportunity struct {
	ID                string        `json:"id"`
	Altcoin           string        `json:"altcoin"`
	MovementID        string        `json:"movement_id"`
	Correlation       float64       `json:"correlation"`
	ExpectedDelay     time.Duration `json:"expected_delay_ms"`
	ExpectedMagnitude float64       `json:"expected_magnitude_pct"` // |M|*rho, signed by direction
	Direction         Direction     `json:"direction"`
	OptimalEntryTime  time.Time     `json:"optimal_entry_time"`
	OptimalExitTime   time.Time     `json:"optimal_exit_time"`
	Confidence        float64       `json:"confidence"`
	DetectedAt        time.Time     `json:"detected_at"`
}

func (e MomentumTransferOpportunity) EventID() string       { return e.ID }
func (e MomentumTransferOpportunity) EventKind() Kind       { return KindMomentumTransfer }
func (e MomentumTransferOpportunity) OccurredAt() time.Time { return e.DetectedAt }

// BasisContract is one futures contract tracked by the basis detector.
type BasisContract struct {
	Venue           string          `json:"venue"`
	Symbol          string          `json:"symbol"`
	BaseAsset       string          `json:"base_asset"`
	QuoteAsset      string          `json:"quote_asset"`
	ContractType    ContractType    `json:"contract_type"`
	ExpiryDate      *time.Time      `json:"expiry_date,omitempty"` // nil for perpetuals
	MarkPrice       decimal.Decimal `json:"mark_price"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	BasisPct        float64         `json:"basis_pct"`
	BasisAnnualized float64         `json:"basis_annualized_pct"`
	OpenInterest    decimal.Decimal `json:"open_interest"`
	Volume24h       decimal.Decimal `json:"volume_24h"`
	FundingRate     *float64        `json:"funding_rate,omitempty"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// DaysToExpiry returns the remaining contract life in days, zero for
// perpetuals.
func (c BasisContract) DaysToExpiry(now time.Time) float64 {
	if c.ExpiryDate == nil {
		return 0
	}
	d := c.ExpiryDate.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}

// BasisOpportunity is a futures/spot dislocation worth trading.
type BasisOpportunity struct {
	ID               string            `json:"id"`
	Contract         BasisContract     `json:"contract"`
	SpotPrice        decimal.Decimal   `json:"spot_price"`
	SpotVenue        string            `json:"spot_venue"`
	BasisPct         float64           `json:"basis_pct"`
	BasisAnnualized  float64           `json:"basis_annualized_pct"`
	NetOpportunity   float64           `json:"net_opportunity_pct"` // |annualized| - risk-free
	MarketStructure  MarketStructure   `json:"market_structure"`
	BuySide          string            `json:"buy_side"`  // "spot" or "futures"
	SellSide         string            `json:"sell_side"`
	Confidence       float64           `json:"confidence"`
	Status           OpportunityStatus `json:"status"`
	DetectedAt       time.Time         `json:"detected_at"`
	LastRefreshed    time.Time         `json:"last_refreshed"`
}

func (e BasisOpportunity) EventID() string       { return e.ID }
func (e BasisOpportunity) EventKind() Kind       { return KindBasis }
func (e BasisOpportunity) OccurredAt() time.Time { return e.DetectedAt }

// CalendarSpreadOpportunity is a dislocation between two expiries of the
// same underlying on one venue.
type CalendarSpreadOpportunity struct {
	ID               string            `json:"id"`
	Venue            string            `json:"venue"`
	Asset            string            `json:"asset"`
	NearContract     BasisContract     `json:"near_contract"`
	FarContract      BasisContract     `json:"far_contract"`
	SpreadPct        float64           `json:"spread_pct"`
	SpreadAnnualized float64           `json:"spread_annualized_pct"`
	Confidence       float64           `json:"confidence"`
	Status           OpportunityStatus `json:"status"`
	DetectedAt       time.Time         `json:"detected_at"`
	LastRefreshed    time.Time         `json:"last_refreshed"`
}

func (e CalendarSpreadOpportunity) EventID() string       { return e.ID }
func (e CalendarSpreadOpportunity) EventKind() Kind       { return KindCalendarSpread }
func (e CalendarSpreadOpportunity) OccurredAt() time.Time { return e.DetectedAt }

// TransactionCosts itemizes the fee stack of a cross-venue round trip.
// Amounts are USD.
type TransactionCosts struct {
	BuyFee        decimal.Decimal `json:"buy_fee"`
	SellFee       decimal.Decimal `json:"sell_fee"`
	WithdrawalFee decimal.Decimal `json:"withdrawal_fee"`
	DepositFee    decimal.Decimal `json:"deposit_fee"`
	NetworkFee    decimal.Decimal `json:"network_fee"`
	Total         decimal.Decimal `json:"total"`
}

// Sum recomputes Total from the parts.
func (c TransactionCosts) Sum() decimal.Decimal {
	return c.BuyFee.Add(c.SellFee).Add(c.WithdrawalFee).Add(c.DepositFee).Add(c.NetworkFee)
}

// RiskFactors scores the execution risks of an arbitrage leg pair, each
// in [0,1].
type RiskFactors struct {
	PriceMovement float64 `json:"price_movement"`
	Liquidity     float64 `json:"liquidity"`
	Execution     float64 `json:"execution"`
	Counterparty  float64 `json:"counterparty"`
	Overall       float64 `json:"overall"`
}

// ArbitrageOpportunity is a priced cross-venue discrepancy, CEX or DEX.
type ArbitrageOpportunity struct {
	ID              string            `json:"id"`
	Asset           string            `json:"asset"`
	BuyVenue        string            `json:"buy_venue"`
	SellVenue       string            `json:"sell_venue"`
	BuyPrice        decimal.Decimal   `json:"buy_price"`
	SellPrice       decimal.Decimal   `json:"sell_price"`
	DiffPct         float64           `json:"diff_pct"`
	MaxTradeSize    decimal.Decimal   `json:"max_trade_size"` // USD
	Costs           TransactionCosts  `json:"costs"`
	NetProfit       decimal.Decimal   `json:"net_profit"` // USD at max size
	NetProfitPct    float64           `json:"net_profit_pct"`
	ExecutionTime   time.Duration     `json:"execution_time_ms"`
	Risk            RiskFactors       `json:"risk"`
	Confidence      float64           `json:"confidence"`
	OnChain         bool              `json:"on_chain"` // DEX leg involved
	Status          OpportunityStatus `json:"status"`
	DetectedAt      time.Time         `json:"detected_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

func (e ArbitrageOpportunity) EventID() string       { return e.ID }
func (e ArbitrageOpportunity) EventKind() Kind       { return KindArbitrage }
func (e ArbitrageOpportunity) OccurredAt() time.Time { return e.DetectedAt }
