// Package ports declares the contracts the engine requires from the
// outside world. Implementations live in internal/adapters; the core
// never imports them.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/domain"
)

var (
	// ErrNoHistory means the history store has no matching records.
	ErrNoHistory = errors.New("no matching history")

	// ErrVenueUnknown means the venue is not configured on the client.
	ErrVenueUnknown = errors.New("venue unknown")

	// ErrOrderRejected means the venue refused the order outright.
	ErrOrderRejected = errors.New("order rejected")
)

// FeedFilter narrows a subscription.
type FeedFilter struct {
	Symbols []string
	Venues  []string
}

// FeedSource is the inbound market-data half of an exchange client.
// Channels close when ctx is cancelled or the source shuts down.
type FeedSource interface {
	SubscribePrices(ctx context.Context, f FeedFilter) (<-chan domain.PriceTick, error)
	SubscribeOrderBooks(ctx context.Context, f FeedFilter) (<-chan domain.OrderBook, error)
}

// ContractSource streams futures contract snapshots for the basis
// detector. Optional; venues without derivatives simply don't provide
// one.
type ContractSource interface {
	SubscribeContracts(ctx context.Context, f FeedFilter) (<-chan domain.BasisContract, error)
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderRequest asks a venue to work size into the market.
type OrderRequest struct {
	Venue      string
	Pair       string
	Side       Side
	SizeUSD    decimal.Decimal
	Type       domain.OrderMethod
	LimitPrice *decimal.Decimal
}

// OrderResult reports what actually happened.
type OrderResult struct {
	OrderID     string
	FilledUSD   decimal.Decimal
	AvgPrice    decimal.Decimal
	FeesUSD     decimal.Decimal
	Completed   bool
	SubmittedAt time.Time
}

// TransferRequest moves an asset between venues.
type TransferRequest struct {
	Venue  string
	Asset  string
	Amount decimal.Decimal
	To     string
}

// TransferResult reports a withdrawal or deposit.
type TransferResult struct {
	TransferID string
	FeeUSD     decimal.Decimal
	ETA        time.Duration
}

// OrderExecutor is the outbound trading half of an exchange client.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, venue, orderID string) error
	Withdraw(ctx context.Context, req TransferRequest) (TransferResult, error)
	Deposit(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// VenueFees is the per-venue fee schedule for one asset.
type VenueFees struct {
	TradingPct    float64         // taker fee as a percent
	WithdrawalUSD decimal.Decimal // flat
	DepositUSD    decimal.Decimal
	NetworkUSD    decimal.Decimal
}

// TransferTimes are the expected latencies of moving funds on a venue.
type TransferTimes struct {
	Withdrawal time.Duration
	Deposit    time.Duration
	Trading    time.Duration
}

// VenueInfo answers fee and latency lookups.
type VenueInfo interface {
	Fees(ctx context.Context, venue, asset string) (VenueFees, error)
	TransferTimes(ctx context.Context, venue, asset string) (TransferTimes, error)
}

// ExchangeClient is the full exchange-facing contract.
type ExchangeClient interface {
	FeedSource
	OrderExecutor
	VenueInfo
}

// FlashLoanParams describes a borrow-execute-repay cycle.
type FlashLoanParams struct {
	Provider string
	Asset    string
	Amount   decimal.Decimal
}

// FlashLoanCallback receives the borrowed amount and must return the
// post-arbitrage balance; the provider reverts when the balance cannot
// repay principal plus fee.
type FlashLoanCallback func(ctx context.Context, borrowed decimal.Decimal) (decimal.Decimal, error)

// FlashLoanResult reports an executed loan cycle.
type FlashLoanResult struct {
	ProfitUSD decimal.Decimal
	FeeUSD    decimal.Decimal
	TxRef     string
}

// FlashLoanProvider is the optional borrowed-capital port.
type FlashLoanProvider interface {
	BestProvider(ctx context.Context, asset string) (string, error)
	CalculateFee(ctx context.Context, provider, asset string, amount decimal.Decimal) (decimal.Decimal, error)
	Simulate(ctx context.Context, params FlashLoanParams) (bool, error)
	Execute(ctx context.Context, params FlashLoanParams, cb FlashLoanCallback) (FlashLoanResult, error)
}

// MagnitudeRange filters history queries by deviation size.
type MagnitudeRange struct {
	Min float64
	Max float64
}

// Contains reports whether m falls inside the range.
func (r MagnitudeRange) Contains(m float64) bool {
	return m >= r.Min && (r.Max == 0 || m <= r.Max)
}

// DepegHistory stores resolved depeg events and answers similarity
// queries that calibrate reversion estimates.
type DepegHistory interface {
	Record(ctx context.Context, event domain.DepegEvent) error
	RecentSimilar(ctx context.Context, event domain.DepegEvent, k int) ([]domain.DepegEvent, error)
	MedianReversionTime(ctx context.Context, asset string, r MagnitudeRange) (time.Duration, error)
	SuccessRate(ctx context.Context, asset string, r MagnitudeRange) (float64, error)
}

// CorrelationHistory seeds correlations at startup and persists refreshed
// ones.
type CorrelationHistory interface {
	Seed(ctx context.Context, reference string) ([]domain.CoinCorrelation, error)
	Persist(ctx context.Context, reference string, correlations []domain.CoinCorrelation) error
}

// HealthChecker is implemented by adapters that can probe their backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
