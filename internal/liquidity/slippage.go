package liquidity

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
)

// ImpactModel selects how predicted price impact grows with the ratio of
// trade size to available liquidity.
type ImpactModel string

const (
	ImpactLinear      ImpactModel = "linear"
	ImpactSquareRoot  ImpactModel = "square_root"
	ImpactLogarithmic ImpactModel = "logarithmic"
)

// SlippageEstimate is the outcome of walking a book with a given size.
type SlippageEstimate struct {
	Side           ports.Side      `json:"side"`
	RequestedUSD   decimal.Decimal `json:"requested_usd"`
	FilledUSD      decimal.Decimal `json:"filled_usd"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	MarketPrice    decimal.Decimal `json:"market_price"` // best quote at walk start
	VWAP           decimal.Decimal `json:"vwap"`
	SlippagePct    float64         `json:"slippage_pct"` // |vwap-market|/market as a fraction
	PredictedImpact float64        `json:"predicted_impact"` // model-based fraction
	LevelsConsumed int             `json:"levels_consumed"`
	Confidence     float64         `json:"confidence"` // min(1, available/size)
	Shortfall      decimal.Decimal `json:"shortfall_usd,omitempty"`
}

// EstimateSlippage walks the book in the trade direction and reports the
// realized VWAP against the best quote. Zero size yields zero slippage.
// Slippage is non-decreasing in size for a fixed book.
func (a *Analyzer) EstimateSlippage(book domain.OrderBook, side ports.Side, sizeUSD decimal.Decimal) (SlippageEstimate, error) {
	if sizeUSD.IsNegative() {
		return SlippageEstimate{}, fmt.Errorf("slippage %s/%s: %w: negative size", book.Venue, book.Pair, domain.ErrValidation)
	}

	var levels []domain.BookLevel
	var market decimal.Decimal
	var available decimal.Decimal
	switch side {
	case ports.SideBuy:
		levels, market, available = book.Asks, book.BestAsk, book.TotalAskLiq
	case ports.SideSell:
		levels, market, available = book.Bids, book.BestBid, book.TotalBidLiq
	default:
		return SlippageEstimate{}, fmt.Errorf("slippage %s/%s: %w: side %q", book.Venue, book.Pair, domain.ErrValidation, side)
	}

	est := SlippageEstimate{
		Side:         side,
		RequestedUSD: sizeUSD,
		MarketPrice:  market,
		Confidence:   1,
	}
	if sizeUSD.IsZero() {
		est.VWAP = market
		return est, nil
	}
	if len(levels) == 0 || market.IsZero() {
		return est, fmt.Errorf("slippage %s/%s: %w: no %s-side liquidity", book.Venue, book.Pair, domain.ErrInsufficientData, side)
	}

	remaining := sizeUSD
	cost := decimal.Zero
	qty := decimal.Zero
	for _, lvl := range levels {
		if remaining.IsZero() || remaining.IsNegative() {
			break
		}
		levelUSD := lvl.Price.Mul(lvl.Qty)
		take := decimal.Min(remaining, levelUSD)
		if take.IsZero() {
			continue
		}
		cost = cost.Add(take)
		qty = qty.Add(take.Div(lvl.Price))
		remaining = remaining.Sub(take)
		est.LevelsConsumed++
	}

	est.FilledUSD = cost
	est.FilledQty = qty
	if remaining.IsPositive() {
		est.Shortfall = remaining
	}
	if qty.IsPositive() {
		est.VWAP = cost.Div(qty)
		slip, _ := est.VWAP.Sub(market).Abs().Div(market).Float64()
		est.SlippagePct = slip
	}

	availF, _ := available.Float64()
	sizeF, _ := sizeUSD.Float64()
	if sizeF > 0 && availF > 0 {
		est.Confidence = math.Min(1, availF/sizeF)
	} else if availF <= 0 {
		est.Confidence = 0
	}
	est.PredictedImpact = a.PredictImpact(sizeF, availF)
	return est, nil
}

// PredictImpact returns the model-estimated impact fraction for a trade
// of sizeUSD against liquidityUSD of standing depth.
func (a *Analyzer) PredictImpact(sizeUSD, liquidityUSD float64) float64 {
	if sizeUSD <= 0 || liquidityUSD <= 0 {
		return 0
	}
	ratio := sizeUSD / liquidityUSD
	switch a.cfg.ImpactModel {
	case ImpactLinear:
		return a.cfg.ImpactCoeff * ratio
	case ImpactLogarithmic:
		return a.cfg.ImpactCoeff * math.Log1p(ratio)
	default: // square root
		return a.cfg.ImpactCoeff * math.Sqrt(ratio)
	}
}
