package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is a single observed price for a symbol on a venue.
// Ticks are immutable once published.
type PriceTick struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Key returns the dedup key for the tick. Two ticks with the same key
// within the bus suppression window are treated as duplicates.
func (t PriceTick) Key() string {
	return fmt.Sprintf("%s|%s|%d", t.Venue, t.Symbol, t.Timestamp.UnixMilli())
}

// Validate checks structural soundness of a tick before it enters the bus.
func (t PriceTick) Validate() error {
	if t.Venue == "" || t.Symbol == "" {
		return fmt.Errorf("price tick: %w: venue and symbol required", ErrValidation)
	}
	if t.Price.IsNegative() || t.Price.IsZero() {
		return fmt.Errorf("price tick %s/%s: %w: non-positive price", t.Venue, t.Symbol, ErrValidation)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("price tick %s/%s: %w: zero timestamp", t.Venue, t.Symbol, ErrValidation)
	}
	return nil
}

// BookLevel is one price level of an order book side. Cumulative fields
// aggregate from the top of the side outward.
type BookLevel struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	CumulativeQty   decimal.Decimal `json:"cumulative_qty"`
	CumulativeValue decimal.Decimal `json:"cumulative_value"`
}

// OrderBook is a point-in-time depth snapshot for a pair on a venue.
// Bids descend in price, asks ascend; cumulative columns are monotone.
type OrderBook struct {
	Venue        string          `json:"venue"`
	Pair         string          `json:"pair"`
	Bids         []BookLevel     `json:"bids"`
	Asks         []BookLevel     `json:"asks"`
	BestBid      decimal.Decimal `json:"best_bid"`
	BestAsk      decimal.Decimal `json:"best_ask"`
	Spread       decimal.Decimal `json:"spread"`
	SpreadPct    float64         `json:"spread_pct"`
	TotalBidLiq  decimal.Decimal `json:"total_bid_liq"`
	TotalAskLiq  decimal.Decimal `json:"total_ask_liq"`
	Timestamp    time.Time       `json:"timestamp"`
}

// MidPrice returns (bestBid+bestAsk)/2, or zero when either side is empty.
func (b OrderBook) MidPrice() decimal.Decimal {
	if b.BestBid.IsZero() || b.BestAsk.IsZero() {
		return decimal.Zero
	}
	return b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
}

// Validate enforces the book invariants: crossed books and non-monotone
// cumulative columns are rejected at the bus boundary.
func (b OrderBook) Validate() error {
	if b.Venue == "" || b.Pair == "" {
		return fmt.Errorf("order book: %w: venue and pair required", ErrValidation)
	}
	if !b.BestBid.IsZero() && !b.BestAsk.IsZero() && b.BestAsk.LessThan(b.BestBid) {
		return fmt.Errorf("order book %s/%s: %w: crossed book bid=%s ask=%s",
			b.Venue, b.Pair, ErrValidation, b.BestBid, b.BestAsk)
	}
	if err := checkCumulative(b.Bids); err != nil {
		return fmt.Errorf("order book %s/%s bids: %w", b.Venue, b.Pair, err)
	}
	if err := checkCumulative(b.Asks); err != nil {
		return fmt.Errorf("order book %s/%s asks: %w", b.Venue, b.Pair, err)
	}
	return nil
}

func checkCumulative(levels []BookLevel) error {
	for i := 1; i < len(levels); i++ {
		if levels[i].CumulativeQty.LessThan(levels[i-1].CumulativeQty) {
			return fmt.Errorf("%w: cumulative qty decreases at level %d", ErrValidation, i)
		}
		if levels[i].CumulativeValue.LessThan(levels[i-1].CumulativeValue) {
			return fmt.Errorf("%w: cumulative value decreases at level %d", ErrValidation, i)
		}
	}
	return nil
}

// NewOrderBook derives best prices, spread, totals, and cumulative columns
// from raw levels. Raw levels must already be sorted (bids descending,
// asks ascending).
func NewOrderBook(venue, pair string, bids, asks []BookLevel, ts time.Time) OrderBook {
	book := OrderBook{
		Venue:     venue,
		Pair:      pair,
		Bids:      accumulate(bids),
		Asks:      accumulate(asks),
		Timestamp: ts,
	}
	if len(book.Bids) > 0 {
		book.BestBid = book.Bids[0].Price
		book.TotalBidLiq = book.Bids[len(book.Bids)-1].CumulativeValue
	}
	if len(book.Asks) > 0 {
		book.BestAsk = book.Asks[0].Price
		book.TotalAskLiq = book.Asks[len(book.Asks)-1].CumulativeValue
	}
	if !book.BestBid.IsZero() && !book.BestAsk.IsZero() {
		book.Spread = book.BestAsk.Sub(book.BestBid)
		mid := book.MidPrice()
		if !mid.IsZero() {
			book.SpreadPct, _ = book.Spread.Div(mid).Mul(decimal.NewFromInt(100)).Float64()
		}
	}
	return book
}

func accumulate(levels []BookLevel) []BookLevel {
	out := make([]BookLevel, len(levels))
	cumQty := decimal.Zero
	cumVal := decimal.Zero
	for i, lvl := range levels {
		cumQty = cumQty.Add(lvl.Qty)
		cumVal = cumVal.Add(lvl.Qty.Mul(lvl.Price))
		out[i] = BookLevel{
			Price:           lvl.Price,
			Qty:             lvl.Qty,
			CumulativeQty:   cumQty,
			CumulativeValue: cumVal,
		}
	}
	return out
}
