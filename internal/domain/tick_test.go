package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func level(price, qty float64) BookLevel {
	return BookLevel{Price: decimal.NewFromFloat(price), Qty: decimal.NewFromFloat(qty)}
}

func TestNewOrderBookDerivesCumulatives(t *testing.T) {
	book := NewOrderBook("kraken", "USDT/USD",
		[]BookLevel{level(0.9995, 100000), level(0.9990, 50000)},
		[]BookLevel{level(0.9997, 80000), level(1.0002, 120000)},
		time.Now(),
	)

	require.NoError(t, book.Validate())
	assert.True(t, book.BestBid.Equal(decimal.NewFromFloat(0.9995)))
	assert.True(t, book.BestAsk.Equal(decimal.NewFromFloat(0.9997)))
	assert.True(t, book.Bids[1].CumulativeQty.Equal(decimal.NewFromInt(150000)))

	wantVal := decimal.NewFromFloat(0.9995).Mul(decimal.NewFromInt(100000)).
		Add(decimal.NewFromFloat(0.9990).Mul(decimal.NewFromInt(50000)))
	assert.True(t, book.Bids[1].CumulativeValue.Equal(wantVal),
		"cumulative value got %s want %s", book.Bids[1].CumulativeValue, wantVal)
	assert.True(t, book.Spread.Equal(decimal.NewFromFloat(0.0002)))
}

func TestOrderBookValidateRejectsCrossed(t *testing.T) {
	book := NewOrderBook("kraken", "USDT/USD",
		[]BookLevel{level(1.0005, 1000)},
		[]BookLevel{level(0.9990, 1000)},
		time.Now(),
	)
	assert.Error(t, book.Validate())
}

func TestPriceTickValidate(t *testing.T) {
	tick := PriceTick{
		Venue:     "binance",
		Symbol:    "USDT",
		Price:     decimal.NewFromFloat(0.9992),
		Timestamp: time.Now(),
	}
	assert.NoError(t, tick.Validate())

	tick.Price = decimal.Zero
	assert.Error(t, tick.Validate())

	tick.Price = decimal.NewFromFloat(0.9992)
	tick.Venue = ""
	assert.Error(t, tick.Validate())
}

func TestPriceTickKeyStableAcrossCopies(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	a := PriceTick{Venue: "binance", Symbol: "USDT", Price: decimal.NewFromFloat(0.999), Timestamp: ts}
	b := a
	assert.Equal(t, a.Key(), b.Key())
}

func TestTransactionCostsSum(t *testing.T) {
	costs := TransactionCosts{
		BuyFee:        decimal.NewFromFloat(10),
		SellFee:       decimal.NewFromFloat(10),
		WithdrawalFee: decimal.NewFromFloat(25),
		NetworkFee:    decimal.NewFromFloat(5),
	}
	assert.True(t, costs.Sum().Equal(decimal.NewFromFloat(50)))
}
