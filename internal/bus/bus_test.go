package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
)

var busStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func tick(venue, symbol string, price float64, ts time.Time) domain.PriceTick {
	return domain.PriceTick{
		Venue:     venue,
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Timestamp: ts,
	}
}

func recv(t *testing.T, ch <-chan domain.PriceTick) domain.PriceTick {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return domain.PriceTick{}
	}
}

func TestBusFanoutRespectsFilters(t *testing.T) {
	sim := clock.NewSim(busStart)
	b := New(DefaultConfig(), sim, zerolog.Nop())
	defer b.Close()

	all := b.SubscribeTicks("all", Filter{})
	usdt := b.SubscribeTicks("usdt-only", Filter{Symbol: "USDT"})
	kraken := b.SubscribeTicks("kraken-only", Filter{Venue: "kraken"})

	require.NoError(t, b.PublishTick(tick("binance", "USDT", 0.999, busStart.Add(time.Second))))
	require.NoError(t, b.PublishTick(tick("kraken", "BTC", 50000, busStart.Add(time.Second))))

	got := recv(t, all.C)
	assert.Equal(t, "USDT", got.Symbol)
	got = recv(t, all.C)
	assert.Equal(t, "BTC", got.Symbol)

	got = recv(t, usdt.C)
	assert.Equal(t, "binance", got.Venue)

	got = recv(t, kraken.C)
	assert.Equal(t, "BTC", got.Symbol)
}

func TestBusSuppressesDuplicateWithinWindow(t *testing.T) {
	sim := clock.NewSim(busStart)
	b := New(DefaultConfig(), sim, zerolog.Nop())
	defer b.Close()

	sub := b.SubscribeTicks("dup", Filter{})

	ts := busStart.Add(time.Second)
	require.NoError(t, b.PublishTick(tick("binance", "USDT", 0.999, ts)))
	require.NoError(t, b.PublishTick(tick("binance", "USDT", 0.999, ts)))

	recv(t, sub.C)
	select {
	case extra := <-sub.C:
		t.Fatalf("duplicate tick delivered: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), b.Stats().DupSuppressed)
}

func TestBusDropsOutOfOrderTicks(t *testing.T) {
	sim := clock.NewSim(busStart)
	b := New(DefaultConfig(), sim, zerolog.Nop())
	defer b.Close()

	sub := b.SubscribeTicks("order", Filter{})

	require.NoError(t, b.PublishTick(tick("kraken", "BTC", 50000, busStart.Add(2*time.Second))))
	require.NoError(t, b.PublishTick(tick("kraken", "BTC", 49990, busStart.Add(1*time.Second))))

	got := recv(t, sub.C)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, uint64(1), b.Stats().OutOfOrder)
}

func TestBusNewestWinsOnOverflow(t *testing.T) {
	sim := clock.NewSim(busStart)
	cfg := DefaultConfig()
	cfg.TickQueue = 2
	b := New(cfg, sim, zerolog.Nop())
	defer b.Close()

	sub := b.SubscribeTicks("slow", Filter{})

	// Nobody reads while four ticks arrive; queue cap is 2 and the
	// forwarder may hold one more in flight.
	for i := 1; i <= 4; i++ {
		require.NoError(t, b.PublishTick(tick("kraken", "BTC", float64(100+i), busStart.Add(time.Duration(i)*time.Second))))
	}

	var got []int64
	for len(got) < 3 {
		select {
		case v := <-sub.C:
			got = append(got, v.Price.IntPart())
		case <-time.After(100 * time.Millisecond):
			// drained
			goto done
		}
	}
done:
	require.NotEmpty(t, got)
	assert.Equal(t, int64(104), got[len(got)-1], "newest tick must survive, got %v", got)
	// Order preserved among survivors.
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestBusBookCoalescing(t *testing.T) {
	sim := clock.NewSim(busStart)
	b := New(DefaultConfig(), sim, zerolog.Nop())
	defer b.Close()

	sub := b.SubscribeBooks("books", Filter{})

	mk := func(price float64, ts time.Time) domain.OrderBook {
		return domain.NewOrderBook("kraken", "USDT/USD",
			[]domain.BookLevel{{Price: decimal.NewFromFloat(price), Qty: decimal.NewFromInt(1000)}},
			[]domain.BookLevel{{Price: decimal.NewFromFloat(price + 0.0002), Qty: decimal.NewFromInt(1000)}},
			ts)
	}

	// Publish three snapshots before the consumer reads; only the last
	// must be observable once delivery catches up.
	require.NoError(t, b.PublishBook(mk(0.9990, busStart.Add(1*time.Second))))
	require.NoError(t, b.PublishBook(mk(0.9991, busStart.Add(2*time.Second))))
	require.NoError(t, b.PublishBook(mk(0.9992, busStart.Add(3*time.Second))))

	var last domain.OrderBook
	deadline := time.After(2 * time.Second)
	for {
		select {
		case book, ok := <-sub.C:
			require.True(t, ok)
			last = book
			if last.BestBid.Equal(decimal.NewFromFloat(0.9992)) {
				return // newest snapshot arrived
			}
		case <-deadline:
			t.Fatalf("never saw newest snapshot, last %s", last.BestBid)
		}
	}
}

func TestBusRejectsInvalid(t *testing.T) {
	sim := clock.NewSim(busStart)
	b := New(DefaultConfig(), sim, zerolog.Nop())
	defer b.Close()

	err := b.PublishTick(domain.PriceTick{Venue: "kraken", Symbol: "BTC", Timestamp: busStart})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), b.Stats().Invalid)
}

func TestBusCloseCancelsSubscriptions(t *testing.T) {
	sim := clock.NewSim(busStart)
	b := New(DefaultConfig(), sim, zerolog.Nop())

	sub := b.SubscribeTicks("closing", Filter{})
	b.Close()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}

	assert.ErrorIs(t, b.PublishTick(tick("kraken", "BTC", 50000, busStart.Add(time.Second))), ErrBusClosed)
}
