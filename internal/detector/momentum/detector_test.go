package momentum

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/window"
)

var momStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeCorrelations struct {
	list      []domain.CoinCorrelation
	recompute []string
}

func (f *fakeCorrelations) All() []domain.CoinCorrelation { return f.list }

func (f *fakeCorrelations) RequestRecompute(altcoin string, _ time.Time) {
	f.recompute = append(f.recompute, altcoin)
}

func feedBTC(windows *window.Manager, sim *clock.SimScheduler, prices []float64, step time.Duration) {
	ts := momStart
	for _, p := range prices {
		windows.Append(domain.PriceTick{
			Venue:     "kraken",
			Symbol:    "BTC",
			Price:     decimal.NewFromFloat(p),
			Volume24h: decimal.NewFromFloat(25_000_000_000),
			Timestamp: ts,
		})
		ts = ts.Add(step)
	}
	sim.AdvanceTo(ts)
}

func rampPrices(n int, start, totalPct float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start * (1 + totalPct/100*float64(i)/float64(n-1))
	}
	return out
}

func newDetector(t *testing.T, corr *fakeCorrelations) (*Detector, *clock.SimScheduler, *window.Manager, func() []domain.Event) {
	t.Helper()
	sim := clock.NewSim(momStart)
	windows := window.NewManager(window.DefaultConfig(), sim, zerolog.Nop())

	var emitted []domain.Event
	d := New(DefaultConfig(), sim, windows, corr, func(e domain.Event) { emitted = append(emitted, e) }, zerolog.Nop())
	return d, sim, windows, func() []domain.Event { return emitted }
}

func movements(events []domain.Event) []domain.BitcoinMovement {
	var out []domain.BitcoinMovement
	for _, e := range events {
		if m, ok := e.(domain.BitcoinMovement); ok {
			out = append(out, m)
		}
	}
	return out
}

func transfers(events []domain.Event) []domain.MomentumTransferOpportunity {
	var out []domain.MomentumTransferOpportunity
	for _, e := range events {
		if o, ok := e.(domain.MomentumTransferOpportunity); ok {
			out = append(out, o)
		}
	}
	return out
}

func TestNoMovementBelowThreshold(t *testing.T) {
	d, sim, windows, emitted := newDetector(t, &fakeCorrelations{})
	feedBTC(windows, sim, rampPrices(30, 50_000, 0.5), 10*time.Second)

	d.Scan(sim.Now())
	assert.Empty(t, emitted())
}

func TestSignificantMovementEmitsTransfer(t *testing.T) {
	corr := &fakeCorrelations{list: []domain.CoinCorrelation{{
		Altcoin:     "ETH",
		Coefficient: 0.9,
		AvgDelay:    5 * time.Minute,
		Confidence:  1.0,
	}}}
	d, sim, windows, emitted := newDetector(t, corr)

	// 3.5% climb inside five minutes.
	feedBTC(windows, sim, rampPrices(31, 50_000, 3.5), 10*time.Second)
	d.Scan(sim.Now())

	moves := movements(emitted())
	require.NotEmpty(t, moves)
	m := moves[0]
	assert.True(t, m.Significant)
	assert.Equal(t, domain.DirectionUp, m.Direction)
	assert.InDelta(t, 3.5, m.MagnitudePct, 0.3)

	opps := transfers(emitted())
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, "ETH", opp.Altcoin)
	assert.Equal(t, m.ID, opp.MovementID)
	assert.InDelta(t, m.MagnitudePct*0.9, opp.ExpectedMagnitude, 0.01)
	assert.Equal(t, sim.Now().Add(time.Minute), opp.OptimalEntryTime)
	assert.Equal(t, sim.Now().Add(6*time.Minute), opp.OptimalExitTime)
	assert.Contains(t, corr.recompute, "ETH")
}

func TestWeaklyCorrelatedAltcoinSkipped(t *testing.T) {
	corr := &fakeCorrelations{list: []domain.CoinCorrelation{{
		Altcoin:     "DOGE",
		Coefficient: 0.3,
		AvgDelay:    5 * time.Minute,
		Confidence:  1.0,
	}}}
	d, sim, windows, emitted := newDetector(t, corr)

	feedBTC(windows, sim, rampPrices(31, 50_000, 4.0), 10*time.Second)
	d.Scan(sim.Now())

	assert.Empty(t, transfers(emitted()))
	// Recompute is still requested so the pair refreshes on the move.
	assert.Contains(t, corr.recompute, "DOGE")
}

func TestOpenMovementNotReemittedUntilReset(t *testing.T) {
	d, sim, windows, emitted := newDetector(t, &fakeCorrelations{})

	feedBTC(windows, sim, rampPrices(31, 50_000, 2.0), 10*time.Second)
	d.Scan(sim.Now())
	first := len(movements(emitted()))
	require.Greater(t, first, 0)

	// Same swing on the next cadence: no duplicate.
	d.Scan(sim.Now().Add(30 * time.Second))
	assert.Equal(t, first, len(movements(emitted())))
}

func TestDownMovementDirection(t *testing.T) {
	d, sim, windows, emitted := newDetector(t, &fakeCorrelations{})

	feedBTC(windows, sim, rampPrices(31, 50_000, -2.5), 10*time.Second)
	d.Scan(sim.Now())

	moves := movements(emitted())
	require.NotEmpty(t, moves)
	assert.Equal(t, domain.DirectionDown, moves[0].Direction)
	assert.Less(t, moves[0].MagnitudePct, 0.0)
}
