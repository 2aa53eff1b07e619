package recorder

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/domain"
)

var statsNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// sumFamilies flattens gathered metric families into name -> summed value.
func sumFamilies(families []*dto.MetricFamily) map[string]float64 {
	byName := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.Counter != nil:
				byName[mf.GetName()] += m.Counter.GetValue()
			case m.Gauge != nil:
				byName[mf.GetName()] += m.Gauge.GetValue()
			}
		}
	}
	return byName
}

func closedTrade(status domain.TradeStatus, pnl float64) domain.Trade {
	p := decimal.NewFromFloat(pnl)
	entry := statsNow.Add(-time.Hour)
	exit := statsNow
	return domain.Trade{
		ID:        "t-" + string(status),
		Status:    status,
		PnL:       &p,
		EntryTime: &entry,
		ExitTime:  &exit,
	}
}

func TestSnapshotSumsOutcomes(t *testing.T) {
	r := New(zerolog.Nop())

	r.RecordDetection("depeg")
	r.RecordDetection("depeg")
	r.RecordDetection("arb")
	r.RecordExpiration("arb")
	r.RecordClassification("depeg", domain.OpportunityClassification{EventKind: domain.KindDepeg})
	r.RecordPlan("depeg", true)
	r.RecordPlan("depeg", false)

	r.RecordEntry("depeg")
	r.RecordEntry("depeg")
	r.RecordEntry("depeg")
	snap := r.Snapshot(statsNow)
	assert.Equal(t, int64(3), snap.OpenTrades)

	r.RecordOutcome("depeg", closedTrade(domain.TradeExited, 120.50))
	r.RecordOutcome("depeg", closedTrade(domain.TradeExited, -30.25))
	r.RecordOutcome("depeg", closedTrade(domain.TradeFailed, 0))

	snap = r.Snapshot(statsNow)
	assert.Equal(t, int64(0), snap.OpenTrades)
	assert.True(t, snap.TotalPnL.Equal(decimal.NewFromFloat(90.25)), snap.TotalPnL.String())

	dep := snap.Detectors["depeg"]
	assert.Equal(t, int64(2), dep.Detections)
	assert.Equal(t, int64(1), dep.Classifications)
	assert.Equal(t, int64(1), snap.Detectors["arb"].Expirations)

	st := snap.Strategies["depeg"]
	assert.Equal(t, int64(1), st.PlansBuilt)
	assert.Equal(t, int64(1), st.PlansRejected)
	assert.Equal(t, int64(3), st.TradesEntered)
	assert.Equal(t, int64(2), st.TradesExited)
	assert.Equal(t, int64(1), st.TradesFailed)
	assert.Equal(t, int64(1), st.Wins)
	assert.InDelta(t, 1.0/3.0, st.SuccessRate, 1e-9)
	assert.True(t, st.AvgPnL.Equal(decimal.NewFromFloat(30.08)), st.AvgPnL.String())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(zerolog.Nop())
	r.RecordDetection("basis")

	snap := r.Snapshot(statsNow)
	d := snap.Detectors["basis"]
	d.Detections = 99
	snap.Detectors["basis"] = d

	assert.Equal(t, int64(1), r.Snapshot(statsNow).Detectors["basis"].Detections)
}

func TestNonTerminalOutcomeIgnored(t *testing.T) {
	r := New(zerolog.Nop())
	r.RecordEntry("depeg")

	r.RecordOutcome("depeg", domain.Trade{ID: "t-live", Status: domain.TradeEntered})

	snap := r.Snapshot(statsNow)
	assert.Equal(t, int64(1), snap.OpenTrades)
	assert.Zero(t, snap.Strategies["depeg"].TradesExited)
}

func TestPrometheusMirrors(t *testing.T) {
	r := New(zerolog.Nop())
	r.RecordDetection("depeg")
	r.RecordEntry("depeg")
	r.RecordOutcome("depeg", closedTrade(domain.TradeExited, 50))

	families, err := r.Registry().Gather()
	require.NoError(t, err)

	byName := sumFamilies(families)
	assert.Equal(t, 1.0, byName["driftline_detections_total"])
	assert.Equal(t, 1.0, byName["driftline_trades_total"])
	assert.Equal(t, 50.0, byName["driftline_pnl_usd"])
	assert.Equal(t, 0.0, byName["driftline_open_trades"])
}
