package classifier

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/domain"
)

// candidateProfile is the common shape every event kind reduces to
// before scoring.
type candidateProfile struct {
	asset             string
	expectedProfitPct float64
	liquidityScore    float64 // [0,100]
	liquidityUSD      float64
	estReversion      time.Duration
	severity          float64 // [0,1]
	confidence        float64
	priorSuccess      float64
	conditions        domain.MarketConditions
	venueTicks        []domain.PriceTick
	fairValue         decimal.Decimal
	entryPrice        decimal.Decimal
	exitPrice         decimal.Decimal
	direction         domain.Direction
	buying            bool
}

func (p candidateProfile) volatility(scale float64) float64 {
	return clamp01(p.conditions.Volatility * scale)
}

// profile reduces an event to scoring inputs. Unknown kinds are a
// validation error.
func (c *Classifier) profile(event domain.Event, now time.Time) (candidateProfile, error) {
	switch e := event.(type) {
	case domain.DepegEvent:
		return c.depegProfile(e), nil
	case domain.MomentumTransferOpportunity:
		return c.transferProfile(e, now), nil
	case domain.CorrelationBreakdownEvent:
		return c.breakdownProfile(e, now), nil
	case domain.BasisOpportunity:
		return c.basisProfile(e, now), nil
	case domain.CalendarSpreadOpportunity:
		return c.calendarProfile(e, now), nil
	case domain.ArbitrageOpportunity:
		return c.arbProfile(e), nil
	default:
		return candidateProfile{}, fmt.Errorf("classifier: %w: unsupported event kind %q",
			domain.ErrValidation, event.EventKind())
	}
}

func (c *Classifier) depegProfile(e domain.DepegEvent) candidateProfile {
	var liqUSD float64
	for _, t := range e.VenueTicks {
		l, _ := t.Liquidity.Float64()
		liqUSD += l
	}
	return candidateProfile{
		asset:             e.Stablecoin,
		expectedProfitPct: e.Magnitude * 100, // full reversion to peg
		liquidityScore:    e.LiquidityScore * 100,
		liquidityUSD:      liqUSD,
		estReversion:      e.EstimatedReversion,
		severity:          float64(e.Severity.Rank()) / 4,
		confidence:        clamp01(0.5*e.LiquidityScore + 0.5*math.Min(1, float64(len(e.VenueTicks))/4)),
		priorSuccess:      0.7, // stablecoins usually find their peg
		conditions:        e.MarketConditions,
		venueTicks:        e.VenueTicks,
		fairValue:         e.PegValue,
		entryPrice:        e.AvgPrice,
		exitPrice:         e.PegValue,
		direction:         e.Direction,
		buying:            e.Direction == domain.DirectionDiscount,
	}
}

func (c *Classifier) transferProfile(e domain.MomentumTransferOpportunity, now time.Time) candidateProfile {
	p := candidateProfile{
		asset:             e.Altcoin,
		expectedProfitPct: math.Abs(e.ExpectedMagnitude),
		estReversion:      e.OptimalExitTime.Sub(now),
		severity:          clamp01(math.Abs(e.ExpectedMagnitude) / 10),
		confidence:        e.Confidence,
		priorSuccess:      0.55,
		direction:         e.Direction,
		buying:            e.Direction == domain.DirectionUp,
	}
	c.fillFromWindows(&p)
	if !p.entryPrice.IsZero() {
		move := decimal.NewFromFloat(1 + e.ExpectedMagnitude/100)
		p.exitPrice = p.entryPrice.Mul(move)
	}
	return p
}

func (c *Classifier) breakdownProfile(e domain.CorrelationBreakdownEvent, now time.Time) candidateProfile {
	asset := e.Pair
	if i := strings.IndexByte(e.Pair, '/'); i > 0 {
		asset = e.Pair[:i]
	}
	p := candidateProfile{
		asset:             asset,
		expectedProfitPct: e.Deviation * c.cfg.BreakdownProfitScale,
		estReversion:      e.ExpectedReversion,
		severity:          clamp01(e.Deviation),
		confidence:        e.Confidence,
		priorSuccess:      0.5, // breakdowns revert or regime-shift about evenly
	}
	c.fillFromWindows(&p)
	return p
}

func (c *Classifier) basisProfile(e domain.BasisOpportunity, now time.Time) candidateProfile {
	// Carry to expiry captures the raw basis; perpetuals are priced over
	// a nominal holding window.
	profit := math.Abs(e.BasisPct)
	est := c.cfg.ReversionHorizon
	if e.Contract.ExpiryDate != nil {
		est = e.Contract.ExpiryDate.Sub(now)
	} else {
		profit = e.NetOpportunity * c.cfg.PerpHorizonDays / 365
		est = time.Duration(c.cfg.PerpHorizonDays) * 24 * time.Hour
	}
	oi, _ := e.Contract.OpenInterest.Float64()
	return candidateProfile{
		asset:             e.Contract.BaseAsset,
		expectedProfitPct: profit,
		liquidityScore:    math.Min(1, oi/c.cfg.LiqSaturationUSD) * 100,
		liquidityUSD:      oi,
		estReversion:      est,
		severity:          0.2, // hedged carry
		confidence:        e.Confidence,
		priorSuccess:      0.8,
		entryPrice:        e.SpotPrice,
		exitPrice:         e.Contract.MarkPrice,
		buying:            e.BuySide == "spot",
	}
}

func (c *Classifier) calendarProfile(e domain.CalendarSpreadOpportunity, now time.Time) candidateProfile {
	nearOI, _ := e.NearContract.OpenInterest.Float64()
	farOI, _ := e.FarContract.OpenInterest.Float64()
	oi := math.Min(nearOI, farOI)
	est := c.cfg.ReversionHorizon
	if e.NearContract.ExpiryDate != nil {
		est = e.NearContract.ExpiryDate.Sub(now)
	}
	return candidateProfile{
		asset:             e.Asset,
		expectedProfitPct: math.Abs(e.SpreadPct),
		liquidityScore:    math.Min(1, oi/c.cfg.LiqSaturationUSD) * 100,
		liquidityUSD:      oi,
		estReversion:      est,
		severity:          0.2,
		confidence:        e.Confidence,
		priorSuccess:      0.75,
		entryPrice:        e.NearContract.MarkPrice,
		exitPrice:         e.FarContract.MarkPrice,
		buying:            true,
	}
}

func (c *Classifier) arbProfile(e domain.ArbitrageOpportunity) candidateProfile {
	size, _ := e.MaxTradeSize.Float64()
	// MaxTradeSize is half the thinner leg.
	minLeg := size * 2
	return candidateProfile{
		asset:             e.Asset,
		expectedProfitPct: e.NetProfitPct,
		liquidityScore:    math.Min(1, minLeg/c.cfg.LiqSaturationUSD) * 100,
		liquidityUSD:      minLeg,
		estReversion:      e.ExecutionTime,
		severity:          e.Risk.Overall,
		confidence:        e.Confidence,
		priorSuccess:      0.65,
		entryPrice:        e.BuyPrice,
		exitPrice:         e.SellPrice,
		buying:            true,
	}
}

// fillFromWindows backfills venue ticks, liquidity, entry price, and
// volatility for events that do not carry their own quotes.
func (c *Classifier) fillFromWindows(p *candidateProfile) {
	if c.windows == nil || p.asset == "" {
		return
	}
	latest := c.windows.LatestBySymbol(p.asset)
	if len(latest) == 0 {
		return
	}

	var liqUSD float64
	var best struct {
		venue string
		ts    time.Time
	}
	for venue, s := range latest {
		l, _ := s.Liquidity.Float64()
		liqUSD += l
		p.venueTicks = append(p.venueTicks, domain.PriceTick{
			Venue:     venue,
			Symbol:    p.asset,
			Price:     s.Price,
			Liquidity: s.Liquidity,
			Timestamp: s.TS,
		})
		if s.TS.After(best.ts) {
			best.venue, best.ts = venue, s.TS
			p.entryPrice = s.Price
		}
	}
	p.liquidityUSD = liqUSD
	p.liquidityScore = math.Min(1, liqUSD/c.cfg.LiqSaturationUSD) * 100
	p.fairValue = p.entryPrice
	p.conditions.VenuesReporting = len(latest)

	if ring, ok := c.windows.Ring(p.asset, best.venue); ok {
		if rets, err := ring.Returns(20); err == nil {
			p.conditions.Volatility = sampleStddev(rets)
		}
	}
}

func sampleStddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
