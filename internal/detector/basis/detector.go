// Package basis scans futures contracts for spot/futures basis
// dislocations and calendar spreads between expiries.
package basis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/detector"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/window"
)

// Config tunes the basis scan.
type Config struct {
	ScanInterval           time.Duration `yaml:"scan_interval"`
	RiskFreeRatePct        float64       `yaml:"risk_free_rate_pct"`
	MinBasisOpportunityPct float64       `yaml:"min_basis_opportunity_pct"`
	MinCalendarSpreadPct   float64       `yaml:"min_calendar_spread_pct"`

	// OISaturationUSD is the open interest at which the liquidity leg of
	// confidence saturates.
	OISaturationUSD float64 `yaml:"oi_saturation_usd"`

	// ExpiryBoostDays scales the expiry-proximity factor: a contract
	// ExpiryBoostDays from expiry scores 1.0, farther scores less.
	ExpiryBoostDays  float64 `yaml:"expiry_boost_days"`
	PerpetualBoost   float64 `yaml:"perpetual_boost"`
	MinConfidence    float64 `yaml:"min_confidence"`
	ContractMaxAge   time.Duration `yaml:"contract_max_age"`
}

// DefaultConfig returns the production scan profile.
func DefaultConfig() Config {
	return Config{
		ScanInterval:           30 * time.Second,
		RiskFreeRatePct:        2.0,
		MinBasisOpportunityPct: 5.0,
		MinCalendarSpreadPct:   5.0,
		OISaturationUSD:        10_000_000,
		ExpiryBoostDays:        30,
		PerpetualBoost:         0.8,
		MinConfidence:          0.2,
		ContractMaxAge:         5 * time.Minute,
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	if c.MinBasisOpportunityPct <= 0 || c.MinCalendarSpreadPct <= 0 {
		return fmt.Errorf("basis: %w: opportunity thresholds must be positive", domain.ErrConfig)
	}
	if c.OISaturationUSD <= 0 {
		return fmt.Errorf("basis: %w: oi_saturation_usd must be positive", domain.ErrConfig)
	}
	return nil
}

// Detector tracks the contract universe and maintains basis and calendar
// opportunities, refreshed in place each scan.
type Detector struct {
	cfg   Config
	sched clock.Scheduler
	spot  *window.Manager
	emit  detector.Emit
	log   zerolog.Logger

	mu        sync.Mutex
	contracts map[string]domain.BasisContract            // venue|symbol
	basisOpps map[string]*domain.BasisOpportunity        // venue|symbol
	spreads   map[string]*domain.CalendarSpreadOpportunity // venue|near|far

	task *clock.Task
}

func New(cfg Config, sched clock.Scheduler, spot *window.Manager, emit detector.Emit, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		sched:     sched,
		spot:      spot,
		emit:      emit,
		log:       logger.With().Str("component", "detector.basis").Logger(),
		contracts: make(map[string]domain.BasisContract),
		basisOpps: make(map[string]*domain.BasisOpportunity),
		spreads:   make(map[string]*domain.CalendarSpreadOpportunity),
	}
}

func (d *Detector) Name() string { return "basis" }

func (d *Detector) Start(ctx context.Context) {
	d.task = d.sched.Every(d.cfg.ScanInterval, func(now time.Time) { d.Scan(now) })
}

func (d *Detector) Stop() {
	if d.task != nil {
		d.sched.Cancel(d.task)
	}
}

// UpdateContract ingests a contract snapshot from the contract feed.
func (d *Detector) UpdateContract(c domain.BasisContract) {
	d.mu.Lock()
	d.contracts[c.Venue+"|"+c.Symbol] = c
	d.mu.Unlock()
}

// Active snapshots the open basis opportunities.
func (d *Detector) Active() []domain.BasisOpportunity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.BasisOpportunity, 0, len(d.basisOpps))
	for _, o := range d.basisOpps {
		out = append(out, *o)
	}
	return out
}

// ActiveSpreads snapshots the open calendar spread opportunities.
func (d *Detector) ActiveSpreads() []domain.CalendarSpreadOpportunity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.CalendarSpreadOpportunity, 0, len(d.spreads))
	for _, o := range d.spreads {
		out = append(out, *o)
	}
	return out
}

// Scan re-prices every fresh contract against spot and refreshes the
// opportunity books.
func (d *Detector) Scan(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fresh := d.freshContractsLocked(now)
	for key, c := range fresh {
		d.scanBasisLocked(key, c, now)
	}
	d.scanCalendarsLocked(fresh, now)
	d.expireStaleLocked(fresh, now)
}

func (d *Detector) freshContractsLocked(now time.Time) map[string]domain.BasisContract {
	fresh := make(map[string]domain.BasisContract, len(d.contracts))
	for key, c := range d.contracts {
		if now.Sub(c.LastUpdated) > d.cfg.ContractMaxAge {
			delete(d.contracts, key)
			continue
		}
		if c.ExpiryDate != nil && now.After(*c.ExpiryDate) {
			delete(d.contracts, key)
			continue
		}
		fresh[key] = c
	}
	return fresh
}

func (d *Detector) scanBasisLocked(key string, c domain.BasisContract, now time.Time) {
	spotSample, spotVenue, ok := d.spotPrice(c.BaseAsset)
	if !ok {
		return
	}
	spot, _ := spotSample.Float64()
	mark, _ := c.MarkPrice.Float64()
	if spot <= 0 || mark <= 0 {
		return
	}

	basisPct := (mark - spot) / spot * 100
	annualized := basisPct
	if c.ContractType != domain.ContractPerpetual {
		days := c.DaysToExpiry(now)
		if days <= 0 {
			return
		}
		annualized = basisPct * 365 / days
	}
	net := math.Abs(annualized) - d.cfg.RiskFreeRatePct
	confidence := d.confidence(c, now)

	existing := d.basisOpps[key]
	qualifies := net >= d.cfg.MinBasisOpportunityPct && confidence >= d.cfg.MinConfidence

	if !qualifies {
		if existing != nil {
			d.expireBasisLocked(key, existing, now)
		}
		return
	}

	structure := domain.StructureContango
	buySide, sellSide := "spot", "futures"
	if basisPct < 0 {
		structure = domain.StructureBackwardation
		buySide, sellSide = "futures", "spot"
	}

	if existing != nil {
		existing.Contract = c
		existing.SpotPrice = decimal.NewFromFloat(spot)
		existing.BasisPct = basisPct
		existing.BasisAnnualized = annualized
		existing.NetOpportunity = net
		existing.MarketStructure = structure
		existing.BuySide = buySide
		existing.SellSide = sellSide
		existing.Confidence = confidence
		existing.LastRefreshed = now
		return
	}

	opp := &domain.BasisOpportunity{
		ID:              uuid.NewString(),
		Contract:        c,
		SpotPrice:       decimal.NewFromFloat(spot),
		SpotVenue:       spotVenue,
		BasisPct:        basisPct,
		BasisAnnualized: annualized,
		NetOpportunity:  net,
		MarketStructure: structure,
		BuySide:         buySide,
		SellSide:        sellSide,
		Confidence:      confidence,
		Status:          domain.OpportunityActive,
		DetectedAt:      now,
		LastRefreshed:   now,
	}
	d.basisOpps[key] = opp

	d.log.Info().Str("venue", c.Venue).Str("symbol", c.Symbol).
		Float64("basis_pct", basisPct).Float64("annualized_pct", annualized).
		Str("structure", string(structure)).Msg("basis opportunity")
	d.emit(*opp)
}

// scanCalendarsLocked prices every dated-contract pair per venue/asset.
func (d *Detector) scanCalendarsLocked(fresh map[string]domain.BasisContract, now time.Time) {
	grouped := make(map[string][]domain.BasisContract)
	for _, c := range fresh {
		if c.ContractType == domain.ContractPerpetual || c.ExpiryDate == nil {
			continue
		}
		gk := c.Venue + "|" + c.BaseAsset
		grouped[gk] = append(grouped[gk], c)
	}

	seen := make(map[string]struct{})
	for _, contracts := range grouped {
		sort.Slice(contracts, func(i, j int) bool {
			return contracts[i].ExpiryDate.Before(*contracts[j].ExpiryDate)
		})
		for i := 0; i < len(contracts); i++ {
			for j := i + 1; j < len(contracts); j++ {
				near, far := contracts[i], contracts[j]
				key := near.Venue + "|" + near.Symbol + "|" + far.Symbol
				seen[key] = struct{}{}
				d.scanSpreadLocked(key, near, far, now)
			}
		}
	}

	for key, s := range d.spreads {
		if _, live := seen[key]; !live {
			d.expireSpreadLocked(key, s, now)
		}
	}
}

func (d *Detector) scanSpreadLocked(key string, near, far domain.BasisContract, now time.Time) {
	nearMark, _ := near.MarkPrice.Float64()
	farMark, _ := far.MarkPrice.Float64()
	if nearMark <= 0 || farMark <= 0 {
		return
	}

	spreadPct := (farMark - nearMark) / nearMark * 100
	gapDays := far.ExpiryDate.Sub(*near.ExpiryDate).Hours() / 24
	if gapDays <= 0 {
		return
	}
	annualized := spreadPct * 365 / gapDays
	confidence := math.Min(d.confidence(near, now), d.confidence(far, now))

	existing := d.spreads[key]
	qualifies := math.Abs(annualized) >= d.cfg.MinCalendarSpreadPct && confidence >= d.cfg.MinConfidence

	if !qualifies {
		if existing != nil {
			d.expireSpreadLocked(key, existing, now)
		}
		return
	}

	if existing != nil {
		existing.NearContract = near
		existing.FarContract = far
		existing.SpreadPct = spreadPct
		existing.SpreadAnnualized = annualized
		existing.Confidence = confidence
		existing.LastRefreshed = now
		return
	}

	opp := &domain.CalendarSpreadOpportunity{
		ID:               uuid.NewString(),
		Venue:            near.Venue,
		Asset:            near.BaseAsset,
		NearContract:     near,
		FarContract:      far,
		SpreadPct:        spreadPct,
		SpreadAnnualized: annualized,
		Confidence:       confidence,
		Status:           domain.OpportunityActive,
		DetectedAt:       now,
		LastRefreshed:    now,
	}
	d.spreads[key] = opp

	d.log.Info().Str("venue", near.Venue).Str("asset", near.BaseAsset).
		Str("near", near.Symbol).Str("far", far.Symbol).
		Float64("spread_annualized_pct", annualized).Msg("calendar spread opportunity")
	d.emit(*opp)
}

// expireStaleLocked drops opportunities whose contract left the fresh
// set entirely.
func (d *Detector) expireStaleLocked(fresh map[string]domain.BasisContract, now time.Time) {
	for key, o := range d.basisOpps {
		if _, live := fresh[key]; !live {
			d.expireBasisLocked(key, o, now)
		}
	}
}

func (d *Detector) expireBasisLocked(key string, o *domain.BasisOpportunity, now time.Time) {
	o.Status = domain.OpportunityExpired
	o.LastRefreshed = now
	delete(d.basisOpps, key)
	d.log.Info().Str("venue", o.Contract.Venue).Str("symbol", o.Contract.Symbol).
		Msg("basis opportunity expired")
	d.emit(*o)
}

func (d *Detector) expireSpreadLocked(key string, o *domain.CalendarSpreadOpportunity, now time.Time) {
	o.Status = domain.OpportunityExpired
	o.LastRefreshed = now
	delete(d.spreads, key)
	d.log.Info().Str("venue", o.Venue).Str("asset", o.Asset).
		Msg("calendar spread expired")
	d.emit(*o)
}

// confidence combines open-interest saturation with expiry proximity.
func (d *Detector) confidence(c domain.BasisContract, now time.Time) float64 {
	oi, _ := c.OpenInterest.Float64()
	oiScore := math.Min(1, oi/d.cfg.OISaturationUSD)

	boost := d.cfg.PerpetualBoost
	if c.ContractType != domain.ContractPerpetual {
		days := c.DaysToExpiry(now)
		if days <= 0 {
			return 0
		}
		boost = math.Min(1, d.cfg.ExpiryBoostDays/days)
	}
	return oiScore * boost
}

// spotPrice reads the freshest spot for an asset across venue rings.
func (d *Detector) spotPrice(asset string) (decimal.Decimal, string, bool) {
	best := decimal.Zero
	bestVenue := ""
	var bestTS time.Time
	for venue, sample := range d.spot.LatestBySymbol(asset) {
		if bestVenue == "" || sample.TS.After(bestTS) {
			best, bestVenue, bestTS = sample.Price, venue, sample.TS
		}
	}
	return best, bestVenue, bestVenue != ""
}
