// Package plan turns a classified opportunity into an executable
// playbook: sized entry steps, staged exits, and risk rails.
package plan

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
	"github.com/sawpanic/driftline/internal/window"
)

// Config tunes plan construction and validation.
type Config struct {
	// Method thresholds as fractions of available liquidity.
	MarketLiquidityFraction float64 `yaml:"market_liquidity_fraction"`
	TWAPLiquidityFraction   float64 `yaml:"twap_liquidity_fraction"`

	// MinAllocationFraction drops venue slices below this share of the
	// total size.
	MinAllocationFraction float64 `yaml:"min_allocation_fraction"`

	// SlippageCoeff scales the square-root step impact model.
	SlippageCoeff     float64       `yaml:"slippage_coeff"`
	SlippageTolerance float64       `yaml:"slippage_tolerance"`

	TWAPSlices     int           `yaml:"twap_slices"`
	TWAPInterval   time.Duration `yaml:"twap_interval"`
	InterStepDelay time.Duration `yaml:"inter_step_delay"`
	StepTime       time.Duration `yaml:"step_time"`

	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	DefaultMaxHold   time.Duration `yaml:"default_max_hold"`

	StopLossPct          float64 `yaml:"stop_loss_pct"`
	EmergencyDrawdownPct float64 `yaml:"emergency_drawdown_pct"`

	// RequireFlashLoan gates plans on a provider quote.
	RequireFlashLoan bool          `yaml:"require_flash_loan"`
	PlanTTL          time.Duration `yaml:"plan_ttl"`

	ExitTranches []domain.PartialExit `yaml:"exit_tranches"`
}

// DefaultConfig returns the production planning profile.
func DefaultConfig() Config {
	return Config{
		MarketLiquidityFraction: 0.05,
		TWAPLiquidityFraction:   0.20,
		MinAllocationFraction:   0.05,
		SlippageCoeff:           0.1,
		SlippageTolerance:       0.01,
		TWAPSlices:              4,
		TWAPInterval:            2 * time.Minute,
		InterStepDelay:          2 * time.Second,
		StepTime:                10 * time.Second,
		MaxExecutionTime:        30 * time.Minute,
		DefaultMaxHold:          24 * time.Hour,
		StopLossPct:             2,
		EmergencyDrawdownPct:    5,
		PlanTTL:                 5 * time.Minute,
		ExitTranches: []domain.PartialExit{
			{TriggerPct: 0.6, ExitPct: 0.3, Method: domain.MethodLimit},
			{TriggerPct: 0.8, ExitPct: 0.4, Method: domain.MethodLimit},
			{TriggerPct: 1.0, ExitPct: 0.3, Method: domain.MethodLimit},
		},
	}
}

// Validate checks the config at startup.
func (c Config) Validate() error {
	if c.MarketLiquidityFraction <= 0 || c.MarketLiquidityFraction >= c.TWAPLiquidityFraction {
		return fmt.Errorf("plan: %w: method thresholds must satisfy 0 < market < twap", domain.ErrConfig)
	}
	if c.TWAPSlices < 1 {
		return fmt.Errorf("plan: %w: twap_slices must be at least 1", domain.ErrConfig)
	}
	var exitSum float64
	for _, tr := range c.ExitTranches {
		exitSum += tr.ExitPct
	}
	if len(c.ExitTranches) > 0 && math.Abs(exitSum-1) > 0.001 {
		return fmt.Errorf("plan: %w: exit tranches cover %.3f of the position", domain.ErrConfig, exitSum)
	}
	return nil
}

// Verdict is the validation outcome for a built plan. Reasons use
// stable snake_case identifiers.
type Verdict struct {
	Valid   bool
	Reasons []string
}

// Builder constructs and validates execution plans.
type Builder struct {
	cfg       Config
	clock     clock.Clock
	windows   *window.Manager
	flashLoan ports.FlashLoanProvider // optional
	log       zerolog.Logger
}

func NewBuilder(cfg Config, clk clock.Clock, windows *window.Manager, flashLoan ports.FlashLoanProvider, logger zerolog.Logger) *Builder {
	return &Builder{
		cfg:       cfg,
		clock:     clk,
		windows:   windows,
		flashLoan: flashLoan,
		log:       logger.With().Str("component", "plan").Logger(),
	}
}

// Build turns a classification into a plan and validates it. An invalid
// plan is returned alongside the error so callers can inspect the
// verdict.
func (b *Builder) Build(ctx context.Context, cls domain.OpportunityClassification) (domain.ExecutionPlan, error) {
	now := b.clock.Now()

	size, _ := cls.PositionSize.Float64()
	venueLiq, totalLiq := b.venueLiquidity(cls)

	method := b.method(size, totalLiq)
	allocs := b.allocate(cls.BestEntryVenues, size)
	steps, execTime := b.entrySteps(cls, method, allocs, venueLiq)
	totalSlippage := weightedSlippage(steps, size)

	entryVenues := make([]string, 0, len(allocs))
	for _, a := range allocs {
		entryVenues = append(entryVenues, a.venue)
	}

	plan := domain.ExecutionPlan{
		ID:               uuid.NewString(),
		ClassificationID: cls.ID,
		Asset:            cls.Asset,
		Sizing: domain.PositionSizing{
			SizeUSD:     cls.PositionSize,
			Leverage:    cls.Leverage,
			NotionalUSD: cls.PositionSize.Mul(decimal.NewFromFloat(cls.Leverage)),
		},
		Entry: domain.EntryStrategy{
			Method:           method,
			Venues:           entryVenues,
			TotalSize:        cls.PositionSize,
			Steps:            steps,
			ExpectedSlippage: totalSlippage,
			ExecutionTime:    execTime,
		},
		Exit: b.exitStrategy(cls),
		Risk: domain.RiskManagement{
			StopLossPct:          b.cfg.StopLossPct,
			EmergencyDrawdownPct: b.cfg.EmergencyDrawdownPct,
			MaxHold:              b.cfg.DefaultMaxHold,
			MaxSlippage:          b.cfg.SlippageTolerance,
		},
		Outcomes:   b.outcomes(cls, size, totalSlippage),
		Confidence: cls.ConfidenceLevel,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.cfg.PlanTTL),
	}

	if b.cfg.RequireFlashLoan {
		plan.FlashLoan = b.flashLoanLeg(ctx, cls)
	}

	verdict := b.Validate(plan)
	if !verdict.Valid {
		return plan, fmt.Errorf("plan %s: %w: %s", plan.ID, domain.ErrValidation, strings.Join(verdict.Reasons, ", "))
	}

	b.log.Info().Str("plan", plan.ID).Str("asset", plan.Asset).
		Str("method", string(method)).Int("steps", len(steps)).
		Float64("slippage", totalSlippage).Msg("plan built")
	return plan, nil
}

// Validate checks a built plan against the execution rails.
func (b *Builder) Validate(plan domain.ExecutionPlan) Verdict {
	var reasons []string

	if !plan.Sizing.SizeUSD.IsPositive() {
		reasons = append(reasons, "non_positive_size")
	}
	if len(plan.Entry.Steps) == 0 {
		reasons = append(reasons, "no_entry_venue")
	}
	if plan.Entry.ExecutionTime > b.cfg.MaxExecutionTime {
		reasons = append(reasons, "execution_time_exceeded")
	}
	if plan.Entry.ExpectedSlippage > b.cfg.SlippageTolerance {
		reasons = append(reasons, "slippage_above_tolerance")
	}
	if !plan.Outcomes.MostLikely.IsPositive() {
		reasons = append(reasons, "non_positive_expected_profit")
	}
	if b.cfg.RequireFlashLoan && (plan.FlashLoan == nil || !plan.FlashLoan.Simulated) {
		reasons = append(reasons, "flash_loan_unavailable")
	}

	return Verdict{Valid: len(reasons) == 0, Reasons: reasons}
}

func (b *Builder) method(size, totalLiq float64) domain.OrderMethod {
	if totalLiq <= 0 {
		return domain.MethodIceberg
	}
	switch frac := size / totalLiq; {
	case frac < b.cfg.MarketLiquidityFraction:
		return domain.MethodMarket
	case frac < b.cfg.TWAPLiquidityFraction:
		return domain.MethodTWAP
	default:
		return domain.MethodIceberg
	}
}

type allocation struct {
	venue string
	size  float64
}

// allocate splits the size across ranked venues proportional to their
// liquidity scores, dropping dust slices and renormalizing.
func (b *Builder) allocate(ranks []domain.VenueRank, size float64) []allocation {
	if size <= 0 || len(ranks) == 0 {
		return nil
	}

	var totalScore float64
	for _, r := range ranks {
		totalScore += r.LiquidityScore
	}
	if totalScore <= 0 {
		return []allocation{{venue: ranks[0].Venue, size: size}}
	}

	kept := make([]domain.VenueRank, 0, len(ranks))
	var keptScore float64
	for _, r := range ranks {
		if r.LiquidityScore/totalScore < b.cfg.MinAllocationFraction {
			continue
		}
		kept = append(kept, r)
		keptScore += r.LiquidityScore
	}
	if len(kept) == 0 {
		kept = ranks[:1]
		keptScore = ranks[0].LiquidityScore
	}

	out := make([]allocation, 0, len(kept))
	for _, r := range kept {
		out = append(out, allocation{venue: r.Venue, size: size * r.LiquidityScore / keptScore})
	}
	return out
}

// entrySteps lays the allocations out on a timeline. TWAP slices run in
// parallel across venues; within a venue they are spaced by the TWAP
// interval.
func (b *Builder) entrySteps(cls domain.OpportunityClassification, method domain.OrderMethod, allocs []allocation, venueLiq map[string]float64) ([]domain.ExecutionStep, time.Duration) {
	action := domain.ActionBuy
	if cls.Market.ReferenceTrend == domain.DirectionPremium || cls.Market.ReferenceTrend == domain.DirectionDown {
		action = domain.ActionSell
	}

	slices := 1
	interval := b.cfg.InterStepDelay
	if method == domain.MethodTWAP {
		slices = b.cfg.TWAPSlices
		interval = b.cfg.TWAPInterval
	}

	var steps []domain.ExecutionStep
	var last time.Duration
	stepNo := 0
	for s := 0; s < slices; s++ {
		for i, a := range allocs {
			stepNo++
			sliceSize := a.size / float64(slices)
			timing := time.Duration(s)*interval + time.Duration(i)*b.cfg.InterStepDelay
			if timing > last {
				last = timing
			}
			steps = append(steps, domain.ExecutionStep{
				StepNo:           stepNo,
				Venue:            a.venue,
				Action:           action,
				Size:             decimal.NewFromFloat(sliceSize).Round(2),
				Timing:           timing,
				OrderType:        method,
				ExpectedSlippage: b.stepSlippage(sliceSize, venueLiq[a.venue]),
				Status:           domain.StepPending,
			})
		}
	}
	return steps, last + b.cfg.StepTime
}

// stepSlippage applies the square-root impact model against the venue's
// standing liquidity.
func (b *Builder) stepSlippage(stepSize, venueLiq float64) float64 {
	if stepSize <= 0 {
		return 0
	}
	ratio := 1.0
	if venueLiq > 0 {
		ratio = math.Min(1, stepSize/venueLiq)
	}
	return b.cfg.SlippageCoeff * math.Sqrt(ratio)
}

func weightedSlippage(steps []domain.ExecutionStep, totalSize float64) float64 {
	if totalSize <= 0 {
		return 0
	}
	var sum float64
	for _, s := range steps {
		size, _ := s.Size.Float64()
		sum += s.ExpectedSlippage * size
	}
	return sum / totalSize
}

func (b *Builder) exitStrategy(cls domain.OpportunityClassification) domain.ExitStrategy {
	stop := decimal.NewFromFloat(1 - b.cfg.StopLossPct/100)
	if cls.Market.ReferenceTrend == domain.DirectionPremium || cls.Market.ReferenceTrend == domain.DirectionDown {
		stop = decimal.NewFromFloat(1 + b.cfg.StopLossPct/100)
	}
	return domain.ExitStrategy{
		Method:        domain.MethodLimit,
		TargetPrice:   cls.OptimalExitPrice,
		StopLossPrice: cls.OptimalEntryPrice.Mul(stop),
		PartialExits:  b.cfg.ExitTranches,
		MaxHold:       b.cfg.DefaultMaxHold,
	}
}

// outcomes brackets net profit: best is a clean fill at target, worst a
// stopped-out entry, most likely the probability-weighted gross less
// slippage.
func (b *Builder) outcomes(cls domain.OpportunityClassification, size, slippage float64) domain.ExpectedOutcomes {
	gross := size * cls.ExpectedProfitPct / 100
	slipCost := size * slippage
	return domain.ExpectedOutcomes{
		Best:       decimal.NewFromFloat(gross).Round(2),
		MostLikely: decimal.NewFromFloat(gross*cls.SuccessProbability - slipCost).Round(2),
		Worst:      decimal.NewFromFloat(-(size*b.cfg.StopLossPct/100 + slipCost)).Round(2),
	}
}

// flashLoanLeg quotes the borrowed-capital leg. A nil result means no
// provider could serve the plan.
func (b *Builder) flashLoanLeg(ctx context.Context, cls domain.OpportunityClassification) *domain.FlashLoanIntegration {
	if b.flashLoan == nil {
		return nil
	}
	provider, err := b.flashLoan.BestProvider(ctx, cls.Asset)
	if err != nil {
		b.log.Warn().Err(err).Str("asset", cls.Asset).Msg("no flash loan provider")
		return nil
	}
	fee, err := b.flashLoan.CalculateFee(ctx, provider, cls.Asset, cls.PositionSize)
	if err != nil {
		return nil
	}
	ok, err := b.flashLoan.Simulate(ctx, ports.FlashLoanParams{
		Provider: provider,
		Asset:    cls.Asset,
		Amount:   cls.PositionSize,
	})
	if err != nil || !ok {
		return nil
	}
	return &domain.FlashLoanIntegration{
		Provider:  provider,
		Asset:     cls.Asset,
		Amount:    cls.PositionSize,
		FeeUSD:    fee,
		Simulated: true,
	}
}

// venueLiquidity reads each entry venue's standing liquidity from the
// rolling windows.
func (b *Builder) venueLiquidity(cls domain.OpportunityClassification) (map[string]float64, float64) {
	out := make(map[string]float64, len(cls.BestEntryVenues))
	var total float64
	if b.windows == nil {
		return out, 0
	}
	latest := b.windows.LatestBySymbol(cls.Asset)
	for _, r := range cls.BestEntryVenues {
		if s, ok := latest[r.Venue]; ok {
			l, _ := s.Liquidity.Float64()
			out[r.Venue] = l
			total += l
		}
	}
	return out, total
}
