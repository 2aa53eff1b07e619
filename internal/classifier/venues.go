package classifier

import (
	"math"
	"sort"

	"github.com/sawpanic/driftline/internal/domain"
)

// VenueRankConfig tunes venue selection.
type VenueRankConfig struct {
	// PriceWeight applies to price improvement (entry) or peg proximity
	// (exit); the remainder goes to liquidity.
	PriceWeight      float64 `yaml:"price_weight"`
	LiqSaturationUSD float64 `yaml:"liq_saturation_usd"`
	TopN             int     `yaml:"top_n"`
}

// DefaultVenueRankConfig returns the production venue ranking profile.
func DefaultVenueRankConfig() VenueRankConfig {
	return VenueRankConfig{
		PriceWeight:      0.7,
		LiqSaturationUSD: 5_000_000,
		TopN:             3,
	}
}

// rankVenues scores each quoting venue for entry and exit and returns
// the top N of each. Entry favors the best fill for the trade
// direction; exit favors prices already near fair value.
func rankVenues(cfg VenueRankConfig, p candidateProfile) (entry, exit []domain.VenueRank) {
	if len(p.venueTicks) == 0 {
		return nil, nil
	}

	minP, maxP := math.Inf(1), math.Inf(-1)
	maxDev := 0.0
	fair, _ := p.fairValue.Float64()
	for _, t := range p.venueTicks {
		price, _ := t.Price.Float64()
		minP = math.Min(minP, price)
		maxP = math.Max(maxP, price)
		if fair > 0 {
			maxDev = math.Max(maxDev, math.Abs(price-fair))
		}
	}
	priceRange := maxP - minP

	lw := 1 - cfg.PriceWeight
	entry = make([]domain.VenueRank, 0, len(p.venueTicks))
	exit = make([]domain.VenueRank, 0, len(p.venueTicks))
	for _, t := range p.venueTicks {
		price, _ := t.Price.Float64()
		liq, _ := t.Liquidity.Float64()
		liqScore := math.Min(1, liq/cfg.LiqSaturationUSD) * 100

		improvement := 100.0
		if priceRange > 0 {
			if p.buying {
				improvement = (maxP - price) / priceRange * 100
			} else {
				improvement = (price - minP) / priceRange * 100
			}
		}

		proximity := 100.0
		if maxDev > 0 && fair > 0 {
			proximity = (1 - math.Abs(price-fair)/maxDev) * 100
		}

		entry = append(entry, domain.VenueRank{
			Venue:          t.Venue,
			Score:          improvement*cfg.PriceWeight + liqScore*lw,
			Price:          t.Price,
			LiquidityScore: liqScore,
		})
		exit = append(exit, domain.VenueRank{
			Venue:          t.Venue,
			Score:          proximity*cfg.PriceWeight + liqScore*lw,
			Price:          t.Price,
			LiquidityScore: liqScore,
		})
	}

	sortRanks(entry)
	sortRanks(exit)
	return topN(entry, cfg.TopN), topN(exit, cfg.TopN)
}

func sortRanks(ranks []domain.VenueRank) {
	sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].Score > ranks[j].Score })
}

func topN(ranks []domain.VenueRank, n int) []domain.VenueRank {
	if n > 0 && len(ranks) > n {
		return ranks[:n]
	}
	return ranks
}
