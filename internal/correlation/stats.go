package correlation

import (
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/window"
)

// point is one bucketed observation: the last price seen in its minute.
type point struct {
	minute time.Time
	price  float64
}

// bucketSeries collapses ring samples within the lookback to one point
// per alignment bucket, keeping the last price of each bucket.
func bucketSeries(r *window.Ring, alignment, lookback time.Duration, now time.Time) []point {
	samples := r.Since(now.Add(-lookback))
	out := make([]point, 0, len(samples))
	for _, s := range samples {
		p, _ := s.Price.Float64()
		if p <= 0 {
			continue
		}
		m := s.TS.Truncate(alignment)
		if n := len(out); n > 0 && out[n-1].minute.Equal(m) {
			out[n-1].price = p
			continue
		}
		out = append(out, point{minute: m, price: p})
	}
	return out
}

// alignSeries intersects two bucketed series on shared buckets and
// returns log-returns over consecutive shared buckets, plus the bucket
// times of each return.
func alignSeries(ref, alt []point) (refRet, altRet []float64, at []time.Time) {
	i, j := 0, 0
	var prevRef, prevAlt float64
	havePrev := false
	for i < len(ref) && j < len(alt) {
		switch {
		case ref[i].minute.Before(alt[j].minute):
			i++
		case alt[j].minute.Before(ref[i].minute):
			j++
		default:
			if havePrev {
				refRet = append(refRet, math.Log(ref[i].price/prevRef))
				altRet = append(altRet, math.Log(alt[j].price/prevAlt))
				at = append(at, ref[i].minute)
			}
			prevRef, prevAlt = ref[i].price, alt[j].price
			havePrev = true
			i++
			j++
		}
	}
	return refRet, altRet, at
}

// pearson computes the correlation coefficient of two equal-length
// series. The result is clamped to [-1,1] against floating drift.
func pearson(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, fmt.Errorf("pearson: %w: length mismatch %d vs %d", domain.ErrValidation, len(x), len(y))
	}
	n := len(x)
	if n < 2 {
		return 0, fmt.Errorf("pearson: %w: %d samples", domain.ErrInsufficientData, n)
	}
	var sx, sy float64
	for i := 0; i < n; i++ {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/float64(n), sy/float64(n)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, fmt.Errorf("pearson: %w: zero variance", domain.ErrInsufficientData)
	}
	rho := cov / math.Sqrt(vx*vy)
	if rho > 1 {
		rho = 1
	}
	if rho < -1 {
		rho = -1
	}
	return rho, nil
}

// move is a significant swing in a bucketed price series.
type move struct {
	at    time.Time
	delta float64 // fractional change over the span
}

// significantMoves scans a bucketed series with a fixed sample span and
// returns every swing whose magnitude meets threshold (a fraction).
func significantMoves(series []point, span int, threshold float64) []move {
	var out []move
	for i := span; i < len(series); i++ {
		base := series[i-span].price
		if base <= 0 {
			continue
		}
		delta := (series[i].price - base) / base
		if math.Abs(delta) >= threshold {
			out = append(out, move{at: series[i].minute, delta: delta})
		}
	}
	return out
}

// matchLag finds the best-matching altcoin echo of a reference move
// within [0, maxLag]: same direction, closest magnitude after scaling.
// Returns the lag and whether a qualifying echo exists.
func matchLag(ref move, alt []point, span int, maxLag time.Duration) (time.Duration, bool) {
	bestScore := 0.0
	var bestLag time.Duration
	found := false

	for _, i := range indexRange(alt, ref.at, maxLag, span) {
		base := alt[i-span].price
		if base <= 0 {
			continue
		}
		delta := (alt[i].price - base) / base
		if delta == 0 || (delta > 0) != (ref.delta > 0) {
			continue
		}
		similarity := 1 - math.Min(1, math.Abs(delta-ref.delta)/math.Abs(ref.delta))
		if similarity > bestScore {
			bestScore = similarity
			bestLag = alt[i].minute.Sub(ref.at)
			found = true
		}
	}
	return bestLag, found
}

// indexRange lists alt indexes whose bucket falls in [at, at+maxLag]
// and that have a full span behind them.
func indexRange(alt []point, at time.Time, maxLag time.Duration, span int) []int {
	var out []int
	for i := span; i < len(alt); i++ {
		d := alt[i].minute.Sub(at)
		if d < 0 {
			continue
		}
		if d > maxLag {
			break
		}
		out = append(out, i)
	}
	return out
}

// aggregateLags returns the mean lag and sample variance (seconds
// squared) of the observed lags.
func aggregateLags(lags []time.Duration) (time.Duration, float64) {
	if len(lags) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, l := range lags {
		sum += l.Seconds()
	}
	meanSec := sum / float64(len(lags))
	variance := 0.0
	if len(lags) > 1 {
		for _, l := range lags {
			d := l.Seconds() - meanSec
			variance += d * d
		}
		variance /= float64(len(lags) - 1)
	}
	return time.Duration(meanSec * float64(time.Second)), variance
}
