// Package window maintains per-(symbol, venue) rolling tick history with
// time-bounded reads. Each ring has a single writer (the bus demux) and
// any number of snapshot readers.
package window

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
)

// Sample is one retained observation.
type Sample struct {
	TS        time.Time
	Price     decimal.Decimal
	Liquidity decimal.Decimal
	Volume    decimal.Decimal
}

// Key identifies a ring.
type Key struct {
	Symbol string
	Venue  string
}

func (k Key) String() string { return k.Symbol + "@" + k.Venue }

// Ring is a bounded-time circular buffer of samples. Appends are O(1)
// amortized; physical trimming happens on append, and every read applies
// the maxAge cutoff so stale samples are invisible regardless of when the
// last append ran.
type Ring struct {
	mu     sync.RWMutex
	key    Key
	clock  clock.Clock
	maxAge time.Duration
	maxN   int

	buf  []Sample
	head int // index of oldest
	size int

	lastTS  time.Time
	dropped uint64 // out-of-order or duplicate appends ignored
}

// NewRing builds a ring retaining maxAge of history, capped at maxN
// samples.
func NewRing(key Key, clk clock.Clock, maxAge time.Duration, maxN int) *Ring {
	if maxN <= 0 {
		maxN = 16
	}
	return &Ring{
		key:    key,
		clock:  clk,
		maxAge: maxAge,
		maxN:   maxN,
		buf:    make([]Sample, min(64, maxN)),
	}
}

// Append adds a sample. Samples at or before the newest retained timestamp
// are dropped: the bus delivers per-(symbol, venue) ticks in order, so an
// equal or older timestamp is a duplicate and must not double-count.
func (r *Ring) Append(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size > 0 && !s.TS.After(r.lastTS) {
		r.dropped++
		return
	}
	r.lastTS = s.TS

	r.trimLocked(r.clock.Now())

	if r.size == len(r.buf) && r.size < r.maxN {
		r.growLocked()
	}
	if r.size == r.maxN {
		// Overwrite the oldest when at hard cap.
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	r.buf[(r.head+r.size)%len(r.buf)] = s
	r.size++
}

func (r *Ring) growLocked() {
	next := make([]Sample, min(max(len(r.buf)*2, 64), r.maxN))
	for i := 0; i < r.size; i++ {
		next[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = next
	r.head = 0
}

func (r *Ring) trimLocked(now time.Time) {
	cutoff := now.Add(-r.maxAge)
	for r.size > 0 && r.buf[r.head].TS.Before(cutoff) {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
}

func (r *Ring) at(i int) Sample { return r.buf[(r.head+i)%len(r.buf)] }

// freshRange returns [lo, size) such that samples lo.. are within maxAge.
func (r *Ring) freshLo(now time.Time) int {
	cutoff := now.Add(-r.maxAge)
	lo := sort.Search(r.size, func(i int) bool {
		return !r.at(i).TS.Before(cutoff)
	})
	return lo
}

// Latest returns the newest fresh sample.
func (r *Ring) Latest() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return Sample{}, false
	}
	s := r.at(r.size - 1)
	if s.TS.Before(r.clock.Now().Add(-r.maxAge)) {
		return Sample{}, false
	}
	return s, true
}

// At returns the first fresh sample with TS >= bound.
func (r *Ring) At(bound time.Time) (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lo := r.freshLo(r.clock.Now())
	i := sort.Search(r.size, func(i int) bool {
		return !r.at(i).TS.Before(bound)
	})
	if i < lo {
		i = lo
	}
	if i >= r.size {
		return Sample{}, false
	}
	return r.at(i), true
}

// Since returns copies of all fresh samples with TS >= bound.
func (r *Ring) Since(bound time.Time) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lo := r.freshLo(r.clock.Now())
	out := make([]Sample, 0, r.size-lo)
	for i := lo; i < r.size; i++ {
		s := r.at(i)
		if s.TS.Before(bound) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Returns yields the last n log-returns over fresh samples. Needs n+1
// samples.
func (r *Ring) Returns(n int) ([]float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lo := r.freshLo(r.clock.Now())
	fresh := r.size - lo
	if fresh < n+1 {
		return nil, fmt.Errorf("ring %s: %w: have %d fresh samples, need %d",
			r.key, domain.ErrInsufficientData, fresh, n+1)
	}
	out := make([]float64, 0, n)
	start := r.size - n - 1
	for i := start + 1; i < r.size; i++ {
		prev, _ := r.at(i - 1).Price.Float64()
		cur, _ := r.at(i).Price.Float64()
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out, nil
}

// Mean of fresh prices.
func (r *Ring) Mean() (float64, error) {
	xs := r.freshPrices()
	if len(xs) == 0 {
		return 0, fmt.Errorf("ring %s: %w: empty window", r.key, domain.ErrInsufficientData)
	}
	return mean(xs), nil
}

// Stddev is the sample standard deviation of fresh prices.
func (r *Ring) Stddev() (float64, error) {
	xs := r.freshPrices()
	if len(xs) < 2 {
		return 0, fmt.Errorf("ring %s: %w: need 2 samples for stddev", r.key, domain.ErrInsufficientData)
	}
	return stddev(xs), nil
}

// Percentile returns the p-th percentile (0..100) of fresh prices with
// linear interpolation.
func (r *Ring) Percentile(p float64) (float64, error) {
	xs := r.freshPrices()
	if len(xs) == 0 {
		return 0, fmt.Errorf("ring %s: %w: empty window", r.key, domain.ErrInsufficientData)
	}
	sort.Float64s(xs)
	if p <= 0 {
		return xs[0], nil
	}
	if p >= 100 {
		return xs[len(xs)-1], nil
	}
	rank := p / 100 * float64(len(xs)-1)
	lo := int(math.Floor(rank))
	frac := rank - float64(lo)
	if lo+1 >= len(xs) {
		return xs[lo], nil
	}
	return xs[lo]*(1-frac) + xs[lo+1]*frac, nil
}

// Count returns the number of fresh samples.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size - r.freshLo(r.clock.Now())
}

// Dropped returns how many appends were ignored as duplicates or
// out-of-order.
func (r *Ring) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

func (r *Ring) freshPrices() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lo := r.freshLo(r.clock.Now())
	out := make([]float64, 0, r.size-lo)
	for i := lo; i < r.size; i++ {
		f, _ := r.at(i).Price.Float64()
		out = append(out, f)
	}
	return out
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	m := mean(xs)
	acc := 0.0
	for _, x := range xs {
		d := x - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(xs)-1))
}
