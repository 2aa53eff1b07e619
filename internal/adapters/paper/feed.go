// Package paper is the simulation side of the exchange port: a scripted
// market-data feed plus an execution client that fills against the last
// published quote. All price simulation in the system lives here.
package paper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
)

const subBuffer = 1024

type tickSub struct {
	ctx    context.Context
	filter ports.FeedFilter
	ch     chan domain.PriceTick
}

type bookSub struct {
	ctx    context.Context
	filter ports.FeedFilter
	ch     chan domain.OrderBook
}

// Feed is a scripted FeedSource. Tests publish ticks directly; replay
// loads a JSONL tick log and schedules it against the clock.
type Feed struct {
	sched clock.Scheduler
	log   zerolog.Logger

	// sink receives replayed ticks; the paper client points it at its
	// own Publish so replays move fill prices too.
	sink func(domain.PriceTick)

	mu     sync.Mutex
	ticks  []*tickSub
	books  []*bookSub
	queued []domain.PriceTick
	closed bool
}

func NewFeed(sched clock.Scheduler, logger zerolog.Logger) *Feed {
	f := &Feed{
		sched: sched,
		log:   logger.With().Str("component", "paper_feed").Logger(),
	}
	f.sink = f.Publish
	return f
}

func (f *Feed) SubscribePrices(ctx context.Context, filter ports.FeedFilter) (<-chan domain.PriceTick, error) {
	sub := &tickSub{ctx: ctx, filter: filter, ch: make(chan domain.PriceTick, subBuffer)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.ch)
		return sub.ch, nil
	}
	f.ticks = append(f.ticks, sub)
	return sub.ch, nil
}

func (f *Feed) SubscribeOrderBooks(ctx context.Context, filter ports.FeedFilter) (<-chan domain.OrderBook, error) {
	sub := &bookSub{ctx: ctx, filter: filter, ch: make(chan domain.OrderBook, subBuffer)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.ch)
		return sub.ch, nil
	}
	f.books = append(f.books, sub)
	return sub.ch, nil
}

func matches(filter ports.FeedFilter, symbol, venue string) bool {
	if len(filter.Symbols) > 0 && !contains(filter.Symbols, symbol) {
		return false
	}
	if len(filter.Venues) > 0 && !contains(filter.Venues, venue) {
		return false
	}
	return true
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Publish fans a tick out to matching subscribers. Full queues drop the
// tick for that subscriber; the bus's newest-wins policy recovers.
func (f *Feed) Publish(tick domain.PriceTick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.ticks[:0]
	for _, sub := range f.ticks {
		if sub.ctx.Err() != nil {
			close(sub.ch)
			continue
		}
		live = append(live, sub)
		if !matches(sub.filter, tick.Symbol, tick.Venue) {
			continue
		}
		select {
		case sub.ch <- tick:
		default:
			f.log.Warn().Str("symbol", tick.Symbol).Msg("slow subscriber, tick dropped")
		}
	}
	f.ticks = live
}

// PublishBook fans an order book snapshot out the same way.
func (f *Feed) PublishBook(book domain.OrderBook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.books[:0]
	for _, sub := range f.books {
		if sub.ctx.Err() != nil {
			close(sub.ch)
			continue
		}
		live = append(live, sub)
		if !matches(sub.filter, book.Pair, book.Venue) {
			continue
		}
		select {
		case sub.ch <- book:
		default:
			f.log.Warn().Str("pair", book.Pair).Msg("slow subscriber, book dropped")
		}
	}
	f.books = live
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, sub := range f.ticks {
		close(sub.ch)
	}
	for _, sub := range f.books {
		close(sub.ch)
	}
	f.ticks, f.books = nil, nil
}

// LoadJSONL reads one PriceTick JSON object per line into the replay
// queue, keeping input order.
func (f *Feed) LoadJSONL(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tick domain.PriceTick
		if err := json.Unmarshal(line, &tick); err != nil {
			return n, fmt.Errorf("paper feed: line %d: %w", n+1, err)
		}
		f.mu.Lock()
		f.queued = append(f.queued, tick)
		f.mu.Unlock()
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("paper feed: read log: %w", err)
	}
	return n, nil
}

// Replay schedules every queued tick at its offset from the first one.
// With a simulated scheduler the caller advances time to drive it; the
// returned duration is the log's span.
func (f *Feed) Replay(ctx context.Context) time.Duration {
	f.mu.Lock()
	queued := f.queued
	f.queued = nil
	f.mu.Unlock()
	if len(queued) == 0 {
		return 0
	}

	base := queued[0].Timestamp
	var span time.Duration
	for _, tick := range queued {
		tick := tick
		offset := tick.Timestamp.Sub(base)
		if offset < 0 {
			offset = 0
		}
		if offset > span {
			span = offset
		}
		f.sched.After(offset, func(time.Time) {
			if ctx.Err() != nil {
				return
			}
			f.sink(tick)
		})
	}
	f.log.Info().Int("ticks", len(queued)).Dur("span", span).Msg("replay scheduled")
	return span
}
