// Package bus fans observed ticks and order books out to detector
// subscriptions. Per-subscriber queues are bounded: ticks drop oldest-first
// so the newest always wins, order books coalesce to the most recent
// snapshot per (venue, pair) when a subscriber lags.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
)

var (
	ErrBusClosed = fmt.Errorf("bus closed")
)

// Filter selects a slice of the stream. Empty fields match everything.
type Filter struct {
	Symbol string
	Venue  string
}

func (f Filter) matchTick(t domain.PriceTick) bool {
	return (f.Symbol == "" || f.Symbol == t.Symbol) && (f.Venue == "" || f.Venue == t.Venue)
}

func (f Filter) matchBook(b domain.OrderBook) bool {
	return (f.Symbol == "" || f.Symbol == b.Pair) && (f.Venue == "" || f.Venue == b.Venue)
}

// Config bounds the per-subscriber queues and the duplicate window.
type Config struct {
	TickQueue   int           `yaml:"tick_queue"`
	BookQueue   int           `yaml:"book_queue"`
	DedupWindow time.Duration `yaml:"dedup_window"`
}

func DefaultConfig() Config {
	return Config{
		TickQueue:   256,
		BookQueue:   64,
		DedupWindow: time.Second,
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	TicksPublished  uint64 `json:"ticks_published"`
	BooksPublished  uint64 `json:"books_published"`
	DupSuppressed   uint64 `json:"dup_suppressed"`
	OutOfOrder      uint64 `json:"out_of_order"`
	Invalid         uint64 `json:"invalid"`
	TickSubscribers int    `json:"tick_subscribers"`
	BookSubscribers int    `json:"book_subscribers"`
}

// Bus is the price feed fanout. Publishing never blocks on slow
// subscribers.
type Bus struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	mu       sync.RWMutex
	tickSubs []*TickSub
	bookSubs []*BookSub
	lastTick map[string]time.Time // venue|symbol -> newest delivered ts
	lastBook map[string]time.Time // venue|pair -> newest delivered ts
	recent   map[string]time.Time // dedup key -> arrival
	nextSweep time.Time
	closed   bool

	ticksPublished atomic.Uint64
	booksPublished atomic.Uint64
	dupSuppressed  atomic.Uint64
	outOfOrder     atomic.Uint64
	invalid        atomic.Uint64
}

func New(cfg Config, clk clock.Clock, logger zerolog.Logger) *Bus {
	if cfg.TickQueue <= 0 {
		cfg.TickQueue = 256
	}
	if cfg.BookQueue <= 0 {
		cfg.BookQueue = 64
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Second
	}
	return &Bus{
		cfg:      cfg,
		clock:    clk,
		log:      logger.With().Str("component", "bus").Logger(),
		lastTick: make(map[string]time.Time),
		lastBook: make(map[string]time.Time),
		recent:   make(map[string]time.Time),
	}
}

// PublishTick validates, dedups, and fans a tick out. Duplicate and
// out-of-order ticks are dropped silently and counted.
func (b *Bus) PublishTick(t domain.PriceTick) error {
	if err := t.Validate(); err != nil {
		b.invalid.Add(1)
		return err
	}

	now := b.clock.Now()
	seqKey := t.Venue + "|" + t.Symbol

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.sweepLocked(now)
	if arrived, seen := b.recent[t.Key()]; seen && now.Sub(arrived) < b.cfg.DedupWindow {
		b.mu.Unlock()
		b.dupSuppressed.Add(1)
		return nil
	}
	if last, ok := b.lastTick[seqKey]; ok && !t.Timestamp.After(last) {
		b.mu.Unlock()
		b.outOfOrder.Add(1)
		return nil
	}
	b.recent[t.Key()] = now
	b.lastTick[seqKey] = t.Timestamp
	subs := b.tickSubs
	b.mu.Unlock()

	b.ticksPublished.Add(1)
	for _, sub := range subs {
		if sub.filter.matchTick(t) {
			sub.push(t)
		}
	}
	return nil
}

// PublishBook validates and fans out an order book snapshot.
func (b *Bus) PublishBook(book domain.OrderBook) error {
	if err := book.Validate(); err != nil {
		b.invalid.Add(1)
		return err
	}

	seqKey := book.Venue + "|" + book.Pair

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if last, ok := b.lastBook[seqKey]; ok && !book.Timestamp.After(last) {
		b.mu.Unlock()
		b.outOfOrder.Add(1)
		return nil
	}
	b.lastBook[seqKey] = book.Timestamp
	subs := b.bookSubs
	b.mu.Unlock()

	b.booksPublished.Add(1)
	for _, sub := range subs {
		if sub.filter.matchBook(book) {
			sub.push(book)
		}
	}
	return nil
}

// sweepLocked evicts expired dedup entries. Runs at most once per window.
func (b *Bus) sweepLocked(now time.Time) {
	if now.Before(b.nextSweep) {
		return
	}
	cutoff := now.Add(-b.cfg.DedupWindow)
	for k, arrived := range b.recent {
		if arrived.Before(cutoff) {
			delete(b.recent, k)
		}
	}
	b.nextSweep = now.Add(b.cfg.DedupWindow)
}

// SubscribeTicks registers a filtered tick subscription. name appears in
// logs and stats.
func (b *Bus) SubscribeTicks(name string, f Filter) *TickSub {
	sub := newTickSub(name, f, b.cfg.TickQueue)
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.tickSubs = append(b.tickSubs, sub)
	}
	b.mu.Unlock()
	if closed {
		sub.Cancel()
		return sub
	}
	b.log.Debug().Str("subscriber", name).Str("symbol", f.Symbol).Str("venue", f.Venue).
		Msg("tick subscription added")
	go sub.forward()
	return sub
}

// SubscribeBooks registers a filtered order book subscription.
func (b *Bus) SubscribeBooks(name string, f Filter) *BookSub {
	sub := newBookSub(name, f, b.cfg.BookQueue)
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.bookSubs = append(b.bookSubs, sub)
	}
	b.mu.Unlock()
	if closed {
		sub.Cancel()
		return sub
	}
	b.log.Debug().Str("subscriber", name).Str("symbol", f.Symbol).Str("venue", f.Venue).
		Msg("book subscription added")
	go sub.forward()
	return sub
}

// Unsubscribe detaches a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub any) {
	b.mu.Lock()
	switch s := sub.(type) {
	case *TickSub:
		for i, cur := range b.tickSubs {
			if cur == s {
				b.tickSubs = append(b.tickSubs[:i], b.tickSubs[i+1:]...)
				break
			}
		}
		defer s.Cancel()
	case *BookSub:
		for i, cur := range b.bookSubs {
			if cur == s {
				b.bookSubs = append(b.bookSubs[:i], b.bookSubs[i+1:]...)
				break
			}
		}
		defer s.Cancel()
	}
	b.mu.Unlock()
}

// Close stops the bus and cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ticks := b.tickSubs
	books := b.bookSubs
	b.tickSubs = nil
	b.bookSubs = nil
	b.mu.Unlock()

	for _, s := range ticks {
		s.Cancel()
	}
	for _, s := range books {
		s.Cancel()
	}
	b.log.Info().Msg("bus closed")
}

// Stats snapshots the counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	tickN := len(b.tickSubs)
	bookN := len(b.bookSubs)
	b.mu.RUnlock()
	return Stats{
		TicksPublished:  b.ticksPublished.Load(),
		BooksPublished:  b.booksPublished.Load(),
		DupSuppressed:   b.dupSuppressed.Load(),
		OutOfOrder:      b.outOfOrder.Load(),
		Invalid:         b.invalid.Load(),
		TickSubscribers: tickN,
		BookSubscribers: bookN,
	}
}
