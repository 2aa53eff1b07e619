package bus

import (
	"sync"
	"sync/atomic"

	"github.com/sawpanic/driftline/internal/domain"
)

// TickSub delivers filtered ticks on C. When the internal queue is full
// the oldest queued tick is discarded, so a lagging consumer always reads
// toward the newest data.
type TickSub struct {
	name   string
	filter Filter
	cap    int

	mu    sync.Mutex
	queue []domain.PriceTick

	dropped atomic.Uint64

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan domain.PriceTick

	// C receives ticks in publish order. Closed on Cancel.
	C <-chan domain.PriceTick
}

func newTickSub(name string, f Filter, cap int) *TickSub {
	out := make(chan domain.PriceTick)
	return &TickSub{
		name:   name,
		filter: f,
		cap:    cap,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    out,
		C:      out,
	}
}

func (s *TickSub) push(t domain.PriceTick) {
	s.mu.Lock()
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *TickSub) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// Cancel stops delivery and closes C. Safe to call twice.
func (s *TickSub) Cancel() {
	s.once.Do(func() { close(s.done) })
}

// Name identifies the subscriber in logs and stats.
func (s *TickSub) Name() string { return s.name }

// Dropped counts ticks discarded by the newest-wins policy.
func (s *TickSub) Dropped() uint64 { return s.dropped.Load() }

// BookSub delivers filtered order books on C. A lagging consumer sees only
// the most recent snapshot per (venue, pair); intermediate snapshots
// coalesce away.
type BookSub struct {
	name   string
	filter Filter
	cap    int

	mu      sync.Mutex
	pending map[string]domain.OrderBook
	order   []string

	coalesced atomic.Uint64

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan domain.OrderBook

	// C receives snapshots. Closed on Cancel.
	C <-chan domain.OrderBook
}

func newBookSub(name string, f Filter, cap int) *BookSub {
	out := make(chan domain.OrderBook)
	return &BookSub{
		name:    name,
		filter:  f,
		cap:     cap,
		pending: make(map[string]domain.OrderBook),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     out,
		C:       out,
	}
}

func (s *BookSub) push(b domain.OrderBook) {
	key := b.Venue + "|" + b.Pair
	s.mu.Lock()
	if _, exists := s.pending[key]; exists {
		s.coalesced.Add(1)
	} else {
		if len(s.order) >= s.cap {
			// Queue full of distinct pairs: drop the stalest pair entirely.
			evict := s.order[0]
			s.order = s.order[1:]
			delete(s.pending, evict)
			s.coalesced.Add(1)
		}
		s.order = append(s.order, key)
	}
	s.pending[key] = b
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *BookSub) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.order) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		key := s.order[0]
		s.order = s.order[1:]
		next := s.pending[key]
		delete(s.pending, key)
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// Cancel stops delivery and closes C. Safe to call twice.
func (s *BookSub) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *BookSub) Name() string { return s.name }

// Coalesced counts snapshots replaced before delivery.
func (s *BookSub) Coalesced() uint64 { return s.coalesced.Load() }
