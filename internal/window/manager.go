package window

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
)

// Config sets retention policy for the ring set.
type Config struct {
	ReferenceSymbol    string        `yaml:"reference_symbol"`
	ReferenceRetention time.Duration `yaml:"reference_retention"`
	DefaultRetention   time.Duration `yaml:"default_retention"`
	MaxSamplesPerRing  int           `yaml:"max_samples_per_ring"`
}

// DefaultConfig returns production retention: 7 days for the reference
// asset, 24 hours for everything else.
func DefaultConfig() Config {
	return Config{
		ReferenceSymbol:    "BTC",
		ReferenceRetention: 7 * 24 * time.Hour,
		DefaultRetention:   24 * time.Hour,
		MaxSamplesPerRing:  100_000,
	}
}

// Manager owns every ring. The bus demux is the only appender; detectors
// and the correlation store read.
type Manager struct {
	mu    sync.RWMutex
	cfg   Config
	clock clock.Clock
	rings map[Key]*Ring
	log   zerolog.Logger
}

func NewManager(cfg Config, clk clock.Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		clock: clk,
		rings: make(map[Key]*Ring),
		log:   logger.With().Str("component", "windows").Logger(),
	}
}

// Append routes a tick to its ring, creating the ring on first sight.
func (m *Manager) Append(tick domain.PriceTick) {
	key := Key{Symbol: tick.Symbol, Venue: tick.Venue}

	m.mu.RLock()
	ring, ok := m.rings[key]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		ring, ok = m.rings[key]
		if !ok {
			retention := m.cfg.DefaultRetention
			if tick.Symbol == m.cfg.ReferenceSymbol {
				retention = m.cfg.ReferenceRetention
			}
			ring = NewRing(key, m.clock, retention, m.cfg.MaxSamplesPerRing)
			m.rings[key] = ring
			m.log.Debug().Str("symbol", tick.Symbol).Str("venue", tick.Venue).
				Dur("retention", retention).Msg("ring created")
		}
		m.mu.Unlock()
	}

	ring.Append(Sample{
		TS:        tick.Timestamp,
		Price:     tick.Price,
		Liquidity: tick.Liquidity,
		Volume:    tick.Volume24h,
	})
}

// Ring returns the ring for a key if it exists.
func (m *Manager) Ring(symbol, venue string) (*Ring, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[Key{Symbol: symbol, Venue: venue}]
	return r, ok
}

// RingsFor returns every venue ring tracking symbol.
func (m *Manager) RingsFor(symbol string) map[string]*Ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Ring)
	for k, r := range m.rings {
		if k.Symbol == symbol {
			out[k.Venue] = r
		}
	}
	return out
}

// LatestBySymbol returns the freshest valid sample per venue for symbol.
func (m *Manager) LatestBySymbol(symbol string) map[string]Sample {
	out := make(map[string]Sample)
	for venue, ring := range m.RingsFor(symbol) {
		if s, ok := ring.Latest(); ok {
			out[venue] = s
		}
	}
	return out
}

// Symbols lists every tracked symbol.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for k := range m.rings {
		if _, dup := seen[k.Symbol]; !dup {
			seen[k.Symbol] = struct{}{}
			out = append(out, k.Symbol)
		}
	}
	return out
}
