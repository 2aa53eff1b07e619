// Package ratelimit provides keyed token-bucket budgets. The engine uses
// it to cap per-venue execution calls and to throttle forced correlation
// recomputes per symbol.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out a token bucket per key, all sharing one rate/burst
// policy. Keys are venues, symbols, or whatever the caller budgets by.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a keyed limiter allowing rps events per second with
// the given burst per key.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// NewInterval creates a keyed limiter allowing one event per interval per
// key, with a burst of one. Used for cooldown-style budgets.
func NewInterval(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = time.Second
	}
	return NewLimiter(1/interval.Seconds(), 1)
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow reports whether an event for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until an event for key is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// SetRPS retunes every existing bucket and future ones.
func (l *Limiter) SetRPS(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps = rps
	for _, limiter := range l.limiters {
		limiter.SetLimit(rate.Limit(rps))
	}
}

// Stats snapshots every key's bucket.
func (l *Limiter) Stats() map[string]KeyStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]KeyStats, len(l.limiters))
	now := time.Now()
	for key, limiter := range l.limiters {
		res := limiter.Reserve()
		delay := res.Delay()
		res.Cancel()
		stats[key] = KeyStats{
			Key:             key,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
		}
	}
	return stats
}

// Reset drops all buckets.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}

// KeyStats describes one key's bucket.
type KeyStats struct {
	Key             string        `json:"key"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled reports whether the bucket is currently delaying events.
func (s KeyStats) IsThrottled() bool {
	return s.Delay > 0
}

// Manager groups independently tuned limiters by scope name (one per
// venue budget, one for recompute cooldowns, and so on).
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewManager() *Manager {
	return &Manager{limiters: make(map[string]*Limiter)}
}

// AddScope registers a scope with its own rate and burst.
func (m *Manager) AddScope(name string, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = NewLimiter(rps, burst)
}

// Scope returns the limiter for a scope.
func (m *Manager) Scope(name string) (*Limiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limiter, exists := m.limiters[name]
	return limiter, exists
}

// Allow reports whether scope/key may proceed; unconfigured scopes allow
// everything.
func (m *Manager) Allow(scope, key string) bool {
	limiter, exists := m.Scope(scope)
	if !exists {
		return true
	}
	return limiter.Allow(key)
}

// Wait blocks until scope/key is allowed; unconfigured scopes return
// immediately.
func (m *Manager) Wait(ctx context.Context, scope, key string) error {
	limiter, exists := m.Scope(scope)
	if !exists {
		return nil
	}
	return limiter.Wait(ctx, key)
}

// Stats snapshots every scope.
func (m *Manager) Stats() map[string]map[string]KeyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]map[string]KeyStats, len(m.limiters))
	for name, limiter := range m.limiters {
		stats[name] = limiter.Stats()
	}
	return stats
}
