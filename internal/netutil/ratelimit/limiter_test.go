package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(1000, 1)

	assert.True(t, l.Allow("kraken"))
	assert.False(t, l.Allow("kraken"), "burst of one must exhaust the key")
	assert.True(t, l.Allow("binance"), "other keys keep their own bucket")
}

func TestIntervalLimiterCoolsDown(t *testing.T) {
	l := NewInterval(time.Hour)

	assert.True(t, l.Allow("ETH"))
	assert.False(t, l.Allow("ETH"), "second request within the interval must be refused")

	stats := l.Stats()
	assert.True(t, stats["ETH"].IsThrottled())
}

func TestManagerUnconfiguredScopeAllows(t *testing.T) {
	m := NewManager()
	assert.True(t, m.Allow("venues", "kraken"))

	m.AddScope("venues", 1000, 1)
	assert.True(t, m.Allow("venues", "kraken"))
	assert.False(t, m.Allow("venues", "kraken"))
}

func TestLimiterSetRPSRetunesExisting(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Allow("x")
	l.SetRPS(1e6)

	// After retuning, the bucket refills almost immediately.
	time.Sleep(5 * time.Millisecond)
	assert.True(t, l.Allow("x"))
}
