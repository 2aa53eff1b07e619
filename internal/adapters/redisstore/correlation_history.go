// Package redisstore keeps the correlation table warm across restarts.
// Correlations are expensive to recompute from raw windows, so the store
// seeds from Redis at startup and writes back every refresh.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sawpanic/driftline/internal/domain"
)

// Config locates the hash and bounds calls.
type Config struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultConfig expires stored correlations after a day; older ones are
// worse than recomputing from scratch.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "driftline:correlations",
		TTL:       24 * time.Hour,
		Timeout:   2 * time.Second,
	}
}

// CorrelationHistory implements ports.CorrelationHistory on a Redis hash
// per reference asset: field = altcoin, value = JSON record.
type CorrelationHistory struct {
	cfg Config
	rdb redis.UniversalClient
	log zerolog.Logger
}

func NewCorrelationHistory(cfg Config, rdb redis.UniversalClient, logger zerolog.Logger) *CorrelationHistory {
	return &CorrelationHistory{
		cfg: cfg,
		rdb: rdb,
		log: logger.With().Str("component", "correlation_history").Logger(),
	}
}

func (s *CorrelationHistory) key(reference string) string {
	return s.cfg.KeyPrefix + ":" + reference
}

// Ping probes the backend for health checks.
func (s *CorrelationHistory) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Seed loads every stored correlation for the reference asset. A missing
// key is a cold start, not an error.
func (s *CorrelationHistory) Seed(ctx context.Context, reference string) ([]domain.CoinCorrelation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, s.key(reference)).Result()
	if err != nil {
		return nil, fmt.Errorf("correlation history: seed %s: %w", reference, err)
	}
	out := make([]domain.CoinCorrelation, 0, len(fields))
	for altcoin, raw := range fields {
		var c domain.CoinCorrelation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.log.Warn().Err(err).Str("altcoin", altcoin).Msg("dropping unreadable stored correlation")
			continue
		}
		out = append(out, c)
	}
	s.log.Info().Str("reference", reference).Int("seeded", len(out)).Msg("correlations seeded")
	return out, nil
}

// Persist writes the refreshed table in one pipeline and renews its TTL.
func (s *CorrelationHistory) Persist(ctx context.Context, reference string, correlations []domain.CoinCorrelation) error {
	if len(correlations) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	key := s.key(reference)
	pipe := s.rdb.TxPipeline()
	for _, c := range correlations {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("correlation history: marshal %s: %w", c.Altcoin, err)
		}
		pipe.HSet(ctx, key, c.Altcoin, raw)
	}
	if s.cfg.TTL > 0 {
		pipe.Expire(ctx, key, s.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("correlation history: persist %s: %w", reference, err)
	}
	return nil
}
