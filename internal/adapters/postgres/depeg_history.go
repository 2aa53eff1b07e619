// Package postgres persists resolved depeg events and answers the
// similarity queries that calibrate reversion estimates.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
)

// Schema is the table backing the adapter. Applied by EnsureSchema; kept
// here so operators can review it without digging through migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS depeg_events (
    id                     TEXT PRIMARY KEY,
    stablecoin             TEXT NOT NULL,
    peg_value              NUMERIC(20,10) NOT NULL,
    avg_price              NUMERIC(20,10) NOT NULL,
    magnitude              DOUBLE PRECISION NOT NULL,
    direction              TEXT NOT NULL,
    severity               TEXT NOT NULL,
    max_deviation          DOUBLE PRECISION NOT NULL,
    liquidity_score        DOUBLE PRECISION NOT NULL,
    estimated_reversion_ms BIGINT NOT NULL,
    actual_reversion_ms    BIGINT,
    status                 TEXT NOT NULL,
    start_time             TIMESTAMPTZ NOT NULL,
    end_time               TIMESTAMPTZ,
    market_conditions      JSONB NOT NULL DEFAULT '{}',
    recorded_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS depeg_events_coin_mag_idx
    ON depeg_events (stablecoin, magnitude, start_time DESC);
`

// DepegHistory implements ports.DepegHistory on sqlx/pq.
type DepegHistory struct {
	db      *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
}

func NewDepegHistory(db *sqlx.DB, timeout time.Duration, logger zerolog.Logger) *DepegHistory {
	return &DepegHistory{
		db:      db,
		timeout: timeout,
		log:     logger.With().Str("component", "depeg_history").Logger(),
	}
}

// EnsureSchema creates the table when missing.
func (h *DepegHistory) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if _, err := h.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("depeg history: ensure schema: %w", err)
	}
	return nil
}

// Ping probes the backend for health checks.
func (h *DepegHistory) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(ctx)
}

type depegRow struct {
	ID                   string          `db:"id"`
	Stablecoin           string          `db:"stablecoin"`
	PegValue             decimal.Decimal `db:"peg_value"`
	AvgPrice             decimal.Decimal `db:"avg_price"`
	Magnitude            float64         `db:"magnitude"`
	Direction            string          `db:"direction"`
	Severity             string          `db:"severity"`
	MaxDeviation         float64         `db:"max_deviation"`
	LiquidityScore       float64         `db:"liquidity_score"`
	EstimatedReversionMS int64           `db:"estimated_reversion_ms"`
	ActualReversionMS    sql.NullInt64   `db:"actual_reversion_ms"`
	Status               string          `db:"status"`
	StartTime            time.Time       `db:"start_time"`
	EndTime              sql.NullTime    `db:"end_time"`
	MarketConditions     []byte          `db:"market_conditions"`
}

func (r depegRow) toEvent() domain.DepegEvent {
	e := domain.DepegEvent{
		ID:                 r.ID,
		Stablecoin:         r.Stablecoin,
		PegValue:           r.PegValue,
		AvgPrice:           r.AvgPrice,
		Magnitude:          r.Magnitude,
		Direction:          domain.Direction(r.Direction),
		Severity:           domain.Severity(r.Severity),
		MaxDeviation:       r.MaxDeviation,
		LiquidityScore:     r.LiquidityScore,
		EstimatedReversion: time.Duration(r.EstimatedReversionMS) * time.Millisecond,
		Status:             domain.DepegStatus(r.Status),
		StartTime:          r.StartTime,
	}
	if r.ActualReversionMS.Valid {
		e.ActualReversion = time.Duration(r.ActualReversionMS.Int64) * time.Millisecond
	}
	if r.EndTime.Valid {
		ts := r.EndTime.Time
		e.EndTime = &ts
	}
	_ = json.Unmarshal(r.MarketConditions, &e.MarketConditions)
	return e
}

// Record upserts an event snapshot; the depeg detector re-records the
// same id as the event worsens and resolves.
func (h *DepegHistory) Record(ctx context.Context, event domain.DepegEvent) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	conditions, err := json.Marshal(event.MarketConditions)
	if err != nil {
		return fmt.Errorf("depeg history: marshal conditions: %w", err)
	}
	var actual sql.NullInt64
	if event.ActualReversion > 0 {
		actual = sql.NullInt64{Int64: event.ActualReversion.Milliseconds(), Valid: true}
	}
	var end sql.NullTime
	if event.EndTime != nil {
		end = sql.NullTime{Time: *event.EndTime, Valid: true}
	}

	const query = `
		INSERT INTO depeg_events (
			id, stablecoin, peg_value, avg_price, magnitude, direction,
			severity, max_deviation, liquidity_score, estimated_reversion_ms,
			actual_reversion_ms, status, start_time, end_time, market_conditions
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			avg_price = EXCLUDED.avg_price,
			magnitude = EXCLUDED.magnitude,
			severity = EXCLUDED.severity,
			max_deviation = EXCLUDED.max_deviation,
			liquidity_score = EXCLUDED.liquidity_score,
			actual_reversion_ms = EXCLUDED.actual_reversion_ms,
			status = EXCLUDED.status,
			end_time = EXCLUDED.end_time,
			market_conditions = EXCLUDED.market_conditions`

	_, err = h.db.ExecContext(ctx, query,
		event.ID, event.Stablecoin, event.PegValue, event.AvgPrice,
		event.Magnitude, string(event.Direction), string(event.Severity),
		event.MaxDeviation, event.LiquidityScore,
		event.EstimatedReversion.Milliseconds(), actual,
		string(event.Status), event.StartTime, end, conditions)
	if err != nil {
		return fmt.Errorf("depeg history: record %s: %w", event.ID, err)
	}
	return nil
}

// RecentSimilar returns up to k resolved events of the same coin and
// direction whose magnitude landed within half to double the probe's.
func (h *DepegHistory) RecentSimilar(ctx context.Context, event domain.DepegEvent, k int) ([]domain.DepegEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	const query = `
		SELECT id, stablecoin, peg_value, avg_price, magnitude, direction,
		       severity, max_deviation, liquidity_score, estimated_reversion_ms,
		       actual_reversion_ms, status, start_time, end_time, market_conditions
		FROM depeg_events
		WHERE stablecoin = $1
		  AND direction = $2
		  AND id <> $3
		  AND status = $4
		  AND magnitude BETWEEN $5 AND $6
		ORDER BY start_time DESC
		LIMIT $7`

	var rows []depegRow
	err := h.db.SelectContext(ctx, &rows, query,
		event.Stablecoin, string(event.Direction), event.ID,
		string(domain.DepegResolved),
		event.Magnitude*0.5, event.Magnitude*2, k)
	if err != nil {
		return nil, fmt.Errorf("depeg history: recent similar: %w", err)
	}
	out := make([]domain.DepegEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

// MedianReversionTime is the median actual reversion of resolved events
// in the magnitude range. A zero range max means unbounded.
func (h *DepegHistory) MedianReversionTime(ctx context.Context, asset string, r ports.MagnitudeRange) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	const query = `
		SELECT percentile_cont(0.5) WITHIN GROUP (ORDER BY actual_reversion_ms)
		FROM depeg_events
		WHERE stablecoin = $1
		  AND status = $2
		  AND actual_reversion_ms IS NOT NULL
		  AND magnitude >= $3
		  AND ($4 = 0 OR magnitude <= $4)`

	var medianMS sql.NullFloat64
	err := h.db.GetContext(ctx, &medianMS, query,
		asset, string(domain.DepegResolved), r.Min, r.Max)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("depeg history: median reversion: %w", err)
	}
	if !medianMS.Valid {
		return 0, fmt.Errorf("depeg history: %s: %w: no resolved events in range",
			asset, domain.ErrInsufficientData)
	}
	return time.Duration(medianMS.Float64) * time.Millisecond, nil
}

// SuccessRate is the share of terminal events in range that resolved
// rather than expired.
func (h *DepegHistory) SuccessRate(ctx context.Context, asset string, r ports.MagnitudeRange) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	const query = `
		SELECT count(*) FILTER (WHERE status = $2) AS resolved,
		       count(*) AS terminal
		FROM depeg_events
		WHERE stablecoin = $1
		  AND status IN ($2, $3)
		  AND magnitude >= $4
		  AND ($5 = 0 OR magnitude <= $5)`

	var counts struct {
		Resolved int64 `db:"resolved"`
		Terminal int64 `db:"terminal"`
	}
	err := h.db.GetContext(ctx, &counts, query,
		asset, string(domain.DepegResolved), string(domain.DepegExpired),
		r.Min, r.Max)
	if err != nil {
		return 0, fmt.Errorf("depeg history: success rate: %w", err)
	}
	if counts.Terminal == 0 {
		return 0, fmt.Errorf("depeg history: %s: %w: no terminal events in range",
			asset, domain.ErrInsufficientData)
	}
	return float64(counts.Resolved) / float64(counts.Terminal), nil
}
