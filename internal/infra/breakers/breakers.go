// Package breakers guards the execution port with circuit breakers. An
// open breaker surfaces as a transient execution failure, so supervisors
// retry on their own schedule instead of hammering a sick venue.
package breakers

import (
	"context"
	"errors"
	"fmt"
	"time"

	cb "github.com/sony/gobreaker"
	"github.com/rs/zerolog"

	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/ports"
)

// Config tunes the trip policy shared by both breakers.
type Config struct {
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	MinRequests         uint32        `yaml:"min_requests"`
	FailureRate         float64       `yaml:"failure_rate"`
}

// DefaultConfig trips on 3 consecutive failures, or a 5% failure rate
// once 20 requests have been seen in the window.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
		MinRequests:         20,
		FailureRate:         0.05,
	}
}

// Executor wraps an OrderExecutor; orders and transfers trip
// independently so a stuck withdrawal queue does not block trading.
type Executor struct {
	inner     ports.OrderExecutor
	orders    *cb.CircuitBreaker
	transfers *cb.CircuitBreaker
	log       zerolog.Logger
}

func WrapExecutor(name string, cfg Config, inner ports.OrderExecutor, logger zerolog.Logger) *Executor {
	e := &Executor{
		inner: inner,
		log:   logger.With().Str("component", "breakers").Str("venue_set", name).Logger(),
	}
	e.orders = e.newBreaker(name+"-orders", cfg)
	e.transfers = e.newBreaker(name+"-transfers", cfg)
	return e
}

func (e *Executor) newBreaker(name string, cfg Config) *cb.CircuitBreaker {
	st := cb.Settings{Name: name}
	st.Interval = cfg.Interval
	st.Timeout = cfg.Timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
			return true
		}
		if counts.Requests < cfg.MinRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > cfg.FailureRate
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		e.log.Warn().Str("breaker", name).
			Str("from", from.String()).Str("to", to.String()).
			Msg("breaker state change")
	}
	return cb.NewCircuitBreaker(st)
}

func (e *Executor) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	out, err := e.orders.Execute(func() (any, error) {
		return e.inner.PlaceOrder(ctx, req)
	})
	if err != nil {
		return ports.OrderResult{}, mapErr("place order", err)
	}
	return out.(ports.OrderResult), nil
}

func (e *Executor) CancelOrder(ctx context.Context, venue, orderID string) error {
	_, err := e.orders.Execute(func() (any, error) {
		return nil, e.inner.CancelOrder(ctx, venue, orderID)
	})
	if err != nil {
		return mapErr("cancel order", err)
	}
	return nil
}

func (e *Executor) Withdraw(ctx context.Context, req ports.TransferRequest) (ports.TransferResult, error) {
	out, err := e.transfers.Execute(func() (any, error) {
		return e.inner.Withdraw(ctx, req)
	})
	if err != nil {
		return ports.TransferResult{}, mapErr("withdraw", err)
	}
	return out.(ports.TransferResult), nil
}

func (e *Executor) Deposit(ctx context.Context, req ports.TransferRequest) (ports.TransferResult, error) {
	out, err := e.transfers.Execute(func() (any, error) {
		return e.inner.Deposit(ctx, req)
	})
	if err != nil {
		return ports.TransferResult{}, mapErr("deposit", err)
	}
	return out.(ports.TransferResult), nil
}

// mapErr turns breaker refusals into retryable failures; venue errors
// pass through untouched.
func mapErr(op string, err error) error {
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return fmt.Errorf("%s: breaker open: %w", op, domain.ErrTransientExecution)
	}
	return err
}
