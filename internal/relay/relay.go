// Package relay carries base ledger requests to the rollup.
//
// Every call runs under a deadline and behind a circuit breaker. A call the
// rollup abandons at the deadline, a call to an offline rollup and a call
// refused by an open breaker return plain errors; refusals from the rollup
// itself come back as ledger errors and do not count against the breaker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
)

// ErrUnreachable is returned while the gate is offline.
var ErrUnreachable = errors.New("rollup unreachable")

// Rollup is the rollup API the relay forwards to.
// *rollup.Context satisfies it.
type Rollup interface {
	Accept(ctx context.Context, rec ir.Record) error
	Transfer(ctx context.Context, order ir.TransferOrder) (ir.Receipt, error)
	Commit(ctx context.Context, key ir.RecordKey) (ir.Checkpoint, error)
	CommitAndUndelegate(ctx context.Context, key ir.RecordKey, reconciliationID string) (ir.Checkpoint, error)
	Ack(ctx context.Context, key ir.RecordKey, reconciliationID string) error
	Balance(ctx context.Context, key ir.RecordKey) (ir.Record, error)
}

// Config bounds relay calls.
type Config struct {
	// Timeout bounds each call.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             5 * time.Second,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// Gate simulates the rollup being unreachable. The zero value is online.
type Gate struct {
	offline atomic.Bool
}

// SetOffline takes the rollup offline (true) or back online (false).
func (g *Gate) SetOffline(offline bool) {
	g.offline.Store(offline)
}

// Offline reports whether the rollup is unreachable.
func (g *Gate) Offline() bool {
	return g != nil && g.offline.Load()
}

// Local relays to a rollup in the same process.
type Local struct {
	rollup  Rollup
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	gate    *Gate
	logger  *slog.Logger
}

// Option configures a Local relay.
type Option func(*Local)

// WithGate installs a gate for fault injection.
func WithGate(g *Gate) Option {
	return func(l *Local) {
		l.gate = g
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal creates a relay to r.
func NewLocal(r Rollup, cfg Config, opts ...Option) *Local {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	l := &Local{
		rollup:  r,
		timeout: cfg.Timeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rollup-relay",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("relay breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || ledger.IsBusiness(err)
		},
	})
	return l
}

// State returns the breaker state ("closed", "half-open" or "open").
func (l *Local) State() string {
	return l.breaker.State().String()
}

// Delegate implements ledger.Relay.
func (l *Local) Delegate(ctx context.Context, rec ir.Record) error {
	_, err := call(ctx, l, "delegate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.rollup.Accept(ctx, rec)
	})
	return err
}

// Transfer implements ledger.Relay.
func (l *Local) Transfer(ctx context.Context, order ir.TransferOrder) (ir.Receipt, error) {
	return call(ctx, l, "transfer", func(ctx context.Context) (ir.Receipt, error) {
		return l.rollup.Transfer(ctx, order)
	})
}

// Commit implements ledger.Relay.
func (l *Local) Commit(ctx context.Context, key ir.RecordKey) (ir.Checkpoint, error) {
	return call(ctx, l, "commit", func(ctx context.Context) (ir.Checkpoint, error) {
		return l.rollup.Commit(ctx, key)
	})
}

// CommitAndUndelegate implements ledger.Relay.
func (l *Local) CommitAndUndelegate(ctx context.Context, key ir.RecordKey, reconciliationID string) (ir.Checkpoint, error) {
	return call(ctx, l, "commit-and-undelegate", func(ctx context.Context) (ir.Checkpoint, error) {
		return l.rollup.CommitAndUndelegate(ctx, key, reconciliationID)
	})
}

// Ack implements ledger.Relay.
func (l *Local) Ack(ctx context.Context, key ir.RecordKey, reconciliationID string) error {
	_, err := call(ctx, l, "ack", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.rollup.Ack(ctx, key, reconciliationID)
	})
	return err
}

// Balance implements ledger.Relay.
func (l *Local) Balance(ctx context.Context, key ir.RecordKey) (ir.Record, error) {
	return call(ctx, l, "balance", func(ctx context.Context) (ir.Record, error) {
		return l.rollup.Balance(ctx, key)
	})
}

// call runs fn behind the breaker with the relay deadline. The rollup
// observes the deadline and rolls back work it has not committed, so call
// waits for its answer: work the rollup did commit is reported as done even
// when the answer arrives late.
func call[T any](ctx context.Context, l *Local, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	out, err := l.breaker.Execute(func() (interface{}, error) {
		if l.gate.Offline() {
			return nil, fmt.Errorf("%s: %w", name, ErrUnreachable)
		}

		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		v, err := fn(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil && !ledger.IsBusiness(err) && !errors.Is(err, cerr) {
				return nil, fmt.Errorf("%s: %w: %w", name, cerr, err)
			}
			return nil, err
		}
		if cerr := ctx.Err(); cerr != nil {
			l.logger.Warn("rollup answered after the deadline", "call", name, "error", cerr)
		}
		return v, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			l.logger.Warn("relay breaker rejected request", "call", name)
			return zero, fmt.Errorf("%s: rollup unavailable (circuit breaker %s): %w", name, l.State(), err)
		}
		return zero, err
	}
	return out.(T), nil
}
