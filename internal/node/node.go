// Package node assembles a running ledger from configuration: the base
// store and service, the rollup with its own store, and the relay between
// them.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/erledger/internal/config"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/relay"
	"github.com/roach88/erledger/internal/rollup"
	"github.com/roach88/erledger/internal/store"
)

// Node is an assembled ledger.
type Node struct {
	Config  config.Config
	Service *ledger.Service
	Rollup  *rollup.Context
	Relay   *relay.Local

	// Gate takes the rollup offline for fault injection.
	Gate *relay.Gate

	base   *store.Store
	rollup *store.Store
	logger *slog.Logger
}

// Option configures a Node.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the structured logger. Components log with a
// "component" attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open opens both stores, resumes rollup commit loops and returns the node.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open base store: %w", err)
	}
	rst, err := store.Open(cfg.RollupDatabase)
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("open rollup store: %w", err)
	}

	roll := rollup.New(rst, ledger.NewBaseGateway(base),
		rollup.WithLogger(o.logger.With("component", "rollup")),
		rollup.WithCadence(cfg.Cadence),
	)

	gate := &relay.Gate{}
	rl := relay.NewLocal(roll, relay.Config{
		Timeout:             cfg.RelayTimeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
	},
		relay.WithGate(gate),
		relay.WithLogger(o.logger.With("component", "relay")),
	)

	svcOpts := []ledger.Option{
		ledger.WithLogger(o.logger.With("component", "ledger")),
		ledger.WithDefaultValidator(ir.Identity(cfg.DefaultValidator)),
	}
	if vs := cfg.Validators(); len(vs) > 0 {
		svcOpts = append(svcOpts, ledger.WithAllowedValidators(vs...))
	}
	svc := ledger.NewService(base, rl, svcOpts...)

	n := &Node{
		Config:  cfg,
		Service: svc,
		Rollup:  roll,
		Relay:   rl,
		Gate:    gate,
		base:    base,
		rollup:  rst,
		logger:  o.logger,
	}

	held, err := roll.Resume(ctx)
	if err != nil {
		n.Close()
		return nil, err
	}
	o.logger.Info("node open",
		"database", cfg.Database,
		"rollup_database", cfg.RollupDatabase,
		"held", held,
		"cadence", cfg.Cadence,
	)
	return n, nil
}

// ApplyGenesis funds the configured allocations if the ledger is empty.
// It reports whether genesis ran.
func (n *Node) ApplyGenesis(ctx context.Context) (bool, error) {
	if len(n.Config.Genesis) == 0 {
		return false, nil
	}
	count, err := n.base.CountRecords(ctx)
	if err != nil {
		return false, fmt.Errorf("genesis: %w", err)
	}
	if count > 0 {
		n.logger.Debug("genesis skipped", "records", count)
		return false, nil
	}
	if err := n.Service.Genesis(ctx, n.Config.Genesis); err != nil {
		return false, err
	}
	return true, nil
}

// Recover resumes interrupted reconciliations.
func (n *Node) Recover(ctx context.Context) (int, error) {
	return n.Service.Recover(ctx)
}

// Close stops commit loops and closes both stores.
func (n *Node) Close() error {
	n.Rollup.Close()
	return errors.Join(n.rollup.Close(), n.base.Close())
}
