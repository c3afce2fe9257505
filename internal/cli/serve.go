package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/node"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger with periodic checkpoints",
		Long: `Open the ledger and keep it running until interrupted.

On start, serve applies the configured genesis to an empty ledger and
resumes any interrupted reconciliation. While it runs, the rollup
checkpoints every delegated record into the base ledger at the record's
commit frequency (unless cadence is disabled in config).

Example:
  erledger serve --config erledger.cue
  erledger serve --config erledger.cue --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger := opts.logger(cmd.ErrOrStderr(), slog.LevelInfo)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	n, err := node.Open(ctx, cfg, node.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer func() {
		if closeErr := n.Close(); closeErr != nil {
			logger.Error("error closing ledger", "error", closeErr)
		}
	}()

	applied, err := n.ApplyGenesis(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "genesis failed", err)
	}
	if applied {
		logger.Info("genesis applied", "records", len(cfg.Genesis))
	}

	recovered, err := n.Recover(ctx)
	if err != nil {
		// Records stay reconciling; the next start retries them.
		if !ledger.IsRetryable(err) && !errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "recovery failed", err)
		}
		logger.Warn("recovery incomplete", "error", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Ledger started (database %s, rollup %s). Recovered %d reconciliation(s).\n",
		cfg.Database, cfg.RollupDatabase, recovered)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	<-ctx.Done()
	logger.Info("ledger stopped gracefully")
	return nil
}
