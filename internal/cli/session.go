package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/node"
)

// withNode opens the ledger for a one-shot command and closes it after fn.
// Commit loops stay off; only serve runs them.
func (o *RootOptions) withNode(cmd *cobra.Command, fn func(ctx context.Context, n *node.Node) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	cfg.Cadence = false

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := o.logger(cmd.ErrOrStderr(), slog.LevelWarn)
	n, err := node.Open(ctx, cfg, node.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer func() {
		if closeErr := n.Close(); closeErr != nil {
			logger.Error("error closing ledger", "error", closeErr)
		}
	}()

	return fn(ctx, n)
}

// sign builds a request for action signed by id under a fresh nonce.
func sign(id *identity.Identity, action ir.Action, args ir.IRObject) (authz.Request, error) {
	req, err := authz.Sign(id, action, args, authz.UUIDv7Nonces{}.Next())
	if err != nil {
		return authz.Request{}, WrapExitError(ExitCommandError, "failed to sign request", err)
	}
	return req, nil
}
