package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/node"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the signer's balance record",
		Long: `Create a zero-balance record for the --key identity on the base ledger.

Example:
  erledger init --key alice.key`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, cmd)
		},
	}
}

func runInit(opts *RootOptions, cmd *cobra.Command) error {
	id, err := opts.signer()
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		req, err := sign(id, ir.ActionInitialize, ir.IRObject{})
		if err != nil {
			return err
		}
		ack, err := n.Service.Initialize(ctx, req)
		if err != nil {
			return f.Fail("initialize failed", err)
		}
		return f.Success(ack, fmt.Sprintf("Initialized record %s for %s", ack.Key.Short(), id.ID()))
	})
}

// DelegateOptions holds flags for the delegate command.
type DelegateOptions struct {
	*RootOptions
	CommitFrequencyMS uint32
	Validator         string
}

// NewDelegateCommand creates the delegate command.
func NewDelegateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DelegateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Hand the signer's record to the rollup",
		Long: `Delegate write authority over the --key identity's record to the rollup.
While delegated, transfers from the record run on the rollup and the base
ledger refuses to mutate it.

The rollup checkpoints the balance into the base ledger every
--commit-frequency-ms while "erledger serve" runs; 0 disables periodic
checkpoints. Without the flag the config default applies.

Examples:
  erledger delegate --key alice.key
  erledger delegate --key alice.key --commit-frequency-ms 500 --validator <identity>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegate(opts, cmd)
		},
	}

	cmd.Flags().Uint32Var(&opts.CommitFrequencyMS, "commit-frequency-ms", 0, "checkpoint interval in milliseconds (default from config)")
	cmd.Flags().StringVar(&opts.Validator, "validator", "", "validator identity (default from config)")

	return cmd
}

func runDelegate(opts *DelegateOptions, cmd *cobra.Command) error {
	id, err := opts.signer()
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		p := ledger.DelegateParams{
			CommitFrequencyMS: n.Config.DefaultCommitFrequencyMS,
			Validator:         ir.Identity(opts.Validator),
		}
		if cmd.Flags().Changed("commit-frequency-ms") {
			p.CommitFrequencyMS = opts.CommitFrequencyMS
		}

		req, err := sign(id, ir.ActionDelegate, ledger.DelegateArgs(p))
		if err != nil {
			return err
		}
		ack, err := n.Service.Delegate(ctx, req, p)
		if err != nil {
			return f.Fail("delegate failed", err)
		}
		return f.Success(ack, fmt.Sprintf("Delegated record %s: balance %d, commit every %dms",
			ack.Key.Short(), ack.Balance, p.CommitFrequencyMS))
	})
}

// NewTransferCommand creates the transfer command.
func NewTransferCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <receiver> <amount>",
		Short: "Transfer value to another identity",
		Long: `Transfer amount from the --key identity's record to receiver's.
The transfer runs under whichever context holds the sender's record: the
base ledger when based, the rollup when delegated. A receiver without a
record gets one.

Example:
  erledger transfer --key alice.key <receiver-identity> 30`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runTransfer(opts *RootOptions, receiver, amountArg string, cmd *cobra.Command) error {
	amount, err := strconv.ParseUint(amountArg, 10, 64)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid amount %q", amountArg), err)
	}
	id, err := opts.signer()
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		to := ir.Identity(receiver)
		req, err := sign(id, ir.ActionTransfer, ledger.TransferArgs(to, amount))
		if err != nil {
			return err
		}
		receipt, err := n.Service.Transfer(ctx, req, to, amount)
		if err != nil {
			return f.Fail("transfer failed", err)
		}

		lines := []string{
			fmt.Sprintf("Transferred %d to %s (%s)", amount, receipt.ReceiverKey.Short(), receipt.Authority),
			fmt.Sprintf("  Sender balance:   %d", receipt.SenderAfter),
			fmt.Sprintf("  Receiver balance: %d", receipt.ReceiverAfter),
		}
		if receipt.CreatedReceiver {
			lines = append(lines, "  Receiver record created")
		}
		return f.Success(receipt, lines...)
	})
}

// NewUndelegateCommand creates the undelegate command.
func NewUndelegateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undelegate",
		Short: "Reconcile the signer's record back to the base ledger",
		Long: `Commit the rollup's balance of the --key identity's record to the base
ledger and return write authority to it.

If the rollup cannot be reached the record stays delegated and the
command exits with code 3; running it again resumes the same
reconciliation.

Example:
  erledger undelegate --key alice.key`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUndelegate(rootOpts, cmd)
		},
	}
}

func runUndelegate(opts *RootOptions, cmd *cobra.Command) error {
	id, err := opts.signer()
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		req, err := sign(id, ir.ActionUndelegate, ir.IRObject{})
		if err != nil {
			return err
		}
		ack, err := n.Service.Undelegate(ctx, req)
		if err != nil {
			return f.Fail("undelegate failed", err)
		}
		return f.Success(ack, fmt.Sprintf("Undelegated record %s: balance %d committed to the base ledger",
			ack.Key.Short(), ack.Balance))
	})
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "commit",
		Short: "Checkpoint the signer's delegated balance",
		Long: `Write the rollup's current balance of the --key identity's record to the
base ledger. The record stays delegated.

Example:
  erledger commit --key alice.key`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommit(rootOpts, cmd)
		},
	}
}

func runCommit(opts *RootOptions, cmd *cobra.Command) error {
	id, err := opts.signer()
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		req, err := sign(id, ir.ActionCommit, ir.IRObject{})
		if err != nil {
			return err
		}
		cp, err := n.Service.Commit(ctx, req)
		if err != nil {
			return f.Fail("commit failed", err)
		}
		return f.Success(cp, fmt.Sprintf("Committed record %s: balance %d", cp.Key.Short(), cp.Balance))
	})
}

// RecoverResult reports a recover run.
type RecoverResult struct {
	Recovered int `json:"recovered"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume interrupted reconciliations",
		Long: `Finish every undelegate that was interrupted mid-flight, for example by
a crash, leaving its record in the reconciling state.

Example:
  erledger recover`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		recovered, err := n.Recover(ctx)
		if err != nil {
			return f.Fail("recover failed", err)
		}
		return f.Success(RecoverResult{Recovered: recovered},
			fmt.Sprintf("Recovered %d reconciliation(s)", recovered))
	})
}
