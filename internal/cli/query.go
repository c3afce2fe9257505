package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/node"
)

// owner resolves the identity a query is about: the argument when given,
// otherwise the --key identity.
func (o *RootOptions) owner(args []string) (ir.Identity, error) {
	if len(args) > 0 {
		return ir.Identity(args[0]), nil
	}
	id, err := o.signer()
	if err != nil {
		return "", err
	}
	return id.ID(), nil
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [identity]",
		Short: "Show a record's balance and authority",
		Long: `Show the record of identity, or of the --key identity when omitted.

Balance is the authoritative balance: the rollup's while the record is
delegated. Committed is the balance last written to the base ledger.

Examples:
  erledger balance <identity>
  erledger balance --key alice.key --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(rootOpts, args, cmd)
		},
	}
}

func runBalance(opts *RootOptions, args []string, cmd *cobra.Command) error {
	owner, err := opts.owner(args)
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		view, err := n.Service.Balance(ctx, owner)
		if err != nil {
			return f.Fail("balance failed", err)
		}

		lines := []string{
			fmt.Sprintf("Owner:     %s", view.Owner),
			fmt.Sprintf("Key:       %s", view.Key),
			fmt.Sprintf("Authority: %s", view.Authority),
			fmt.Sprintf("Balance:   %d", view.Balance),
			fmt.Sprintf("Committed: %d", view.Committed),
		}
		if d := view.Delegation; d != nil {
			lines = append(lines, fmt.Sprintf("Commit frequency: %dms", d.CommitFrequencyMS))
			if d.Validator != "" {
				lines = append(lines, fmt.Sprintf("Validator: %s", d.Validator))
			}
		}
		if view.PendingReconciliation != "" {
			lines = append(lines, fmt.Sprintf("Pending reconciliation: %s", view.PendingReconciliation))
		}
		return f.Success(view, lines...)
	})
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [identity]",
		Short: "List operations signed by an identity",
		Long: `List the operations signed by identity (or the --key identity) from the
base ledger's operation log, oldest first, each with its outcome.

Examples:
  erledger history <identity>
  erledger history --key alice.key --limit 10 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show only the most recent n operations (0 = all)")

	return cmd
}

func runHistory(opts *HistoryOptions, args []string, cmd *cobra.Command) error {
	owner, err := opts.owner(args)
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		entries, err := n.Service.History(ctx, owner, opts.Limit)
		if err != nil {
			return f.Fail("history failed", err)
		}
		if len(entries) == 0 {
			return f.Success(entries, fmt.Sprintf("No operations found for: %s", owner))
		}

		lines := make([]string, 0, len(entries))
		for _, e := range entries {
			lines = append(lines, formatEntry(e))
		}
		return f.Success(entries, lines...)
	})
}

// formatEntry renders one history entry as a single line.
func formatEntry(e ir.Entry) string {
	outcome := "pending"
	if e.Outcome != nil {
		outcome = e.Outcome.Outcome
	}

	var args []string
	for _, k := range e.Operation.Args.SortedKeys() {
		args = append(args, fmt.Sprintf("%s=%s", k, formatValue(e.Operation.Args[k])))
	}
	return fmt.Sprintf("[%d] %-10s %-20s %s", e.Operation.Seq, e.Operation.Action, outcome, strings.Join(args, " "))
}

func formatValue(v ir.IRValue) string {
	switch val := v.(type) {
	case ir.IRString:
		return string(val)
	case ir.IRInt:
		return fmt.Sprint(int64(val))
	case ir.IRBool:
		return fmt.Sprint(bool(val))
	default:
		return fmt.Sprint(val)
	}
}
