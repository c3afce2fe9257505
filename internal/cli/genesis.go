package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/erledger/internal/node"
)

// GenesisResult reports a genesis run.
type GenesisResult struct {
	Applied bool   `json:"applied"`
	Records int    `json:"records"`
	Supply  uint64 `json:"supply"`
}

// NewGenesisCommand creates the genesis command.
func NewGenesisCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "genesis",
		Short: "Fund the genesis allocations from config",
		Long: `Create the funded records listed under genesis in the config file.
Genesis only runs on an empty ledger; on a ledger that already holds
records it reports applied=false and changes nothing.

Example:
  erledger genesis --config erledger.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenesis(rootOpts, cmd)
		},
	}
}

func runGenesis(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return opts.withNode(cmd, func(ctx context.Context, n *node.Node) error {
		if len(n.Config.Genesis) == 0 {
			return NewExitError(ExitCommandError, "config has no genesis allocations")
		}

		applied, err := n.ApplyGenesis(ctx)
		if err != nil {
			return f.Fail("genesis failed", err)
		}
		supply, err := n.Service.TotalSupply(ctx)
		if err != nil {
			return f.Fail("failed to read total supply", err)
		}

		result := GenesisResult{Applied: applied, Records: len(n.Config.Genesis), Supply: supply}
		line := fmt.Sprintf("Genesis applied: %d records, total supply %d", result.Records, supply)
		if !applied {
			line = fmt.Sprintf("Genesis skipped: ledger is not empty (total supply %d)", supply)
		}
		return f.Success(result, line)
	})
}
