package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Force bool
}

// KeygenResult describes a generated identity.
type KeygenResult struct {
	Identity  ir.Identity  `json:"identity"`
	RecordKey ir.RecordKey `json:"record_key"`
	KeyFile   string       `json:"key_file"`
	Created   bool         `json:"created"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing identity",
		Long: `Generate an ed25519 signing identity and write it to the --key file
(PEM, PKCS8, mode 0600). The printed identity is the public identifier
other commands and genesis allocations refer to.

An existing key file is loaded and printed unchanged; --force replaces it
with a new identity.

Examples:
  erledger keygen --key alice.key
  erledger keygen --key alice.key --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing key file")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	if opts.Key == "" {
		return NewExitError(ExitCommandError, "--key is required")
	}
	var (
		id      *identity.Identity
		created bool
		err     error
	)
	if opts.Force {
		if id, err = identity.Generate(); err != nil {
			return WrapExitError(ExitCommandError, "failed to generate key", err)
		}
		if err := id.Save(opts.Key); err != nil {
			return WrapExitError(ExitCommandError, "failed to save key", err)
		}
		created = true
	} else {
		info, statErr := os.Stat(opts.Key)
		created = statErr != nil || info.Size() == 0
		if id, err = identity.LoadOrCreate(opts.Key); err != nil {
			return WrapExitError(ExitCommandError, "failed to load or create key", err)
		}
	}

	result := KeygenResult{
		Identity:  id.ID(),
		RecordKey: id.RecordKey(),
		KeyFile:   opts.Key,
		Created:   created,
	}
	status := "Loaded existing key"
	if created {
		status = "Generated new key"
	}
	return opts.formatter(cmd).Success(result,
		status,
		fmt.Sprintf("Identity:   %s", result.Identity),
		fmt.Sprintf("Record key: %s", result.RecordKey),
		fmt.Sprintf("Key file:   %s", result.KeyFile),
	)
}
