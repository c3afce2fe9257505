// Command erledger manages balance records on a base ledger with delegated
// execution on a rollup.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/erledger/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
