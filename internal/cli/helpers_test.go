package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
)

// testLedger is a config file plus key files in a temp dir.
type testLedger struct {
	dir    string
	config string
	keys   map[string]string
}

// newTestLedger writes a config funding genesis and a key file per name.
// Identities are derived from their names.
func newTestLedger(t *testing.T, genesis map[string]uint64, names ...string) *testLedger {
	t.Helper()
	l := &testLedger{dir: t.TempDir(), keys: make(map[string]string)}

	for name := range genesis {
		names = append(names, name)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	var allocs []string
	for _, name := range names {
		path := filepath.Join(l.dir, name+".key")
		require.NoError(t, identity.FromSeed(name).Save(path))
		l.keys[name] = path
		if bal, ok := genesis[name]; ok {
			allocs = append(allocs, fmt.Sprintf("\t{owner: %q, balance: %d},", id(name), bal))
		}
	}

	src := fmt.Sprintf("database: %q\nrollup_database: %q\ncadence: false\n",
		filepath.Join(l.dir, "base.db"), filepath.Join(l.dir, "rollup.db"))
	if len(allocs) > 0 {
		src += "genesis: [\n" + strings.Join(allocs, "\n") + "\n]\n"
	}
	l.config = filepath.Join(l.dir, "erledger.cue")
	require.NoError(t, os.WriteFile(l.config, []byte(src), 0o600))
	return l
}

// run executes the CLI against the ledger and returns its stdout.
func (l *testLedger) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", l.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// as runs a command signed by name with JSON output.
func (l *testLedger) as(t *testing.T, name string, args ...string) (string, error) {
	t.Helper()
	return l.run(t, append([]string{"--format", "json", "--key", l.keys[name]}, args...)...)
}

func id(name string) ir.Identity {
	return identity.FromSeed(name).ID()
}

// decodeData decodes the data of a successful JSON response.
func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	return resp.Data
}

// decodeError decodes the error of a failed JSON response.
func decodeError(t *testing.T, out string) CLIError {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "error", resp.Status, out)
	require.NotNil(t, resp.Error)
	return *resp.Error
}
