package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/testutil"
	"github.com/stretchr/testify/require"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a record for owner with minimal required fields.
func createTestRecord(owner ir.Identity, balance uint64, authority ir.Authority) ir.Record {
	return ir.Record{
		Key:       ir.DeriveRecordKey(owner),
		Owner:     owner,
		Balance:   balance,
		Authority: authority,
	}
}

// createTestOperation creates a transfer operation signed by signer.
func createTestOperation(signer ir.Identity, nonce string, seq int64) ir.Operation {
	args := ir.IRObject{"receiver": ir.IRString("bob"), "amount": ir.Amount(1)}
	return ir.Operation{
		ID:            testutil.OperationID(ir.ActionTransfer, signer, nonce, args),
		Action:        ir.ActionTransfer,
		Signer:        signer,
		Nonce:         nonce,
		RecordKey:     ir.DeriveRecordKey(signer),
		Args:          args,
		Seq:           seq,
		LedgerVersion: ir.LedgerVersion,
	}
}

// insert writes records in one transaction.
func insert(t *testing.T, s *Store, records ...ir.Record) {
	t.Helper()
	err := s.Update(context.Background(), func(tx *Tx) error {
		for _, rec := range records {
			if _, err := tx.InsertRecord(rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}
