package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/erledger/internal/ir"
)

// Checkpoint sources recorded in the checkpoints table.
const (
	SourceCommit    = "commit"
	SourceCadence   = "cadence"
	SourceReconcile = "reconcile"
)

// Tx is a store transaction handed to Update callbacks.
// All mutations are guarded by the record's expected authority.
type Tx struct {
	tx    *sql.Tx
	ctx   context.Context
	clock *Clock
}

// NextSeq stamps a new logical time.
func (t *Tx) NextSeq() int64 {
	return t.clock.Next()
}

// Record returns the record at key, or ErrNotFound.
func (t *Tx) Record(key ir.RecordKey) (ir.Record, error) {
	return readRecord(t.ctx, t.tx, key)
}

// InsertRecord creates a record. Returns ErrExists if the key (or owner) is
// already present.
func (t *Tx) InsertRecord(rec ir.Record) (ir.Record, error) {
	if !rec.Authority.Valid() {
		return ir.Record{}, fmt.Errorf("insert record: invalid authority %q", rec.Authority)
	}
	rec.UpdatedSeq = t.NextSeq()
	freq, validator := delegationColumns(rec.Delegation)

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO records
		(key, owner, balance, authority, commit_frequency_ms, validator,
		 pending_reconciliation, checkpoint_seq, updated_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		string(rec.Key),
		string(rec.Owner),
		ir.EncodeBalance(rec.Balance),
		string(rec.Authority),
		freq,
		validator,
		rec.PendingReconciliation,
		rec.CheckpointSeq,
		rec.UpdatedSeq,
	)
	if err != nil {
		return ir.Record{}, fmt.Errorf("insert record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return ir.Record{}, fmt.Errorf("insert record: rows affected: %w", err)
	} else if n == 0 {
		return ir.Record{}, ErrExists
	}
	return rec, nil
}

// UpsertRecord writes rec whether or not the key exists. The rollup uses it
// to accept a record, replacing any tombstone left by an earlier release.
func (t *Tx) UpsertRecord(rec ir.Record) (ir.Record, error) {
	if !rec.Authority.Valid() {
		return ir.Record{}, fmt.Errorf("upsert record: invalid authority %q", rec.Authority)
	}
	rec.UpdatedSeq = t.NextSeq()
	freq, validator := delegationColumns(rec.Delegation)

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO records
		(key, owner, balance, authority, commit_frequency_ms, validator,
		 pending_reconciliation, checkpoint_seq, updated_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			balance = excluded.balance,
			authority = excluded.authority,
			commit_frequency_ms = excluded.commit_frequency_ms,
			validator = excluded.validator,
			pending_reconciliation = excluded.pending_reconciliation,
			checkpoint_seq = excluded.checkpoint_seq,
			updated_seq = excluded.updated_seq
	`,
		string(rec.Key),
		string(rec.Owner),
		ir.EncodeBalance(rec.Balance),
		string(rec.Authority),
		freq,
		validator,
		rec.PendingReconciliation,
		rec.CheckpointSeq,
		rec.UpdatedSeq,
	)
	if err != nil {
		return ir.Record{}, fmt.Errorf("upsert record: %w", err)
	}
	return rec, nil
}

// PutBalance sets the balance of a record held under want.
func (t *Tx) PutBalance(key ir.RecordKey, want ir.Authority, balance uint64) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE records SET balance = ?, updated_seq = ?
		WHERE key = ? AND authority = ?
	`, ir.EncodeBalance(balance), t.NextSeq(), string(key), string(want))
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return t.guarded(res, key, "put balance")
}

// Transition moves a record from one authority to another and sets its
// pending reconciliation ID. It fails with ErrAuthority unless the record is
// currently held under from.
func (t *Tx) Transition(key ir.RecordKey, from, to ir.Authority, pending string) error {
	if !to.Valid() {
		return fmt.Errorf("transition: invalid authority %q", to)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE records SET authority = ?, pending_reconciliation = ?, updated_seq = ?
		WHERE key = ? AND authority = ?
	`, string(to), pending, t.NextSeq(), string(key), string(from))
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	return t.guarded(res, key, "transition")
}

// SetDelegation stores (or with nil, clears) the delegation descriptor of a
// record held under want. Setting a descriptor resets the checkpoint seq.
func (t *Tx) SetDelegation(key ir.RecordKey, want ir.Authority, d *ir.Delegation) error {
	freq, validator := delegationColumns(d)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE records
		SET commit_frequency_ms = ?, validator = ?, checkpoint_seq = 0, updated_seq = ?
		WHERE key = ? AND authority = ?
	`, freq, validator, t.NextSeq(), string(key), string(want))
	if err != nil {
		return fmt.Errorf("set delegation: %w", err)
	}
	return t.guarded(res, key, "set delegation")
}

// ApplyCheckpoint overwrites the committed balance of a delegated record.
// Checkpoints at or below the last applied seq are ignored (applied=false),
// so late or duplicate deliveries never roll a balance back.
func (t *Tx) ApplyCheckpoint(cp ir.Checkpoint, source string) (applied bool, err error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE records SET balance = ?, checkpoint_seq = ?, updated_seq = ?
		WHERE key = ? AND authority = ? AND checkpoint_seq < ?
	`,
		ir.EncodeBalance(cp.Balance),
		cp.Seq,
		t.NextSeq(),
		string(cp.Key),
		string(ir.AuthorityDelegated),
		cp.Seq,
	)
	if err != nil {
		return false, fmt.Errorf("apply checkpoint: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply checkpoint: rows affected: %w", err)
	}
	if n == 0 {
		rec, err := t.Record(cp.Key)
		if err != nil {
			return false, err
		}
		if rec.Authority != ir.AuthorityDelegated {
			return false, ErrAuthority
		}
		return false, nil
	}

	if err := t.AppendCheckpoint(cp, source); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteReleased removes a released tombstone left by the given
// reconciliation. Deleting an absent tombstone is a no-op.
func (t *Tx) DeleteReleased(key ir.RecordKey, reconciliationID string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM records
		WHERE key = ? AND authority = ? AND pending_reconciliation = ?
	`, string(key), string(ir.AuthorityReleased), reconciliationID)
	if err != nil {
		return fmt.Errorf("delete released: %w", err)
	}
	return nil
}

// DeleteUnclaimed removes a delegated record that never received a
// checkpoint and holds a zero committed balance: the base copy of a receiver
// whose creating transfer did not commit. Returns ErrAuthority if the record
// no longer matches.
func (t *Tx) DeleteUnclaimed(key ir.RecordKey) error {
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM records
		WHERE key = ? AND authority = ? AND balance = ?
		  AND checkpoint_seq = 0 AND pending_reconciliation = ''
	`, string(key), string(ir.AuthorityDelegated), ir.EncodeBalance(0))
	if err != nil {
		return fmt.Errorf("delete unclaimed: %w", err)
	}
	return t.guarded(res, key, "delete unclaimed")
}

// AppendOperation logs a signed request. Returns ErrReplayed when the
// (signer, nonce) pair or the operation ID is already present.
//
// Args are serialized to canonical JSON per RFC 8785.
func (t *Tx) AppendOperation(op ir.Operation) error {
	argsJSON, err := marshalObject(op.Args)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO operations
		(id, action, signer, nonce, record_key, args, seq, ledger_version, ir_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		op.ID,
		string(op.Action),
		string(op.Signer),
		op.Nonce,
		string(op.RecordKey),
		argsJSON,
		op.Seq,
		op.LedgerVersion,
		ir.IRVersion,
	)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("append operation: rows affected: %w", err)
	} else if n == 0 {
		return ErrReplayed
	}
	return nil
}

// AppendOutcome logs how an operation ended. Each operation has exactly one
// outcome; a second write for the same operation is silently ignored.
//
// Note: The operation referenced by OperationID must exist (foreign key constraint).
func (t *Tx) AppendOutcome(out ir.Outcome) error {
	resultJSON, err := marshalObject(out.Result)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO outcomes (id, operation_id, outcome, result, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, out.ID, out.OperationID, out.Outcome, resultJSON, out.Seq)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// AppendCheckpoint records a balance committed by the rollup.
func (t *Tx) AppendCheckpoint(cp ir.Checkpoint, source string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO checkpoints (key, balance, seq, source)
		VALUES (?, ?, ?, ?)
	`, string(cp.Key), ir.EncodeBalance(cp.Balance), cp.Seq, source)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// guarded classifies an authority-guarded write that matched no row.
func (t *Tx) guarded(res sql.Result, key ir.RecordKey, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := t.Record(key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return ErrAuthority
}

func delegationColumns(d *ir.Delegation) (uint32, string) {
	if d == nil {
		return 0, ""
	}
	return d.CommitFrequencyMS, string(d.Validator)
}

func marshalObject(obj ir.IRObject) (string, error) {
	if obj == nil {
		obj = ir.IRObject{}
	}
	b, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
