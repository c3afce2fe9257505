package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/erledger/internal/ir"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `key, owner, balance, authority, commit_frequency_ms, validator,
	pending_reconciliation, checkpoint_seq, updated_seq`

// Record returns the record at key, or ErrNotFound.
func (s *Store) Record(ctx context.Context, key ir.RecordKey) (ir.Record, error) {
	return readRecord(ctx, s.db, key)
}

// Records returns every record ordered by key.
// Returns an empty slice (not nil) when the store holds no records.
func (s *Store) Records(ctx context.Context) ([]ir.Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM records ORDER BY key COLLATE BINARY ASC`)
}

// ListByAuthority returns records held under the given authority, ordered by key.
func (s *Store) ListByAuthority(ctx context.Context, a ir.Authority) ([]ir.Record, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE authority = ?
		ORDER BY key COLLATE BINARY ASC
	`, string(a))
}

// CountRecords returns the number of records in the store.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]ir.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// History returns operations signed by signer with their outcomes.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
// A positive limit keeps only the most recent entries.
func (s *Store) History(ctx context.Context, signer ir.Identity, limit int) ([]ir.Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, action, signer, nonce, record_key, args, op_seq, ledger_version,
		       out_id, outcome, result, out_seq
		FROM (
			SELECT o.id AS op_id, o.action, o.signer, o.nonce, o.record_key, o.args,
			       o.seq AS op_seq, o.ledger_version,
			       c.id AS out_id, c.outcome, c.result, c.seq AS out_seq
			FROM operations o
			LEFT JOIN outcomes c ON c.operation_id = o.id
			WHERE o.signer = ?
			ORDER BY o.seq DESC, o.id COLLATE BINARY DESC
			LIMIT ?
		)
		ORDER BY op_seq ASC, op_id COLLATE BINARY ASC
	`, string(signer), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []ir.Entry{}
	for rows.Next() {
		var (
			op                     ir.Operation
			action, opSigner, key  string
			argsJSON               string
			outID, outcome, result sql.NullString
			outSeq                 sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &action, &opSigner, &op.Nonce, &key, &argsJSON, &op.Seq,
			&op.LedgerVersion, &outID, &outcome, &result, &outSeq); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		op.Action = ir.Action(action)
		op.Signer = ir.Identity(opSigner)
		op.RecordKey = ir.RecordKey(key)
		if op.Args, err = unmarshalObject(argsJSON); err != nil {
			return nil, fmt.Errorf("history args: %w", err)
		}

		entry := ir.Entry{Operation: op}
		if outID.Valid {
			res, err := unmarshalObject(result.String)
			if err != nil {
				return nil, fmt.Errorf("history result: %w", err)
			}
			entry.Outcome = &ir.Outcome{
				ID:          outID.String,
				OperationID: op.ID,
				Outcome:     outcome.String,
				Result:      res,
				Seq:         outSeq.Int64,
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// CountOutcomes returns the number of outcomes with the given outcome name,
// or all outcomes when outcome is empty.
func (s *Store) CountOutcomes(ctx context.Context, outcome string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outcomes WHERE ? = '' OR outcome = ?
	`, outcome, outcome).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

// Checkpoints returns the checkpoints recorded for key, oldest first.
func (s *Store) Checkpoints(ctx context.Context, key ir.RecordKey) ([]ir.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, balance, seq FROM checkpoints
		WHERE key = ?
		ORDER BY id ASC
	`, string(key))
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []ir.Checkpoint{}
	for rows.Next() {
		var (
			cp  ir.Checkpoint
			k   string
			raw []byte
		)
		if err := rows.Scan(&k, &raw, &cp.Seq); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Key = ir.RecordKey(k)
		bal, ok := ir.DecodeBalance(raw)
		if !ok {
			return nil, fmt.Errorf("checkpoint %s: malformed balance (%d bytes)", k, len(raw))
		}
		cp.Balance = bal
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

func readRecord(ctx context.Context, q querier, key ir.RecordKey) (ir.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE key = ?`, string(key))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, ErrNotFound
	}
	return rec, err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ir.Record, error) {
	var (
		rec                   ir.Record
		key, owner, authority string
		raw                   []byte
		freq                  int64
		validator             string
	)
	err := row.Scan(&key, &owner, &raw, &authority, &freq, &validator,
		&rec.PendingReconciliation, &rec.CheckpointSeq, &rec.UpdatedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, err
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("scan record: %w", err)
	}

	rec.Key = ir.RecordKey(key)
	rec.Owner = ir.Identity(owner)
	rec.Authority = ir.Authority(authority)

	bal, ok := ir.DecodeBalance(raw)
	if !ok {
		return ir.Record{}, fmt.Errorf("record %s: malformed balance (%d bytes)", key, len(raw))
	}
	rec.Balance = bal

	if rec.Authority == ir.AuthorityDelegated || rec.Authority == ir.AuthorityReconciling {
		rec.Delegation = &ir.Delegation{
			Key:               rec.Key,
			CommitFrequencyMS: uint32(freq),
			Validator:         ir.Identity(validator),
		}
	}
	return rec, nil
}

func unmarshalObject(s string) (ir.IRObject, error) {
	var obj ir.IRObject
	if err := obj.UnmarshalJSON([]byte(s)); err != nil {
		return nil, err
	}
	return obj, nil
}
