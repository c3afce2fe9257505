package ledger

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/store"
)

// Undelegate reconciles the signer's record back to the base ledger.
//
// The record moves delegated -> reconciling, the rollup commits and releases
// it, then one base transaction writes the committed balance and returns the
// record to based. If the rollup cannot be reached the record goes back to
// delegated, keeping its reconciliation ID, and ReconciliationFailed is
// returned; retrying resumes the same reconciliation.
func (s *Service) Undelegate(ctx context.Context, req authz.Request) (Ack, error) {
	key := ir.DeriveRecordKey(req.Signer)

	o, err := s.begin(ctx, ir.ActionUndelegate, req, key, ir.IRObject{})
	if err != nil {
		return Ack{}, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	ack, err := s.reconcile(ctx, key, &o)
	if err != nil {
		return Ack{}, s.fail(ctx, o, err)
	}
	return ack, nil
}

// Recover resumes every reconciliation left in flight, for example by a
// crash between the rollup release and the base write. It returns the
// number of records returned to based.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.ListByAuthority(ctx, ir.AuthorityReconciling)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	s.logger.Info("resuming reconciliations", "count", len(pending))

	results := make([]bool, len(pending))
	var g errgroup.Group
	g.SetLimit(s.recoverConcurrency)
	for i, rec := range pending {
		i, rec := i, rec
		g.Go(func() error {
			unlock := s.locks.Lock(rec.Key)
			defer unlock()

			if _, err := s.reconcile(ctx, rec.Key, nil); err != nil {
				return err
			}
			results[i] = true
			return nil
		})
	}
	err = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n, err
}

// Commit checkpoints the signer's delegated record into the base ledger
// without releasing it. The record stays delegated.
func (s *Service) Commit(ctx context.Context, req authz.Request) (ir.Checkpoint, error) {
	const op = "commit"
	key := ir.DeriveRecordKey(req.Signer)

	o, err := s.begin(ctx, ir.ActionCommit, req, key, ir.IRObject{})
	if err != nil {
		return ir.Checkpoint{}, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	rec, err := s.store.Record(ctx, key)
	if err != nil {
		return ir.Checkpoint{}, s.fail(ctx, o, Classify(op, key, err))
	}
	switch rec.Authority {
	case ir.AuthorityDelegated:
	case ir.AuthorityBased:
		return ir.Checkpoint{}, s.fail(ctx, o, NewError(KindNotDelegated, op, key, nil))
	default:
		return ir.Checkpoint{}, s.fail(ctx, o, NewError(KindWrongAuthority, op, key,
			fmt.Errorf("record is %s", rec.Authority)))
	}

	cp, err := s.relay.Commit(ctx, key)
	if err != nil {
		if !IsBusiness(err) {
			err = NewError(KindRelayFailed, op, key, err)
		}
		return ir.Checkpoint{}, s.fail(ctx, o, err)
	}

	err = s.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.ApplyCheckpoint(cp, store.SourceCommit); err != nil {
			return Classify(op, key, err)
		}
		return s.succeed(tx, o, ir.IRObject{
			"balance": ir.Amount(cp.Balance),
			"seq":     ir.IRInt(cp.Seq),
		})
	})
	if err != nil {
		return ir.Checkpoint{}, s.fail(ctx, o, err)
	}

	s.logger.Debug("record committed", "key", key.Short(), "balance", cp.Balance, "seq", cp.Seq)
	return cp, nil
}

// reconcile drives one record from delegated (or an interrupted
// reconciling) to based. The caller holds the record's lock. o is nil when
// recovering without a request.
func (s *Service) reconcile(ctx context.Context, key ir.RecordKey, o *ir.Operation) (Ack, error) {
	const op = "undelegate"

	var reconID string
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		rec, err := tx.Record(key)
		if err != nil {
			return Classify(op, key, err)
		}
		switch rec.Authority {
		case ir.AuthorityBased:
			return NewError(KindNotDelegated, op, key, nil)
		case ir.AuthorityReconciling:
			reconID = rec.PendingReconciliation
			return nil
		case ir.AuthorityDelegated:
			reconID = rec.PendingReconciliation
			if reconID == "" {
				if o == nil {
					return NewError(KindInvalidRequest, op, key, fmt.Errorf("no pending reconciliation"))
				}
				reconID = ir.ReconciliationID(key, o.ID)
			}
			return tx.Transition(key, ir.AuthorityDelegated, ir.AuthorityReconciling, reconID)
		default:
			return NewError(KindWrongAuthority, op, key, fmt.Errorf("record is %s", rec.Authority))
		}
	})
	if err != nil {
		return Ack{}, Classify(op, key, err)
	}

	cp, err := s.relay.CommitAndUndelegate(ctx, key, reconID)
	unheld := false
	if KindOf(err) == KindNotDelegated {
		if rec, rerr := s.store.Record(ctx, key); rerr == nil && unclaimed(rec) {
			// The rollup never held this record, so nothing moved: it is
			// closed at its zero committed balance.
			s.logger.Warn("closing record the rollup never held", "key", key.Short())
			cp, err, unheld = ir.Checkpoint{Key: key}, nil, true
		}
	}
	if err != nil {
		if rerr := s.abortReconcile(ctx, key, reconID); rerr != nil {
			s.logger.Error("failed to abort reconciliation", "key", key.Short(), "error", rerr)
		}
		s.logger.Warn("reconciliation failed", "key", key.Short(), "reconciliation", reconID, "error", err)
		return Ack{}, NewError(KindReconciliationFailed, op, key, err)
	}

	err = s.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.PutBalance(key, ir.AuthorityReconciling, cp.Balance); err != nil {
			return err
		}
		if err := tx.SetDelegation(key, ir.AuthorityReconciling, nil); err != nil {
			return err
		}
		if err := tx.Transition(key, ir.AuthorityReconciling, ir.AuthorityBased, ""); err != nil {
			return err
		}
		if err := tx.AppendCheckpoint(cp, store.SourceReconcile); err != nil {
			return err
		}
		if o == nil {
			return nil
		}
		return s.succeed(tx, *o, ir.IRObject{
			"authority": ir.IRString(ir.AuthorityBased),
			"balance":   ir.Amount(cp.Balance),
		})
	})
	if err != nil {
		// The rollup has released the record; it stays reconciling so
		// Recover or a retried undelegate can finish the write.
		return Ack{}, NewError(KindReconciliationFailed, op, key, err)
	}

	if !unheld {
		if err := s.relay.Ack(ctx, key, reconID); err != nil {
			s.logger.Warn("reconciliation ack not delivered", "key", key.Short(), "error", err)
		}
	}

	s.logger.Info("record reconciled", "key", key.Short(), "balance", cp.Balance)
	ack := Ack{Key: key, Authority: ir.AuthorityBased, Balance: cp.Balance}
	if o != nil {
		ack.OperationID = o.ID
	}
	return ack, nil
}

// abortReconcile returns an interrupted reconciliation to delegated, keeping
// its ID for the retry.
func (s *Service) abortReconcile(ctx context.Context, key ir.RecordKey, reconID string) error {
	ctx = context.WithoutCancel(ctx)
	return s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.Transition(key, ir.AuthorityReconciling, ir.AuthorityDelegated, reconID)
	})
}

// unclaimed reports whether rec never received a checkpoint and holds a zero
// committed balance.
func unclaimed(rec ir.Record) bool {
	return rec.Balance == 0 && rec.CheckpointSeq == 0
}
