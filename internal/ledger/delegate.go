package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/store"
)

// Delegate hands write authority over the signer's record to the rollup.
//
// The base record moves based -> delegated in one transaction, then the
// record is relayed to the rollup. If the relay fails the transition is
// reverted and RelayFailed is returned; the record is based again and the
// request can be retried with a fresh nonce.
//
// Delegating a record that is not based fails with AlreadyDelegated and
// leaves its parameters untouched.
func (s *Service) Delegate(ctx context.Context, req authz.Request, p DelegateParams) (Ack, error) {
	const op = "delegate"
	key := ir.DeriveRecordKey(req.Signer)

	o, err := s.begin(ctx, ir.ActionDelegate, req, key, DelegateArgs(p))
	if err != nil {
		return Ack{}, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	validator, err := s.resolveValidator(p.Validator)
	if err != nil {
		return Ack{}, s.fail(ctx, o, NewError(KindInvalidRequest, op, key, err))
	}
	d := &ir.Delegation{
		Key:               key,
		CommitFrequencyMS: p.CommitFrequencyMS,
		Validator:         validator,
	}

	var rec ir.Record
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.Record(key)
		if err != nil {
			return Classify(op, key, err)
		}
		if cur.Authority != ir.AuthorityBased {
			return NewError(KindAlreadyDelegated, op, key, fmt.Errorf("record is %s", cur.Authority))
		}
		if err := tx.Transition(key, ir.AuthorityBased, ir.AuthorityDelegated, ""); err != nil {
			return Classify(op, key, err)
		}
		if err := tx.SetDelegation(key, ir.AuthorityDelegated, d); err != nil {
			return Classify(op, key, err)
		}
		rec = cur
		rec.Authority = ir.AuthorityDelegated
		rec.Delegation = d
		return nil
	})
	if err != nil {
		return Ack{}, s.fail(ctx, o, err)
	}

	if err := s.relay.Delegate(ctx, rec); err != nil {
		if rerr := s.revertDelegate(ctx, key); rerr != nil {
			s.logger.Error("failed to revert delegation", "key", key.Short(), "error", rerr)
		}
		return Ack{}, s.fail(ctx, o, NewError(KindRelayFailed, op, key, err))
	}

	err = s.store.Update(ctx, func(tx *store.Tx) error {
		return s.succeed(tx, o, ir.IRObject{
			"authority":           ir.IRString(ir.AuthorityDelegated),
			"commit_frequency_ms": ir.IRInt(d.CommitFrequencyMS),
		})
	})
	if err != nil {
		return Ack{}, fmt.Errorf("delegate: record outcome: %w", err)
	}

	s.logger.Info("record delegated",
		"key", key.Short(),
		"commit_frequency_ms", d.CommitFrequencyMS,
		"validator", d.Validator,
	)
	return Ack{OperationID: o.ID, Key: key, Authority: ir.AuthorityDelegated, Balance: rec.Balance}, nil
}

// revertDelegate moves a record back to based after a failed relay.
func (s *Service) revertDelegate(ctx context.Context, key ir.RecordKey) error {
	// The caller's context may be the one that expired.
	ctx = context.WithoutCancel(ctx)
	return s.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.SetDelegation(key, ir.AuthorityDelegated, nil); err != nil {
			return err
		}
		return tx.Transition(key, ir.AuthorityDelegated, ir.AuthorityBased, "")
	})
}

func (s *Service) resolveValidator(v ir.Identity) (ir.Identity, error) {
	if v == "" {
		v = s.defaultValidator
	}
	if v == "" || len(s.allowedValidators) == 0 {
		return v, nil
	}
	if !s.allowedValidators[v] {
		return "", errors.New("validator not allowed: " + string(v))
	}
	return v, nil
}
