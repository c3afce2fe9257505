package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/store"
)

// ReceiverPolicy decides how a transfer treats its receiver under one
// authority. The base ledger and the rollup each supply their own.
type ReceiverPolicy interface {
	// Admit vets a receiver that already has a record in this context.
	Admit(ctx context.Context, rec ir.Record) error

	// Create makes the zero-balance record of a receiver this context has
	// never seen. sender is the sender's record, already validated.
	Create(ctx context.Context, tx *store.Tx, owner ir.Identity, sender ir.Record) (ir.Record, error)
}

// BasePolicy is the base ledger's receiver policy: existing receivers must
// be based, unknown receivers are created based.
type BasePolicy struct{}

// Admit implements ReceiverPolicy.
func (BasePolicy) Admit(_ context.Context, rec ir.Record) error {
	if rec.Authority != ir.AuthorityBased {
		return store.ErrAuthority
	}
	return nil
}

// Create implements ReceiverPolicy.
func (BasePolicy) Create(_ context.Context, tx *store.Tx, owner ir.Identity, _ ir.Record) (ir.Record, error) {
	return tx.InsertRecord(ir.Record{
		Key:       ir.DeriveRecordKey(owner),
		Owner:     owner,
		Authority: ir.AuthorityBased,
	})
}

// ApplyTransfer moves order.Amount from sender to receiver inside tx, with
// both records held under want. Checks run in a fixed order: sender exists,
// sender authority, balance, receiver. A failed check leaves both records
// untouched; the caller's transaction rolls back any partial write.
//
// A transfer to oneself succeeds without mutation.
func ApplyTransfer(ctx context.Context, tx *store.Tx, order ir.TransferOrder, want ir.Authority, policy ReceiverPolicy) (ir.Receipt, error) {
	const op = "transfer"
	senderKey := ir.DeriveRecordKey(order.Sender)
	receiverKey := ir.DeriveRecordKey(order.Receiver)

	sender, err := tx.Record(senderKey)
	if err != nil {
		return ir.Receipt{}, Classify(op, senderKey, err)
	}
	if sender.Authority != want {
		return ir.Receipt{}, NewError(KindWrongAuthority, op, senderKey,
			fmt.Errorf("sender is %s", sender.Authority))
	}
	if sender.Balance < order.Amount {
		return ir.Receipt{}, NewError(KindInsufficientBalance, op, senderKey,
			fmt.Errorf("balance %d < amount %d", sender.Balance, order.Amount))
	}

	receipt := ir.Receipt{
		SenderKey:    senderKey,
		ReceiverKey:  receiverKey,
		SenderBefore: sender.Balance,
		Authority:    want,
	}

	if senderKey == receiverKey {
		receipt.SenderAfter = sender.Balance
		receipt.ReceiverBefore = sender.Balance
		receipt.ReceiverAfter = sender.Balance
		return receipt, nil
	}

	receiver, err := tx.Record(receiverKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		receiver, err = policy.Create(ctx, tx, order.Receiver, sender)
		if err != nil {
			return ir.Receipt{}, Classify(op, receiverKey, err)
		}
		receipt.CreatedReceiver = true
	case err != nil:
		return ir.Receipt{}, Classify(op, receiverKey, err)
	default:
		if err := policy.Admit(ctx, receiver); err != nil {
			return ir.Receipt{}, Classify(op, receiverKey, err)
		}
	}

	credited, carry := bits.Add64(receiver.Balance, order.Amount, 0)
	if carry != 0 {
		return ir.Receipt{}, NewError(KindInvalidRequest, op, receiverKey, errors.New("receiver balance overflows uint64"))
	}

	receipt.SenderAfter = sender.Balance - order.Amount
	receipt.ReceiverBefore = receiver.Balance
	receipt.ReceiverAfter = credited
	if !receipt.Conserved() {
		return ir.Receipt{}, fmt.Errorf("transfer: value not conserved: %+v", receipt)
	}

	if err := tx.PutBalance(senderKey, want, receipt.SenderAfter); err != nil {
		return ir.Receipt{}, Classify(op, senderKey, err)
	}
	if err := tx.PutBalance(receiverKey, want, receipt.ReceiverAfter); err != nil {
		return ir.Receipt{}, Classify(op, receiverKey, err)
	}
	return receipt, nil
}

// ReceiptResult renders a receipt as an outcome result.
func ReceiptResult(r ir.Receipt) ir.IRObject {
	return ir.IRObject{
		"authority":        ir.IRString(r.Authority),
		"created_receiver": ir.IRBool(r.CreatedReceiver),
		"receiver_balance": ir.Amount(r.ReceiverAfter),
		"sender_balance":   ir.Amount(r.SenderAfter),
	}
}

// Transfer moves amount from the signer's record to receiver's, under
// whichever context holds the signer's record:
//   - based: applied to the base store
//   - delegated: forwarded to the rollup
//   - reconciling: rejected with WrongAuthority
//
// The base store never serves a delegated sender, even though it still holds
// the last committed balance.
func (s *Service) Transfer(ctx context.Context, req authz.Request, receiver ir.Identity, amount uint64) (ir.Receipt, error) {
	const op = "transfer"
	key := ir.DeriveRecordKey(req.Signer)

	o, err := s.begin(ctx, ir.ActionTransfer, req, key, TransferArgs(receiver, amount))
	if err != nil {
		return ir.Receipt{}, err
	}
	if receiver == "" {
		return ir.Receipt{}, s.fail(ctx, o, NewError(KindInvalidRequest, op, key, errors.New("empty receiver")))
	}

	receiverKey := ir.DeriveRecordKey(receiver)
	unlock := s.locks.Lock(key, receiverKey)
	defer unlock()

	sender, err := s.store.Record(ctx, key)
	if err != nil {
		return ir.Receipt{}, s.fail(ctx, o, Classify(op, key, err))
	}

	order := ir.TransferOrder{
		Operation: o,
		Sender:    req.Signer,
		Receiver:  receiver,
		Amount:    amount,
	}

	var receipt ir.Receipt
	switch sender.Authority {
	case ir.AuthorityBased:
		err = s.store.Update(ctx, func(tx *store.Tx) error {
			var err error
			receipt, err = ApplyTransfer(ctx, tx, order, ir.AuthorityBased, BasePolicy{})
			if err != nil {
				return err
			}
			return s.succeed(tx, o, ReceiptResult(receipt))
		})
		if err != nil {
			return ir.Receipt{}, s.fail(ctx, o, err)
		}

	case ir.AuthorityDelegated:
		receipt, err = s.relay.Transfer(ctx, order)
		if err != nil {
			if !IsBusiness(err) {
				err = NewError(KindRelayFailed, op, key, err)
			}
			return ir.Receipt{}, s.fail(ctx, o, err)
		}
		err = s.store.Update(ctx, func(tx *store.Tx) error {
			return s.succeed(tx, o, ReceiptResult(receipt))
		})
		if err != nil {
			return ir.Receipt{}, fmt.Errorf("transfer: record outcome: %w", err)
		}

	default:
		return ir.Receipt{}, s.fail(ctx, o, NewError(KindWrongAuthority, op, key,
			fmt.Errorf("sender is %s", sender.Authority)))
	}

	s.logger.Debug("transfer applied",
		"sender", key.Short(),
		"receiver", receiverKey.Short(),
		"amount", amount,
		"authority", receipt.Authority,
		"created_receiver", receipt.CreatedReceiver,
	)
	return receipt, nil
}
