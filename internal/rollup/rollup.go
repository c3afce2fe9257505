// Package rollup is the delegated execution context. It holds the records
// delegated to it in its own store, applies transfers between them, and
// commits their balances back to the base ledger.
//
// Lock order: a caller holding base record locks may call into the rollup,
// which then takes rollup record locks. The rollup never waits on base locks.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/store"
)

// Base is the rollup's view of the base ledger.
// *ledger.BaseGateway satisfies it.
type Base interface {
	// Authority returns the base authority of key, or store.ErrNotFound.
	Authority(ctx context.Context, key ir.RecordKey) (ir.Authority, error)

	// RegisterDelegated creates a base record for a receiver the rollup created.
	RegisterDelegated(ctx context.Context, rec ir.Record) error

	// UnregisterDelegated removes a registered receiver whose creating
	// transfer rolled back.
	UnregisterDelegated(ctx context.Context, key ir.RecordKey) error

	// ApplyCheckpoint writes a checkpoint of a delegated record.
	ApplyCheckpoint(ctx context.Context, cp ir.Checkpoint) (bool, error)
}

// Context is the delegated execution context.
//
// Thread-safety: Context is safe for concurrent use.
type Context struct {
	store   *store.Store
	base    Base
	locks   *ledger.KeyLocks
	logger  *slog.Logger
	cadence bool

	mu     sync.Mutex
	loops  map[ir.RecordKey]*cadenceLoop
	wg     sync.WaitGroup
	root   context.Context
	cancel context.CancelFunc
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithCadence enables or disables periodic checkpoints (default enabled).
// Deterministic runs disable it and commit explicitly.
func WithCadence(enabled bool) Option {
	return func(c *Context) {
		c.cadence = enabled
	}
}

// New creates a rollup over its own store st.
func New(st *store.Store, base Base, opts ...Option) *Context {
	root, cancel := context.WithCancel(context.Background())
	c := &Context{
		store:   st,
		base:    base,
		locks:   ledger.NewKeyLocks(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		cadence: true,
		loops:   make(map[ir.RecordKey]*cadenceLoop),
		root:    root,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the rollup's record store.
func (c *Context) Store() *store.Store {
	return c.store
}

// Close stops every commit loop and waits for them to exit.
// It does not close the store.
func (c *Context) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// Accept takes over a record delegated by the base ledger. A tombstone or a
// stale copy at the same key is replaced by the base values.
func (c *Context) Accept(ctx context.Context, rec ir.Record) error {
	const op = "accept"
	if rec.Authority != ir.AuthorityDelegated || rec.Delegation == nil {
		return ledger.NewError(ledger.KindInvalidRequest, op, rec.Key, errors.New("record is not delegated"))
	}
	if rec.Key != ir.DeriveRecordKey(rec.Owner) {
		return ledger.NewError(ledger.KindInvalidRequest, op, rec.Key, errors.New("key does not match owner"))
	}

	unlock := c.locks.Lock(rec.Key)
	defer unlock()

	held := rec
	held.PendingReconciliation = ""
	held.CheckpointSeq = 0
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		held, err = tx.UpsertRecord(held)
		return err
	})
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	c.logger.Info("record accepted", "key", rec.Key.Short(), "balance", rec.Balance)
	c.startCadence(held.Key, held.Delegation.CommitFrequencyMS, held.UpdatedSeq)
	return nil
}

// Transfer applies a transfer between records the rollup holds. A receiver
// unknown to both contexts is created here and registered with the base
// ledger as delegated under the sender's descriptor; the registration is
// undone if the transfer does not commit.
func (c *Context) Transfer(ctx context.Context, order ir.TransferOrder) (ir.Receipt, error) {
	senderKey := ir.DeriveRecordKey(order.Sender)
	receiverKey := ir.DeriveRecordKey(order.Receiver)

	unlock := c.locks.Lock(senderKey, receiverKey)
	defer unlock()

	var (
		receipt  ir.Receipt
		receiver ir.Record
	)
	policy := &receiverPolicy{base: c.base}
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		receipt, err = ledger.ApplyTransfer(ctx, tx, order, ir.AuthorityDelegated, policy)
		if err != nil {
			return err
		}
		if receipt.CreatedReceiver {
			if receiver, err = tx.Record(receiverKey); err != nil {
				return err
			}
		}

		applied := order.Operation
		applied.Seq = tx.NextSeq()
		if err := tx.AppendOperation(applied); err != nil {
			return ledger.Classify("transfer", senderKey, err)
		}
		seq := tx.NextSeq()
		result := ledger.ReceiptResult(receipt)
		id, err := ir.OutcomeID(applied.ID, ir.OutcomeSuccess, result, seq)
		if err != nil {
			return err
		}
		return tx.AppendOutcome(ir.Outcome{
			ID:          id,
			OperationID: applied.ID,
			Outcome:     ir.OutcomeSuccess,
			Result:      result,
			Seq:         seq,
		})
	})
	if err != nil {
		if policy.registered {
			if uerr := c.base.UnregisterDelegated(context.WithoutCancel(ctx), receiverKey); uerr != nil {
				c.logger.Error("failed to unregister receiver", "key", receiverKey.Short(), "error", uerr)
			}
		}
		return ir.Receipt{}, err
	}

	if receipt.CreatedReceiver && receiver.Delegation != nil {
		c.startCadence(receiverKey, receiver.Delegation.CommitFrequencyMS, 0)
	}
	return receipt, nil
}

// Commit returns a checkpoint of a held record. The record stays held.
func (c *Context) Commit(ctx context.Context, key ir.RecordKey) (ir.Checkpoint, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	var cp ir.Checkpoint
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		rec, err := c.held(tx, "commit", key)
		if err != nil {
			return err
		}
		cp = ir.Checkpoint{Key: key, Balance: rec.Balance, Seq: rec.UpdatedSeq}
		return tx.AppendCheckpoint(cp, store.SourceCommit)
	})
	if err != nil {
		return ir.Checkpoint{}, err
	}
	return cp, nil
}

// CommitAndUndelegate releases a held record and returns its final balance.
// The record becomes a tombstone tagged with reconciliationID until Ack.
// Repeating the call with the same ID returns the same checkpoint; any other
// ID is refused.
func (c *Context) CommitAndUndelegate(ctx context.Context, key ir.RecordKey, reconciliationID string) (ir.Checkpoint, error) {
	const op = "undelegate"
	if reconciliationID == "" {
		return ir.Checkpoint{}, ledger.NewError(ledger.KindInvalidRequest, op, key, errors.New("empty reconciliation id"))
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	var cp ir.Checkpoint
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		rec, err := tx.Record(key)
		if errors.Is(err, store.ErrNotFound) {
			return ledger.NewError(ledger.KindNotDelegated, op, key, nil)
		}
		if err != nil {
			return err
		}

		switch rec.Authority {
		case ir.AuthorityReleased:
			if rec.PendingReconciliation != reconciliationID {
				return ledger.NewError(ledger.KindWrongAuthority, op, key,
					errors.New("released by another reconciliation"))
			}
			cp = ir.Checkpoint{Key: key, Balance: rec.Balance, Seq: rec.UpdatedSeq}
			return nil
		case ir.AuthorityDelegated:
		default:
			return ledger.NewError(ledger.KindWrongAuthority, op, key, fmt.Errorf("record is %s", rec.Authority))
		}

		if err := tx.Transition(key, ir.AuthorityDelegated, ir.AuthorityReleased, reconciliationID); err != nil {
			return ledger.Classify(op, key, err)
		}
		released, err := tx.Record(key)
		if err != nil {
			return err
		}
		cp = ir.Checkpoint{Key: key, Balance: released.Balance, Seq: released.UpdatedSeq}
		return tx.AppendCheckpoint(cp, store.SourceReconcile)
	})
	if err != nil {
		return ir.Checkpoint{}, err
	}

	c.stopCadence(key)
	c.logger.Info("record released", "key", key.Short(), "balance", cp.Balance)
	return cp, nil
}

// Ack drops the tombstone of a completed reconciliation.
func (c *Context) Ack(ctx context.Context, key ir.RecordKey, reconciliationID string) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	return c.store.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteReleased(key, reconciliationID)
	})
}

// Balance returns the rollup's copy of a record, including tombstones.
func (c *Context) Balance(ctx context.Context, key ir.RecordKey) (ir.Record, error) {
	rec, err := c.store.Record(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Record{}, ledger.NewError(ledger.KindNotDelegated, "balance", key, nil)
	}
	return rec, err
}

// Resume restarts commit loops for every held record, after a restart.
func (c *Context) Resume(ctx context.Context) (int, error) {
	held, err := c.store.ListByAuthority(ctx, ir.AuthorityDelegated)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	for _, rec := range held {
		c.startCadence(rec.Key, rec.Delegation.CommitFrequencyMS, 0)
	}
	return len(held), nil
}

// held returns a record the rollup currently holds.
func (c *Context) held(tx *store.Tx, op string, key ir.RecordKey) (ir.Record, error) {
	rec, err := tx.Record(key)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Record{}, ledger.NewError(ledger.KindNotDelegated, op, key, nil)
	}
	if err != nil {
		return ir.Record{}, err
	}
	if rec.Authority != ir.AuthorityDelegated {
		return ir.Record{}, ledger.NewError(ledger.KindWrongAuthority, op, key, fmt.Errorf("record is %s", rec.Authority))
	}
	return rec, nil
}

// receiverPolicy admits receivers the rollup holds and the base ledger
// agrees are delegated, and creates receivers neither context knows.
type receiverPolicy struct {
	base Base

	// registered is set once Create has written the base record.
	registered bool
}

func (p *receiverPolicy) Admit(ctx context.Context, rec ir.Record) error {
	if rec.Authority != ir.AuthorityDelegated {
		return store.ErrAuthority
	}
	// A copy left behind by a failed delegation is not authoritative.
	a, err := p.base.Authority(ctx, rec.Key)
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrAuthority
	}
	if err != nil {
		return err
	}
	if a != ir.AuthorityDelegated {
		return store.ErrAuthority
	}
	return nil
}

func (p *receiverPolicy) Create(ctx context.Context, tx *store.Tx, owner ir.Identity, sender ir.Record) (ir.Record, error) {
	key := ir.DeriveRecordKey(owner)

	_, err := p.base.Authority(ctx, key)
	if err == nil {
		// Known to the base ledger but not held here.
		return ir.Record{}, store.ErrAuthority
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ir.Record{}, err
	}

	d := &ir.Delegation{Key: key}
	if sender.Delegation != nil {
		d.CommitFrequencyMS = sender.Delegation.CommitFrequencyMS
		d.Validator = sender.Delegation.Validator
	}
	rec, err := tx.InsertRecord(ir.Record{
		Key:        key,
		Owner:      owner,
		Authority:  ir.AuthorityDelegated,
		Delegation: d,
	})
	if err != nil {
		return ir.Record{}, err
	}

	if err := p.base.RegisterDelegated(ctx, rec); err != nil {
		return ir.Record{}, err
	}
	p.registered = true
	return rec, nil
}
