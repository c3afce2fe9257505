package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/store"
)

// Relay carries requests from the base ledger to the rollup.
//
// Business refusals come back as *Error values; any other error means the
// rollup could not be reached and no rollup state changed.
type Relay interface {
	// Delegate hands a record (with its delegation descriptor) to the rollup.
	Delegate(ctx context.Context, rec ir.Record) error

	// Transfer applies a transfer whose sender the rollup holds.
	Transfer(ctx context.Context, order ir.TransferOrder) (ir.Receipt, error)

	// Commit returns a checkpoint of a held record without releasing it.
	Commit(ctx context.Context, key ir.RecordKey) (ir.Checkpoint, error)

	// CommitAndUndelegate releases a held record and returns its final balance.
	// Repeating the call with the same reconciliation ID returns the same result.
	CommitAndUndelegate(ctx context.Context, key ir.RecordKey, reconciliationID string) (ir.Checkpoint, error)

	// Ack tells the rollup the base ledger applied the reconciliation.
	Ack(ctx context.Context, key ir.RecordKey, reconciliationID string) error

	// Balance returns the rollup's copy of a record.
	Balance(ctx context.Context, key ir.RecordKey) (ir.Record, error)
}

// Service is the base ledger. It owns the record store of record, verifies
// every request and routes each operation by the record's authority tag.
//
// Thread-safety: Service is safe for concurrent use. Operations on one
// record are serialized; operations on distinct records run in parallel.
type Service struct {
	store    *store.Store
	relay    Relay
	verifier authz.Verifier
	locks    *KeyLocks
	logger   *slog.Logger

	defaultValidator   ir.Identity
	allowedValidators  map[ir.Identity]bool
	recoverConcurrency int
}

// Option configures a Service.
type Option func(*Service)

// WithVerifier sets the signature verifier (default authz.Ed25519).
func WithVerifier(v authz.Verifier) Option {
	return func(s *Service) {
		s.verifier = v
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaultValidator sets the validator used when a delegate request names none.
func WithDefaultValidator(v ir.Identity) Option {
	return func(s *Service) {
		s.defaultValidator = v
	}
}

// WithAllowedValidators restricts which validators a delegation may name.
// An empty list allows any validator.
func WithAllowedValidators(vs ...ir.Identity) Option {
	return func(s *Service) {
		s.allowedValidators = make(map[ir.Identity]bool, len(vs))
		for _, v := range vs {
			s.allowedValidators[v] = true
		}
	}
}

// WithRecoverConcurrency bounds how many reconciliations Recover runs at once.
func WithRecoverConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.recoverConcurrency = n
		}
	}
}

// NewService creates the base ledger over st, reaching the rollup through relay.
func NewService(st *store.Store, relay Relay, opts ...Option) *Service {
	s := &Service{
		store:              st,
		relay:              relay,
		verifier:           authz.Ed25519{},
		locks:              NewKeyLocks(),
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		recoverConcurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the base record store.
func (s *Service) Store() *store.Store {
	return s.store
}

// Ack acknowledges a completed operation.
type Ack struct {
	OperationID string       `json:"operation_id"`
	Key         ir.RecordKey `json:"key"`
	Authority   ir.Authority `json:"authority"`
	Balance     uint64       `json:"balance"`
}

// View is the externally visible state of one record.
type View struct {
	Owner     ir.Identity  `json:"owner"`
	Key       ir.RecordKey `json:"key"`
	Authority ir.Authority `json:"authority"`

	// Balance is the authoritative balance: the rollup's when delegated.
	Balance uint64 `json:"balance"`

	// Committed is the balance last written to the base ledger.
	Committed uint64 `json:"committed"`

	Delegation            *ir.Delegation `json:"delegation,omitempty"`
	PendingReconciliation string         `json:"pending_reconciliation,omitempty"`
}

// Allocation funds one identity at genesis.
type Allocation struct {
	Owner   ir.Identity `json:"owner" yaml:"owner"`
	Balance uint64      `json:"balance" yaml:"balance"`
}

// DelegateParams configures a delegation.
type DelegateParams struct {
	CommitFrequencyMS uint32
	Validator         ir.Identity // empty: default validator, if any
}

// DelegateArgs returns the signed arguments of a delegate request.
func DelegateArgs(p DelegateParams) ir.IRObject {
	args := ir.IRObject{"commit_frequency_ms": ir.IRInt(p.CommitFrequencyMS)}
	if p.Validator != "" {
		args["validator"] = ir.IRString(p.Validator)
	}
	return args
}

// TransferArgs returns the signed arguments of a transfer request.
func TransferArgs(receiver ir.Identity, amount uint64) ir.IRObject {
	return ir.IRObject{
		"receiver": ir.IRString(receiver),
		"amount":   ir.Amount(amount),
	}
}

// Initialize creates the caller's zero-balance record.
func (s *Service) Initialize(ctx context.Context, req authz.Request) (Ack, error) {
	const op = "initialize"
	key := ir.DeriveRecordKey(req.Signer)

	o, err := s.begin(ctx, ir.ActionInitialize, req, key, ir.IRObject{})
	if err != nil {
		return Ack{}, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	err = s.store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertRecord(ir.Record{
			Key:       key,
			Owner:     req.Signer,
			Authority: ir.AuthorityBased,
		})
		if errors.Is(err, store.ErrExists) {
			return NewError(KindAlreadyInitialized, op, key, nil)
		}
		if err != nil {
			return err
		}
		return s.succeed(tx, o, ir.IRObject{"balance": ir.Amount(0)})
	})
	if err != nil {
		return Ack{}, s.fail(ctx, o, err)
	}

	s.logger.Info("record initialized", "key", key.Short(), "owner", req.Signer)
	return Ack{OperationID: o.ID, Key: key, Authority: ir.AuthorityBased}, nil
}

// Genesis creates funded records on an empty ledger. Total supply is the
// sum of the allocations.
func (s *Service) Genesis(ctx context.Context, allocations []Allocation) error {
	const op = "genesis"

	var supply uint64
	for _, a := range allocations {
		if a.Owner == "" {
			return NewError(KindInvalidRequest, op, "", errors.New("allocation without owner"))
		}
		var carry uint64
		supply, carry = bits.Add64(supply, a.Balance, 0)
		if carry != 0 {
			return NewError(KindInvalidRequest, op, "", errors.New("total supply overflows uint64"))
		}
	}

	n, err := s.store.CountRecords(ctx)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if n > 0 {
		return NewError(KindInvalidRequest, op, "", fmt.Errorf("ledger already holds %d records", n))
	}

	err = s.store.Update(ctx, func(tx *store.Tx) error {
		for _, a := range allocations {
			key := ir.DeriveRecordKey(a.Owner)
			_, err := tx.InsertRecord(ir.Record{
				Key:       key,
				Owner:     a.Owner,
				Balance:   a.Balance,
				Authority: ir.AuthorityBased,
			})
			if errors.Is(err, store.ErrExists) {
				return NewError(KindInvalidRequest, op, key, fmt.Errorf("duplicate allocation for %s", a.Owner))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("genesis applied", "records", len(allocations), "supply", supply)
	return nil
}

// Balance returns the view of owner's record. For delegated records the
// balance is read from the rollup.
func (s *Service) Balance(ctx context.Context, owner ir.Identity) (View, error) {
	const op = "balance"
	key := ir.DeriveRecordKey(owner)

	rec, err := s.store.Record(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return View{}, NewError(KindNotInitialized, op, key, nil)
	}
	if err != nil {
		return View{}, fmt.Errorf("balance: %w", err)
	}

	view := View{
		Owner:                 rec.Owner,
		Key:                   key,
		Authority:             rec.Authority,
		Balance:               rec.Balance,
		Committed:             rec.Balance,
		Delegation:            rec.Delegation,
		PendingReconciliation: rec.PendingReconciliation,
	}
	if rec.Authority == ir.AuthorityBased {
		return view, nil
	}

	held, err := s.relay.Balance(ctx, key)
	if err != nil {
		if IsBusiness(err) {
			return View{}, err
		}
		return View{}, NewError(KindRelayFailed, op, key, err)
	}
	view.Balance = held.Balance
	return view, nil
}

// History returns the operations signed by owner, oldest first. A positive
// limit keeps only the most recent entries.
func (s *Service) History(ctx context.Context, owner ir.Identity, limit int) ([]ir.Entry, error) {
	entries, err := s.store.History(ctx, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return entries, nil
}

// TotalSupply sums the authoritative balance of every record.
func (s *Service) TotalSupply(ctx context.Context) (uint64, error) {
	records, err := s.store.Records(ctx)
	if err != nil {
		return 0, fmt.Errorf("total supply: %w", err)
	}

	var total uint64
	for _, rec := range records {
		bal := rec.Balance
		if rec.Authority != ir.AuthorityBased {
			held, err := s.relay.Balance(ctx, rec.Key)
			if err != nil {
				return 0, NewError(KindRelayFailed, "total supply", rec.Key, err)
			}
			bal = held.Balance
		}
		var carry uint64
		total, carry = bits.Add64(total, bal, 0)
		if carry != 0 {
			return 0, errors.New("total supply: overflows uint64")
		}
	}
	return total, nil
}

// begin verifies req and appends the operation to the log. Requests that
// fail verification are not logged: their signer is unproven.
func (s *Service) begin(ctx context.Context, action ir.Action, req authz.Request, key ir.RecordKey, args ir.IRObject) (ir.Operation, error) {
	if err := authz.Check(s.verifier, req, action, args); err != nil {
		return ir.Operation{}, NewError(KindUnauthorized, string(action), key, err)
	}

	id, err := ir.OperationID(action, req.Signer, req.Nonce, args)
	if err != nil {
		return ir.Operation{}, NewError(KindInvalidRequest, string(action), key, err)
	}

	o := ir.Operation{
		ID:            id,
		Action:        action,
		Signer:        req.Signer,
		Nonce:         req.Nonce,
		RecordKey:     key,
		Args:          args,
		LedgerVersion: ir.LedgerVersion,
	}
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		o.Seq = tx.NextSeq()
		return tx.AppendOperation(o)
	})
	if errors.Is(err, store.ErrReplayed) {
		return ir.Operation{}, NewError(KindReplayed, string(action), key, nil)
	}
	if err != nil {
		return ir.Operation{}, fmt.Errorf("%s: log operation: %w", action, err)
	}

	s.logger.Debug("operation accepted", "op", action, "key", key.Short(), "seq", o.Seq)
	return o, nil
}

// succeed records a success outcome inside the mutation's transaction.
func (s *Service) succeed(tx *store.Tx, o ir.Operation, result ir.IRObject) error {
	return appendOutcome(tx, o, ir.OutcomeSuccess, result)
}

// fail records err as the operation's outcome and returns err. Errors that
// are not ledger errors are recorded as "Error".
func (s *Service) fail(ctx context.Context, o ir.Operation, err error) error {
	name := string(KindOf(err))
	if name == "" {
		name = "Error"
	}
	result := ir.IRObject{"error": ir.IRString(err.Error())}

	werr := s.store.Update(ctx, func(tx *store.Tx) error {
		return appendOutcome(tx, o, name, result)
	})
	if werr != nil {
		s.logger.Error("failed to record outcome", "op", o.Action, "operation_id", o.ID, "error", werr)
	}

	s.logger.Debug("operation failed", "op", o.Action, "key", o.RecordKey.Short(), "outcome", name)
	return err
}

func appendOutcome(tx *store.Tx, o ir.Operation, outcome string, result ir.IRObject) error {
	seq := tx.NextSeq()
	id, err := ir.OutcomeID(o.ID, outcome, result, seq)
	if err != nil {
		return err
	}
	return tx.AppendOutcome(ir.Outcome{
		ID:          id,
		OperationID: o.ID,
		Outcome:     outcome,
		Result:      result,
		Seq:         seq,
	})
}

// Classify maps store sentinels to ledger errors. Ledger errors pass through.
func Classify(op string, key ir.RecordKey, err error) error {
	var le *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &le):
		return err
	case errors.Is(err, store.ErrNotFound):
		return NewError(KindNotInitialized, op, key, nil)
	case errors.Is(err, store.ErrAuthority), errors.Is(err, store.ErrExists):
		return NewError(KindWrongAuthority, op, key, nil)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
