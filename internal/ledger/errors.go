package ledger

import (
	"errors"
	"fmt"

	"github.com/roach88/erledger/internal/ir"
)

// Kind categorizes ledger errors. The kind name is also the outcome recorded
// in the operation log for a failed operation.
type Kind string

const (
	// KindUnauthorized indicates the request signature does not verify.
	KindUnauthorized Kind = "Unauthorized"

	// KindNotInitialized indicates no record exists for the identity.
	KindNotInitialized Kind = "NotInitialized"

	// KindAlreadyInitialized indicates initialize found an existing record.
	KindAlreadyInitialized Kind = "AlreadyInitialized"

	// KindAlreadyDelegated indicates delegate on a record not held by the base ledger.
	KindAlreadyDelegated Kind = "AlreadyDelegated"

	// KindNotDelegated indicates undelegate or commit on a based record.
	KindNotDelegated Kind = "NotDelegated"

	// KindInsufficientBalance indicates the sender balance is below the amount.
	KindInsufficientBalance Kind = "InsufficientBalance"

	// KindWrongAuthority indicates a record is held by a context that may not
	// mutate it on this path.
	KindWrongAuthority Kind = "WrongAuthority"

	// KindReconciliationFailed indicates commit-and-undelegate did not complete.
	// The record stays delegated and the undelegate can be retried.
	KindReconciliationFailed Kind = "ReconciliationFailed"

	// KindRelayFailed indicates the rollup could not be reached.
	KindRelayFailed Kind = "RelayFailed"

	// KindReplayed indicates the request nonce was already used by the signer.
	KindReplayed Kind = "Replayed"

	// KindInvalidRequest indicates malformed parameters.
	KindInvalidRequest Kind = "InvalidRequest"
)

// Error is a ledger operation failure.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the failing operation ("transfer", "delegate", ...).
	Op string

	// Key is the affected record, if any.
	Key ir.RecordKey

	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is. Matching compares kinds only.
var (
	ErrUnauthorized         = &Error{Kind: KindUnauthorized}
	ErrNotInitialized       = &Error{Kind: KindNotInitialized}
	ErrAlreadyInitialized   = &Error{Kind: KindAlreadyInitialized}
	ErrAlreadyDelegated     = &Error{Kind: KindAlreadyDelegated}
	ErrNotDelegated         = &Error{Kind: KindNotDelegated}
	ErrInsufficientBalance  = &Error{Kind: KindInsufficientBalance}
	ErrWrongAuthority       = &Error{Kind: KindWrongAuthority}
	ErrReconciliationFailed = &Error{Kind: KindReconciliationFailed}
	ErrRelayFailed          = &Error{Kind: KindRelayFailed}
	ErrReplayed             = &Error{Kind: KindReplayed}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.Key.Short())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError creates an *Error.
func NewError(kind Kind, op string, key ir.RecordKey, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsRetryable reports whether the operation may succeed when retried
// unchanged: the rollup was unreachable but no state moved.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindReconciliationFailed, KindRelayFailed:
		return true
	}
	return false
}

// IsBusiness reports whether err is a ledger error other than a relay
// failure, meaning the rollup answered and refused.
func IsBusiness(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindRelayFailed && k != KindReconciliationFailed
}
