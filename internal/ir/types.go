package ir

import "encoding/binary"

// Identity is the public identifier of a signing identity, typically the
// hex-encoded ed25519 public key.
type Identity string

// RecordKey is the derived storage key of a balance record.
type RecordKey string

// Short returns an abbreviated key for logs.
func (k RecordKey) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// Authority tags which context may mutate a record.
type Authority string

const (
	// AuthorityBased records are mutated by the base ledger.
	AuthorityBased Authority = "based"
	// AuthorityDelegated records are mutated by the rollup only.
	AuthorityDelegated Authority = "delegated"
	// AuthorityReconciling marks an undelegate in flight. Nobody mutates.
	AuthorityReconciling Authority = "reconciling"
	// AuthorityReleased is a rollup-side tombstone left after commit-and-undelegate.
	AuthorityReleased Authority = "released"
)

// Valid reports whether a is a known authority tag.
func (a Authority) Valid() bool {
	switch a {
	case AuthorityBased, AuthorityDelegated, AuthorityReconciling, AuthorityReleased:
		return true
	}
	return false
}

// Action names a signed ledger operation.
type Action string

const (
	ActionInitialize Action = "initialize"
	ActionDelegate   Action = "delegate"
	ActionTransfer   Action = "transfer"
	ActionUndelegate Action = "undelegate"
	ActionCommit     Action = "commit"
)

// OutcomeSuccess is the outcome recorded for operations that completed.
// Failures record their error kind instead.
const OutcomeSuccess = "Success"

// Delegation describes how a record is held by the rollup.
type Delegation struct {
	Key               RecordKey `json:"key"`
	CommitFrequencyMS uint32    `json:"commit_frequency_ms"`
	Validator         Identity  `json:"validator,omitempty"` // empty: no designated validator
}

// Record is one balance record as stored by either context.
type Record struct {
	Key       RecordKey `json:"key"`
	Owner     Identity  `json:"owner"`
	Balance   uint64    `json:"balance"`
	Authority Authority `json:"authority"`

	// Delegation is set while the record is delegated or reconciling.
	Delegation *Delegation `json:"delegation,omitempty"`

	// PendingReconciliation holds the reconciliation ID of an undelegate that
	// has started but not completed.
	PendingReconciliation string `json:"pending_reconciliation,omitempty"`

	// CheckpointSeq is the rollup seq of the last checkpoint applied (base only).
	CheckpointSeq int64 `json:"checkpoint_seq"`
	UpdatedSeq    int64 `json:"updated_seq"`
}

// BalanceSize is the persisted size of a balance value.
const BalanceSize = 8

// EncodeBalance returns the fixed-size persisted form of a balance
// (8 bytes, little endian).
func EncodeBalance(v uint64) []byte {
	b := make([]byte, BalanceSize)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeBalance parses the fixed-size persisted form of a balance.
func DecodeBalance(b []byte) (uint64, bool) {
	if len(b) != BalanceSize {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// Operation is a signed request as appended to the operation log.
type Operation struct {
	ID            string    `json:"id"` // content-addressed, see OperationID
	Action        Action    `json:"action"`
	Signer        Identity  `json:"signer"`
	Nonce         string    `json:"nonce"`
	RecordKey     RecordKey `json:"record_key"`
	Args          IRObject  `json:"args"`
	Seq           int64     `json:"seq"`
	LedgerVersion string    `json:"ledger_version"`
}

// Outcome records how an operation ended.
type Outcome struct {
	ID          string   `json:"id"`
	OperationID string   `json:"operation_id"`
	Outcome     string   `json:"outcome"` // OutcomeSuccess or an error kind
	Result      IRObject `json:"result"`
	Seq         int64    `json:"seq"`
}

// Entry pairs an operation with its outcome. Outcome is nil while pending.
type Entry struct {
	Operation Operation `json:"operation"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
}

// TransferOrder is a value transfer to apply under the sender's authority.
type TransferOrder struct {
	Operation Operation `json:"operation"`
	Sender    Identity  `json:"sender"`
	Receiver  Identity  `json:"receiver"`
	Amount    uint64    `json:"amount"`
}

// Receipt reports the balances touched by a transfer.
type Receipt struct {
	SenderKey       RecordKey `json:"sender_key"`
	ReceiverKey     RecordKey `json:"receiver_key"`
	SenderBefore    uint64    `json:"sender_before"`
	SenderAfter     uint64    `json:"sender_after"`
	ReceiverBefore  uint64    `json:"receiver_before"`
	ReceiverAfter   uint64    `json:"receiver_after"`
	CreatedReceiver bool      `json:"created_receiver"`
	Authority       Authority `json:"authority"`
}

// Conserved reports whether the receipt satisfies value conservation.
func (r Receipt) Conserved() bool {
	if r.SenderKey == r.ReceiverKey {
		return r.SenderBefore == r.SenderAfter
	}
	before := r.SenderBefore + r.ReceiverBefore
	after := r.SenderAfter + r.ReceiverAfter
	return before == after && before >= r.SenderBefore
}

// Checkpoint is a balance value committed by the rollup.
type Checkpoint struct {
	Key     RecordKey `json:"key"`
	Balance uint64    `json:"balance"`
	Seq     int64     `json:"seq"` // rollup seq, monotonic per rollup store
}
