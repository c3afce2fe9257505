package authz

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NonceSource produces request nonces. A nonce may be used once per signer.
type NonceSource interface {
	Next() string
}

// UUIDv7Nonces generates time-sortable UUIDv7 nonces.
//
// Thread-safety: UUIDv7Nonces is stateless and safe for concurrent use.
type UUIDv7Nonces struct{}

// Next creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Nonces) Next() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceNonces returns prefix-1, prefix-2, ... for deterministic traces.
//
// Thread-safety: SequenceNonces is safe for concurrent use via internal mutex.
type SequenceNonces struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceNonces creates a sequence. An empty prefix defaults to "nonce".
func NewSequenceNonces(prefix string) *SequenceNonces {
	if prefix == "" {
		prefix = "nonce"
	}
	return &SequenceNonces{prefix: prefix}
}

// Next returns the next nonce in the sequence.
func (s *SequenceNonces) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}
