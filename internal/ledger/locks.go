package ledger

import (
	"slices"
	"sync"

	"github.com/roach88/erledger/internal/ir"
)

// KeyLocks serializes operations per record key. Distinct keys proceed in
// parallel. Multi-key acquisitions always lock in lexicographic key order,
// so two transfers in opposite directions cannot deadlock.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[ir.RecordKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[ir.RecordKey]*keyLock)}
}

// Lock acquires the locks for keys and returns the function releasing them.
// Duplicate keys are locked once.
func (l *KeyLocks) Lock(keys ...ir.RecordKey) (unlock func()) {
	ordered := slices.Clone(keys)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]*keyLock, 0, len(ordered))
	for _, k := range ordered {
		kl := l.acquire(k)
		kl.mu.Lock()
		held = append(held, kl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(ordered[i])
		}
	}
}

func (l *KeyLocks) acquire(k ir.RecordKey) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{}
		l.locks[k] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyLocks) release(k ir.RecordKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.locks[k]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, k)
	}
}

// size returns the number of live lock entries. Used for testing.
func (l *KeyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
