// Package testutil holds deterministic fixtures shared by tests and the
// scenario harness.
package testutil

import (
	"slices"
	"sync"

	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
)

// Identities hands out deterministic identities by name. The same name
// always yields the same key pair, so scenario traces are reproducible.
//
// Thread-safety: Identities is safe for concurrent use via internal mutex.
type Identities struct {
	mu     sync.Mutex
	prefix string
	byName map[string]*identity.Identity
	names  map[ir.Identity]string
}

// NewIdentities creates a registry. With an empty prefix, Get(name) equals
// identity.FromSeed(name).
func NewIdentities(prefix string) *Identities {
	return &Identities{
		prefix: prefix,
		byName: make(map[string]*identity.Identity),
		names:  make(map[ir.Identity]string),
	}
}

// Get returns the identity for name, creating it on first use.
func (r *Identities) Get(name string) *identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		return id
	}
	label := name
	if r.prefix != "" {
		label = r.prefix + "/" + name
	}
	id := identity.FromSeed(label)
	r.byName[name] = id
	r.names[id.ID()] = name
	return id
}

// Name returns the name an identity was created under.
func (r *Identities) Name(id ir.Identity) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.names[id]
	return name, ok
}

// Names returns every name handed out, sorted.
func (r *Identities) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
