package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/store"
)

// BaseGateway is the narrow view of the base store the rollup may use.
//
// It never takes record locks: it is reached from inside base operations
// that already hold them. Each call is a single authority-guarded statement.
type BaseGateway struct {
	store *store.Store
}

// NewBaseGateway wraps the base store.
func NewBaseGateway(st *store.Store) *BaseGateway {
	return &BaseGateway{store: st}
}

// Authority returns the base authority of key, or store.ErrNotFound.
func (g *BaseGateway) Authority(ctx context.Context, key ir.RecordKey) (ir.Authority, error) {
	rec, err := g.store.Record(ctx, key)
	if err != nil {
		return "", err
	}
	return rec.Authority, nil
}

// RegisterDelegated creates the base record of a receiver the rollup
// created. The record starts delegated with a zero committed balance.
// Returns store.ErrExists if the base ledger already knows the key.
func (g *BaseGateway) RegisterDelegated(ctx context.Context, rec ir.Record) error {
	if rec.Delegation == nil {
		return fmt.Errorf("register delegated: missing delegation for %s", rec.Key.Short())
	}
	return g.store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertRecord(ir.Record{
			Key:        rec.Key,
			Owner:      rec.Owner,
			Authority:  ir.AuthorityDelegated,
			Delegation: rec.Delegation,
		})
		return err
	})
}

// UnregisterDelegated removes a record made by RegisterDelegated whose
// rollup transaction failed. Records that have since been checkpointed or
// reconciled are left alone.
func (g *BaseGateway) UnregisterDelegated(ctx context.Context, key ir.RecordKey) error {
	return g.store.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteUnclaimed(key)
	})
}

// ApplyCheckpoint writes a rollup checkpoint of a delegated record.
// It reports whether the checkpoint was newer than the last one applied.
func (g *BaseGateway) ApplyCheckpoint(ctx context.Context, cp ir.Checkpoint) (bool, error) {
	var applied bool
	err := g.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		applied, err = tx.ApplyCheckpoint(cp, store.SourceCadence)
		return err
	})
	if err != nil && !errors.Is(err, store.ErrAuthority) && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("apply checkpoint: %w", err)
	}
	return applied, err
}
