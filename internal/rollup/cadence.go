package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/store"
)

// cadenceLoop checkpoints one held record into the base ledger every
// commit_frequency_ms.
type cadenceLoop struct {
	cancel context.CancelFunc
}

// startCadence (re)starts the commit loop for key. lastSeq is the seq of
// the balance the base ledger already has. A zero frequency disables it.
func (c *Context) startCadence(key ir.RecordKey, frequencyMS uint32, lastSeq int64) {
	if !c.cadence || frequencyMS == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root.Err() != nil {
		return
	}
	if old, ok := c.loops[key]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(c.root)
	loop := &cadenceLoop{cancel: cancel}
	c.loops[key] = loop

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.forget(key, loop)
		c.runCadence(ctx, key, time.Duration(frequencyMS)*time.Millisecond, lastSeq)
	}()
}

// stopCadence stops the commit loop for key, if any.
func (c *Context) stopCadence(key ir.RecordKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loop, ok := c.loops[key]; ok {
		loop.cancel()
		delete(c.loops, key)
	}
}

func (c *Context) forget(key ir.RecordKey, loop *cadenceLoop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loops[key] == loop {
		delete(c.loops, key)
	}
	loop.cancel()
}

// activeLoops returns the number of running commit loops. Used for testing.
func (c *Context) activeLoops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loops)
}

func (c *Context) runCadence(ctx context.Context, key ir.RecordKey, every time.Duration, lastSeq int64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cp, held := c.snapshot(ctx, key)
		if !held {
			c.logger.Debug("commit loop stopped", "key", key.Short())
			return
		}
		if cp.Seq <= lastSeq {
			continue
		}

		applied, err := c.base.ApplyCheckpoint(ctx, cp)
		if err != nil {
			if c.orphaned(ctx, key) {
				c.logger.Warn("commit loop stopped: base ledger does not delegate record", "key", key.Short())
				return
			}
			// Base refuses while the record is reconciling; the rollup
			// release decides whether the loop ends.
			c.logger.Debug("checkpoint not applied", "key", key.Short(), "error", err)
			continue
		}
		lastSeq = cp.Seq
		if applied {
			c.logger.Debug("checkpoint applied", "key", key.Short(), "balance", cp.Balance, "seq", cp.Seq)
		}
	}
}

// orphaned reports whether the base ledger holds key as based or not at all,
// as after a delegation it reverted. The rollup copy is then never committed.
func (c *Context) orphaned(ctx context.Context, key ir.RecordKey) bool {
	a, err := c.base.Authority(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	return err == nil && a == ir.AuthorityBased
}

// snapshot reads the current balance of a held record under its lock.
func (c *Context) snapshot(ctx context.Context, key ir.RecordKey) (ir.Checkpoint, bool) {
	unlock := c.locks.Lock(key)
	defer unlock()

	rec, err := c.store.Record(ctx, key)
	if err != nil || rec.Authority != ir.AuthorityDelegated {
		return ir.Checkpoint{}, false
	}
	return ir.Checkpoint{Key: key, Balance: rec.Balance, Seq: rec.UpdatedSeq}, true
}
