package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/store"
)

// Scenario: delegated mutations are committed back on undelegate.
func TestUndelegate_CommitsDelegatedTransfers(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	_, err := f.delegate(t, alice, 1000)
	require.NoError(t, err)
	_, err = f.transfer(t, alice, bob, 30)
	require.NoError(t, err)

	ack, err := f.undelegate(t, alice)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityBased, ack.Authority)
	assert.Equal(t, uint64(70), ack.Balance)

	rec := f.baseRecord(t, alice)
	assert.Equal(t, ir.AuthorityBased, rec.Authority)
	assert.Equal(t, uint64(70), rec.Balance)
	assert.Nil(t, rec.Delegation)
	assert.Empty(t, rec.PendingReconciliation)

	// bob was created inside the rollup and is still held there.
	assert.Equal(t, ir.AuthorityDelegated, f.baseRecord(t, bob).Authority)
	assert.Equal(t, uint64(30), f.view(t, bob).Balance)
	assert.Equal(t, uint64(100), f.supply(t))

	// The rollup dropped its tombstone after the ack.
	_, err = f.roll.Store().Record(context.Background(), alice.RecordKey())
	assert.ErrorIs(t, err, store.ErrNotFound)

	cps, err := f.base.Checkpoints(context.Background(), alice.RecordKey())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, uint64(70), cps[0].Balance)
}

func TestUndelegate_NeverDelegated(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	_, err := f.undelegate(t, alice)
	assert.ErrorIs(t, err, ledger.ErrNotDelegated)
	assert.Equal(t, uint64(100), f.view(t, alice).Balance)
}

func TestUndelegate_NotInitialized(t *testing.T) {
	f := newFixture(t)

	_, err := f.undelegate(t, alice)
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
}

// delegate, transfer, undelegate ends where a direct transfer ends.
func TestUndelegate_MatchesDirectTransfers(t *testing.T) {
	type step struct {
		from, to string
		amount   uint64
	}
	steps := []step{
		{"alice", "bob", 30},
		{"bob", "alice", 5},
		{"alice", "bob", 80}, // insufficient
		{"alice", "bob", 70},
	}
	ids := map[string]*identity.Identity{"alice": alice, "bob": bob}

	run := func(t *testing.T, delegated bool) (uint64, uint64) {
		f := newFixture(t)
		f.genesis(t, funds{alice: 100, bob: 10})
		if delegated {
			_, err := f.delegate(t, alice, 0)
			require.NoError(t, err)
			_, err = f.delegate(t, bob, 0)
			require.NoError(t, err)
		}
		for _, s := range steps {
			_, err := f.transfer(t, ids[s.from], ids[s.to], s.amount)
			if err != nil {
				require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
			}
		}
		if delegated {
			_, err := f.undelegate(t, alice)
			require.NoError(t, err)
			_, err = f.undelegate(t, bob)
			require.NoError(t, err)
		}
		return f.baseRecord(t, alice).Balance, f.baseRecord(t, bob).Balance
	}

	directA, directB := run(t, false)
	viaA, viaB := run(t, true)
	assert.Equal(t, directA, viaA)
	assert.Equal(t, directB, viaB)
	assert.Equal(t, uint64(5), directA)
	assert.Equal(t, uint64(105), directB)
}

func TestUndelegate_RelayFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)
	_, err = f.transfer(t, alice, carol, 25)
	require.NoError(t, err)

	f.gate.SetOffline(true)
	_, err = f.undelegate(t, alice)
	assert.ErrorIs(t, err, ledger.ErrReconciliationFailed)
	assert.True(t, ledger.IsRetryable(err))

	rec := f.baseRecord(t, alice)
	assert.Equal(t, ir.AuthorityDelegated, rec.Authority, "failed reconciliation leaves the record delegated")
	assert.NotEmpty(t, rec.PendingReconciliation)
	assert.Equal(t, uint64(100), rec.Balance)

	f.gate.SetOffline(false)
	// Still delegated: transfers keep working.
	_, err = f.transfer(t, alice, carol, 5)
	require.NoError(t, err)

	ack, err := f.undelegate(t, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), ack.Balance)

	assert.Equal(t, uint64(70), f.baseRecord(t, alice).Balance)
	assert.Equal(t, uint64(100), f.supply(t))
}

// A crash after the rollup released the record leaves it reconciling;
// Recover finishes the base write with the same reconciliation.
func TestRecover(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100, bob: 50})
	ctx := context.Background()

	for _, who := range []*identity.Identity{alice, bob} {
		_, err := f.delegate(t, who, 0)
		require.NoError(t, err)
	}
	_, err := f.transfer(t, alice, bob, 20)
	require.NoError(t, err)

	// Simulate the interrupted half of an undelegate for alice.
	const reconID = "recon-alice"
	err = f.base.Update(ctx, func(tx *store.Tx) error {
		return tx.Transition(alice.RecordKey(), ir.AuthorityDelegated, ir.AuthorityReconciling, reconID)
	})
	require.NoError(t, err)
	cp, err := f.roll.CommitAndUndelegate(ctx, alice.RecordKey(), reconID)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), cp.Balance)

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := f.baseRecord(t, alice)
	assert.Equal(t, ir.AuthorityBased, rec.Authority)
	assert.Equal(t, uint64(80), rec.Balance)
	assert.Equal(t, ir.AuthorityDelegated, f.baseRecord(t, bob).Authority)

	n, err = f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecover_RelayOffline(t *testing.T) {
	f := newFixture(t, ledger.WithRecoverConcurrency(2))
	f.genesis(t, funds{alice: 100})
	ctx := context.Background()

	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)
	err = f.base.Update(ctx, func(tx *store.Tx) error {
		return tx.Transition(alice.RecordKey(), ir.AuthorityDelegated, ir.AuthorityReconciling, "recon-1")
	})
	require.NoError(t, err)

	f.gate.SetOffline(true)
	n, err := f.svc.Recover(ctx)
	assert.ErrorIs(t, err, ledger.ErrReconciliationFailed)
	assert.Zero(t, n)
	rec := f.baseRecord(t, alice)
	assert.Equal(t, ir.AuthorityDelegated, rec.Authority)
	assert.Equal(t, "recon-1", rec.PendingReconciliation)

	// The next undelegate resumes the same reconciliation.
	f.gate.SetOffline(false)
	_, err = f.undelegate(t, alice)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityBased, f.baseRecord(t, alice).Authority)
}

func TestCommit(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	_, err := f.commit(t, alice)
	assert.ErrorIs(t, err, ledger.ErrNotDelegated)

	_, err = f.delegate(t, alice, 0)
	require.NoError(t, err)
	_, err = f.transfer(t, alice, bob, 40)
	require.NoError(t, err)

	cp, err := f.commit(t, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), cp.Balance)

	v := f.view(t, alice)
	assert.Equal(t, ir.AuthorityDelegated, v.Authority)
	assert.Equal(t, uint64(60), v.Committed)
	assert.Equal(t, uint64(60), v.Balance)

	// Nothing new to commit: the checkpoint is identical and still succeeds.
	again, err := f.commit(t, alice)
	require.NoError(t, err)
	assert.Equal(t, cp, again)
}

// A receiver the base ledger registered but the rollup never kept, as left by
// a crash mid-transfer, is closed at zero instead of failing every retry.
func TestUndelegate_RecordRollupNeverHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := ledger.NewBaseGateway(f.base).RegisterDelegated(ctx, ir.Record{
		Key:        carol.RecordKey(),
		Owner:      carol.ID(),
		Delegation: &ir.Delegation{Key: carol.RecordKey()},
	})
	require.NoError(t, err)

	ack, err := f.undelegate(t, carol)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityBased, ack.Authority)
	assert.Zero(t, ack.Balance)

	rec := f.baseRecord(t, carol)
	assert.Equal(t, ir.AuthorityBased, rec.Authority)
	assert.Empty(t, rec.PendingReconciliation)
	assert.Nil(t, rec.Delegation)

	_, err = f.delegate(t, carol, 0)
	require.NoError(t, err)
}

// A delegated record with a committed balance is never closed without the
// rollup's answer.
func TestUndelegate_FundedRecordRollupNeverHeld(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})
	ctx := context.Background()
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)

	_, err = f.roll.CommitAndUndelegate(ctx, alice.RecordKey(), "recon-lost")
	require.NoError(t, err)
	require.NoError(t, f.roll.Ack(ctx, alice.RecordKey(), "recon-lost"))

	_, err = f.undelegate(t, alice)
	assert.ErrorIs(t, err, ledger.ErrReconciliationFailed)
	assert.Equal(t, ir.AuthorityDelegated, f.baseRecord(t, alice).Authority)
}
