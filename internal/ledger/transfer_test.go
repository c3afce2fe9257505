package ledger_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/relay"
	"github.com/roach88/erledger/internal/rollup"
	"github.com/roach88/erledger/internal/store"
)

func TestTransfer_Based(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100, bob: 5})

	r, err := f.transfer(t, alice, bob, 40)
	require.NoError(t, err)
	assert.True(t, r.Conserved())
	assert.Equal(t, ir.AuthorityBased, r.Authority)
	assert.Equal(t, uint64(100), r.SenderBefore)
	assert.Equal(t, uint64(60), r.SenderAfter)
	assert.Equal(t, uint64(5), r.ReceiverBefore)
	assert.Equal(t, uint64(45), r.ReceiverAfter)
	assert.False(t, r.CreatedReceiver)

	assert.Equal(t, uint64(60), f.view(t, alice).Balance)
	assert.Equal(t, uint64(45), f.view(t, bob).Balance)
}

func TestTransfer_CreatesReceiver(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	r, err := f.transfer(t, alice, carol, 25)
	require.NoError(t, err)
	assert.True(t, r.CreatedReceiver)

	v := f.view(t, carol)
	assert.Equal(t, ir.AuthorityBased, v.Authority)
	assert.Equal(t, uint64(25), v.Balance)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 10, bob: 3})

	_, err := f.transfer(t, alice, bob, 11)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.False(t, ledger.IsRetryable(err))

	assert.Equal(t, uint64(10), f.view(t, alice).Balance)
	assert.Equal(t, uint64(3), f.view(t, bob).Balance)
	assert.Equal(t, 1, f.outcomes(t, string(ledger.KindInsufficientBalance)))
}

func TestTransfer_InsufficientBalanceDoesNotCreateReceiver(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 1})

	_, err := f.transfer(t, alice, carol, 2)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = f.svc.Balance(context.Background(), carol.ID())
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
}

func TestTransfer_SenderNotInitialized(t *testing.T) {
	f := newFixture(t)

	_, err := f.transfer(t, alice, bob, 0)
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
}

func TestTransfer_ZeroAmountAndSelf(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 10})

	r, err := f.transfer(t, alice, alice, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), r.SenderAfter)
	assert.Equal(t, uint64(10), f.view(t, alice).Balance)

	_, err = f.transfer(t, alice, bob, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.view(t, bob).Balance)
}

func TestTransfer_ReceiverOverflow(t *testing.T) {
	f := newFixture(t)
	// Genesis caps supply at the uint64 limit, so seed the store directly.
	err := f.base.Update(context.Background(), func(tx *store.Tx) error {
		if _, err := tx.InsertRecord(ir.Record{Key: alice.RecordKey(), Owner: alice.ID(), Balance: 5, Authority: ir.AuthorityBased}); err != nil {
			return err
		}
		_, err := tx.InsertRecord(ir.Record{Key: bob.RecordKey(), Owner: bob.ID(), Balance: ^uint64(0), Authority: ir.AuthorityBased})
		return err
	})
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 1)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	assert.Equal(t, uint64(5), f.view(t, alice).Balance)
	assert.Equal(t, ^uint64(0), f.view(t, bob).Balance)
}

// Scenario: two empty records; a transfer fails until the sender is funded.
func TestTransfer_FundThenTransfer(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{carol: 1000})

	_, err := f.initialize(t, alice)
	require.NoError(t, err)
	_, err = f.initialize(t, bob)
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 10)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = f.transfer(t, carol, alice, 10)
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 10)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), f.view(t, alice).Balance)
	assert.Equal(t, uint64(10), f.view(t, bob).Balance)
	assert.Equal(t, uint64(1000), f.supply(t))
}

func TestTransfer_BasePathRejectsDelegatedSender(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)

	// The base store still holds alice's pre-delegation balance, but the
	// base transfer path must not serve it.
	order := ir.TransferOrder{Sender: alice.ID(), Receiver: bob.ID(), Amount: 10}
	err = f.base.Update(context.Background(), func(tx *store.Tx) error {
		_, err := ledger.ApplyTransfer(context.Background(), tx, order, ir.AuthorityBased, ledger.BasePolicy{})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrWrongAuthority)

	rec := f.baseRecord(t, alice)
	assert.Equal(t, uint64(100), rec.Balance)
	_, err = f.base.Record(context.Background(), bob.RecordKey())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransfer_BasedSenderToDelegatedReceiver(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100, bob: 0})
	_, err := f.delegate(t, bob, 0)
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 10)
	assert.ErrorIs(t, err, ledger.ErrWrongAuthority)
	assert.Equal(t, uint64(100), f.view(t, alice).Balance)
}

func TestTransfer_Delegated(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100, bob: 0})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)
	_, err = f.delegate(t, bob, 0)
	require.NoError(t, err)

	r, err := f.transfer(t, alice, bob, 30)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityDelegated, r.Authority)
	assert.True(t, r.Conserved())

	assert.Equal(t, uint64(70), f.view(t, alice).Balance)
	assert.Equal(t, uint64(30), f.view(t, bob).Balance)
	// Nothing reached the base store yet.
	assert.Equal(t, uint64(100), f.baseRecord(t, alice).Balance)
	assert.Equal(t, uint64(100), f.supply(t))
}

func TestTransfer_DelegatedInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 5})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 6)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, uint64(5), f.view(t, alice).Balance)
	assert.Equal(t, 1, f.outcomes(t, string(ledger.KindInsufficientBalance)))
}

func TestTransfer_DelegatedToBasedReceiver(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100, bob: 0})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 10)
	assert.ErrorIs(t, err, ledger.ErrWrongAuthority)
	assert.Equal(t, uint64(100), f.view(t, alice).Balance)
}

func TestTransfer_DelegatedRelayOffline(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)

	f.gate.SetOffline(true)
	_, err = f.transfer(t, alice, carol, 10)
	assert.ErrorIs(t, err, ledger.ErrRelayFailed)
	assert.True(t, ledger.IsRetryable(err))

	f.gate.SetOffline(false)
	_, err = f.transfer(t, alice, carol, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), f.view(t, alice).Balance)
}

func TestTransfer_ReconcilingSenderRejected(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)

	err = f.base.Update(context.Background(), func(tx *store.Tx) error {
		return tx.Transition(alice.RecordKey(), ir.AuthorityDelegated, ir.AuthorityReconciling, "recon-1")
	})
	require.NoError(t, err)

	_, err = f.transfer(t, alice, bob, 1)
	assert.ErrorIs(t, err, ledger.ErrWrongAuthority)
}

// Opposite transfers between the same pair must not deadlock.
func TestTransfer_ConcurrentOpposite(t *testing.T) {
	for _, delegated := range []bool{false, true} {
		name := "based"
		if delegated {
			name = "delegated"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.genesis(t, funds{alice: 1000, bob: 1000})
			if delegated {
				_, err := f.delegate(t, alice, 0)
				require.NoError(t, err)
				_, err = f.delegate(t, bob, 0)
				require.NoError(t, err)
			}

			const n = 50
			var wg sync.WaitGroup
			errs := make(chan error, 2*n)
			for i := 0; i < n; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := f.transfer(t, alice, bob, 3)
					errs <- err
				}()
				go func() {
					defer wg.Done()
					_, err := f.transfer(t, bob, alice, 3)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			assert.Equal(t, uint64(1000), f.view(t, alice).Balance)
			assert.Equal(t, uint64(1000), f.view(t, bob).Balance)
			assert.Equal(t, uint64(2000), f.supply(t))
		})
	}
}

// Random transfers between a mix of based and delegated records conserve
// total supply, and every successful receipt conserves value.
func TestTransfer_Conservation(t *testing.T) {
	f := newFixture(t)
	people := []*identity.Identity{alice, bob, carol, dave}
	f.genesis(t, funds{alice: 500, bob: 300, carol: 200, dave: 0})
	_, err := f.delegate(t, carol, 0)
	require.NoError(t, err)
	_, err = f.delegate(t, dave, 0)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	succeeded := 0
	for i := 0; i < 200; i++ {
		from := people[rng.Intn(len(people))]
		to := people[rng.Intn(len(people))]
		amount := uint64(rng.Intn(150))

		before := f.view(t, from).Balance
		r, err := f.transfer(t, from, to, amount)
		if err != nil {
			// Refusals: not enough funds, or the pair spans authorities.
			assert.True(t, ledger.IsBusiness(err), "unexpected error: %v", err)
			assert.Equal(t, before, f.view(t, from).Balance)
			continue
		}
		succeeded++
		assert.True(t, r.Conserved())
	}

	assert.Positive(t, succeeded)
	assert.Equal(t, uint64(1000), f.supply(t))
}

// lateRollup commits transfers, then answers after the relay deadline.
type lateRollup struct {
	*rollup.Context
	late time.Duration
}

func (r lateRollup) Transfer(ctx context.Context, order ir.TransferOrder) (ir.Receipt, error) {
	receipt, err := r.Context.Transfer(ctx, order)
	time.Sleep(r.late)
	return receipt, err
}

// A delegated transfer the rollup committed is reported as done even when
// its answer arrives after the relay deadline, so it is never retried.
func TestTransfer_DelegatedLateAnswer(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{
		timeout: 50 * time.Millisecond,
		rollup: func(c *rollup.Context) relay.Rollup {
			return lateRollup{Context: c, late: 100 * time.Millisecond}
		},
	})
	f.genesis(t, funds{alice: 100, bob: 0})
	for _, who := range []*identity.Identity{alice, bob} {
		_, err := f.delegate(t, who, 0)
		require.NoError(t, err)
	}

	r, err := f.transfer(t, alice, bob, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), r.SenderAfter)

	assert.Equal(t, uint64(70), f.view(t, alice).Balance)
	assert.Equal(t, uint64(30), f.view(t, bob).Balance)
	assert.Zero(t, f.outcomes(t, string(ledger.KindRelayFailed)))
	assert.Equal(t, 3, f.outcomes(t, ir.OutcomeSuccess))
}

// slowRegistration writes the receiver's base record, then stalls past the
// relay deadline so the rollup transaction that created it rolls back.
type slowRegistration struct {
	rollup.Base
	stall time.Duration
}

func (b slowRegistration) RegisterDelegated(ctx context.Context, rec ir.Record) error {
	err := b.Base.RegisterDelegated(context.WithoutCancel(ctx), rec)
	time.Sleep(b.stall)
	return err
}

func TestTransfer_DelegatedReceiverRolledBack(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{
		timeout: 50 * time.Millisecond,
		base: func(b rollup.Base) rollup.Base {
			return slowRegistration{Base: b, stall: 100 * time.Millisecond}
		},
	})
	f.genesis(t, funds{alice: 100})
	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)

	_, err = f.transfer(t, alice, carol, 30)
	assert.ErrorIs(t, err, ledger.ErrRelayFailed)
	assert.True(t, ledger.IsRetryable(err))

	_, err = f.base.Record(context.Background(), carol.RecordKey())
	assert.ErrorIs(t, err, store.ErrNotFound, "receiver registration must be undone")
	_, err = f.roll.Balance(context.Background(), carol.RecordKey())
	assert.ErrorIs(t, err, ledger.ErrNotDelegated)
	assert.Equal(t, uint64(100), f.view(t, alice).Balance)

	ack, err := f.initialize(t, carol)
	require.NoError(t, err)
	assert.Equal(t, ir.AuthorityBased, ack.Authority)
}
