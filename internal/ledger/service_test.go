package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
)

func TestInitialize(t *testing.T) {
	f := newFixture(t)

	ack, err := f.initialize(t, alice)
	require.NoError(t, err)
	assert.Equal(t, alice.RecordKey(), ack.Key)
	assert.Equal(t, ir.AuthorityBased, ack.Authority)
	assert.NotEmpty(t, ack.OperationID)

	v := f.view(t, alice)
	assert.Equal(t, uint64(0), v.Balance)
	assert.Equal(t, alice.ID(), v.Owner)
}

func TestInitialize_AlreadyInitialized(t *testing.T) {
	f := newFixture(t)
	_, err := f.initialize(t, alice)
	require.NoError(t, err)

	_, err = f.initialize(t, alice)
	assert.ErrorIs(t, err, ledger.ErrAlreadyInitialized)
	assert.Equal(t, 1, f.outcomes(t, string(ledger.KindAlreadyInitialized)))
}

func TestBalance_NotInitialized(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Balance(context.Background(), alice.ID())
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
}

func TestGenesis(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100, bob: 50})

	assert.Equal(t, uint64(100), f.view(t, alice).Balance)
	assert.Equal(t, uint64(50), f.view(t, bob).Balance)
	assert.Equal(t, uint64(150), f.supply(t))
}

func TestGenesis_RequiresEmptyLedger(t *testing.T) {
	f := newFixture(t)
	_, err := f.initialize(t, alice)
	require.NoError(t, err)

	err = f.svc.Genesis(context.Background(), []ledger.Allocation{{Owner: bob.ID(), Balance: 1}})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}

func TestGenesis_RejectsDuplicatesAndOverflow(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Genesis(context.Background(), []ledger.Allocation{
		{Owner: alice.ID(), Balance: 1},
		{Owner: alice.ID(), Balance: 2},
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	err = f.svc.Genesis(context.Background(), []ledger.Allocation{
		{Owner: alice.ID(), Balance: ^uint64(0)},
		{Owner: bob.ID(), Balance: 1},
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	n, err := f.base.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "rejected genesis must not write")
}

func TestUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	// Signed by mallory, claiming to be alice.
	mallory := identity.FromSeed("mallory")
	args := ledger.TransferArgs(mallory.ID(), 10)
	forged, err := authz.Sign(mallory, ir.ActionTransfer, args, "n-forged")
	require.NoError(t, err)
	forged.Signer = alice.ID()

	_, err = f.svc.Transfer(context.Background(), forged, mallory.ID(), 10)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.Equal(t, uint64(100), f.view(t, alice).Balance)

	// Unverified requests are not logged.
	history, err := f.svc.History(context.Background(), alice.ID(), 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUnauthorized_ArgsTampered(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	req := f.sign(t, alice, ir.ActionTransfer, ledger.TransferArgs(bob.ID(), 1))
	_, err := f.svc.Transfer(context.Background(), req, bob.ID(), 99)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestReplayRejected(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	req := f.sign(t, alice, ir.ActionTransfer, ledger.TransferArgs(bob.ID(), 10))
	_, err := f.svc.Transfer(context.Background(), req, bob.ID(), 10)
	require.NoError(t, err)

	_, err = f.svc.Transfer(context.Background(), req, bob.ID(), 10)
	assert.ErrorIs(t, err, ledger.ErrReplayed)
	assert.Equal(t, uint64(90), f.view(t, alice).Balance)
	assert.Equal(t, uint64(10), f.view(t, bob).Balance)
}

func TestVerifierFunc(t *testing.T) {
	allow := authz.VerifierFunc(func(ir.Identity, []byte, []byte) error { return nil })
	f := newFixture(t, ledger.WithVerifier(allow))

	// Any signature passes a permissive verifier.
	_, err := f.svc.Initialize(context.Background(), authz.Request{Signer: "someone", Nonce: "n-1"})
	require.NoError(t, err)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	_, err := f.transfer(t, alice, bob, 10)
	require.NoError(t, err)
	_, err = f.transfer(t, alice, bob, 1000)
	require.Error(t, err)
	_, err = f.delegate(t, alice, 0)
	require.NoError(t, err)

	history, err := f.svc.History(context.Background(), alice.ID(), 0)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, ir.ActionTransfer, history[0].Operation.Action)
	require.NotNil(t, history[0].Outcome)
	assert.Equal(t, ir.OutcomeSuccess, history[0].Outcome.Outcome)
	assert.Equal(t, string(ledger.KindInsufficientBalance), history[1].Outcome.Outcome)
	assert.Equal(t, ir.ActionDelegate, history[2].Operation.Action)

	recent, err := f.svc.History(context.Background(), alice.ID(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, history[2].Operation.ID, recent[0].Operation.ID)
}

func TestBalance_DelegatedReadsRollup(t *testing.T) {
	f := newFixture(t)
	f.genesis(t, funds{alice: 100})

	_, err := f.delegate(t, alice, 0)
	require.NoError(t, err)
	_, err = f.transfer(t, alice, bob, 30)
	require.NoError(t, err)

	v := f.view(t, alice)
	assert.Equal(t, ir.AuthorityDelegated, v.Authority)
	assert.Equal(t, uint64(70), v.Balance)
	assert.Equal(t, uint64(100), v.Committed, "base keeps the last committed balance")
	require.NotNil(t, v.Delegation)

	f.gate.SetOffline(true)
	_, err = f.svc.Balance(context.Background(), alice.ID())
	assert.ErrorIs(t, err, ledger.ErrRelayFailed)
	assert.True(t, ledger.IsRetryable(err))
}
