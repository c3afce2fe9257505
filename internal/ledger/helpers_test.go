package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/relay"
	"github.com/roach88/erledger/internal/rollup"
	"github.com/roach88/erledger/internal/store"
)

// fixture is a base ledger wired to an in-process rollup through a relay
// with an offline gate.
type fixture struct {
	svc    *ledger.Service
	base   *store.Store
	roll   *rollup.Context
	gate   *relay.Gate
	nonces *authz.SequenceNonces
}

// fixtureOptions swap parts of the stack around the real rollup.
type fixtureOptions struct {
	timeout time.Duration
	rollup  func(*rollup.Context) relay.Rollup
	base    func(rollup.Base) rollup.Base
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	return newFixtureWith(t, fixtureOptions{}, opts...)
}

func newFixtureWith(t *testing.T, fo fixtureOptions, opts ...ledger.Option) *fixture {
	t.Helper()

	base, err := store.Open(":memory:")
	require.NoError(t, err)
	rst, err := store.Open(":memory:")
	require.NoError(t, err)

	var gw rollup.Base = ledger.NewBaseGateway(base)
	if fo.base != nil {
		gw = fo.base(gw)
	}
	roll := rollup.New(rst, gw, rollup.WithCadence(false))

	var target relay.Rollup = roll
	if fo.rollup != nil {
		target = fo.rollup(roll)
	}
	if fo.timeout == 0 {
		fo.timeout = 5 * time.Second
	}
	gate := &relay.Gate{}
	rl := relay.NewLocal(target, relay.Config{
		Timeout:             fo.timeout,
		ConsecutiveFailures: 1000,
	}, relay.WithGate(gate))

	t.Cleanup(func() {
		roll.Close()
		rst.Close()
		base.Close()
	})

	return &fixture{
		svc:    ledger.NewService(base, rl, opts...),
		base:   base,
		roll:   roll,
		gate:   gate,
		nonces: authz.NewSequenceNonces("n"),
	}
}

var (
	alice = identity.FromSeed("alice")
	bob   = identity.FromSeed("bob")
	carol = identity.FromSeed("carol")
	dave  = identity.FromSeed("dave")
)

func (f *fixture) sign(t *testing.T, who *identity.Identity, action ir.Action, args ir.IRObject) authz.Request {
	t.Helper()
	req, err := authz.Sign(who, action, args, f.nonces.Next())
	require.NoError(t, err)
	return req
}

// funds maps identities to genesis balances.
type funds map[*identity.Identity]uint64

func (f *fixture) genesis(t *testing.T, alloc funds) {
	t.Helper()
	var allocs []ledger.Allocation
	for who, bal := range alloc {
		allocs = append(allocs, ledger.Allocation{Owner: who.ID(), Balance: bal})
	}
	require.NoError(t, f.svc.Genesis(context.Background(), allocs))
}

func (f *fixture) initialize(t *testing.T, who *identity.Identity) (ledger.Ack, error) {
	return f.svc.Initialize(context.Background(), f.sign(t, who, ir.ActionInitialize, ir.IRObject{}))
}

func (f *fixture) delegate(t *testing.T, who *identity.Identity, freq uint32) (ledger.Ack, error) {
	p := ledger.DelegateParams{CommitFrequencyMS: freq}
	return f.svc.Delegate(context.Background(), f.sign(t, who, ir.ActionDelegate, ledger.DelegateArgs(p)), p)
}

func (f *fixture) transfer(t *testing.T, from, to *identity.Identity, amount uint64) (ir.Receipt, error) {
	req := f.sign(t, from, ir.ActionTransfer, ledger.TransferArgs(to.ID(), amount))
	return f.svc.Transfer(context.Background(), req, to.ID(), amount)
}

func (f *fixture) undelegate(t *testing.T, who *identity.Identity) (ledger.Ack, error) {
	return f.svc.Undelegate(context.Background(), f.sign(t, who, ir.ActionUndelegate, ir.IRObject{}))
}

func (f *fixture) commit(t *testing.T, who *identity.Identity) (ir.Checkpoint, error) {
	return f.svc.Commit(context.Background(), f.sign(t, who, ir.ActionCommit, ir.IRObject{}))
}

// view returns the authoritative view of who's record.
func (f *fixture) view(t *testing.T, who *identity.Identity) ledger.View {
	t.Helper()
	v, err := f.svc.Balance(context.Background(), who.ID())
	require.NoError(t, err)
	return v
}

// baseRecord reads the base store directly.
func (f *fixture) baseRecord(t *testing.T, who *identity.Identity) ir.Record {
	t.Helper()
	rec, err := f.base.Record(context.Background(), who.RecordKey())
	require.NoError(t, err)
	return rec
}

func (f *fixture) supply(t *testing.T) uint64 {
	t.Helper()
	total, err := f.svc.TotalSupply(context.Background())
	require.NoError(t, err)
	return total
}

func (f *fixture) outcomes(t *testing.T, outcome string) int {
	t.Helper()
	n, err := f.base.CountOutcomes(context.Background(), outcome)
	require.NoError(t, err)
	return n
}
