package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/erledger/internal/authz"
	"github.com/roach88/erledger/internal/config"
	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
	"github.com/roach88/erledger/internal/node"
	"github.com/roach88/erledger/internal/testutil"
)

// Harness executes one scenario against its own node.
type Harness struct {
	node   *node.Node
	ids    *testutil.Identities
	nonces authz.NonceSource
	logger *slog.Logger
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes node logs to logger (discarded by default).
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in fresh in-memory stores for isolation. The returned
// error reports harness failures; step and assertion mismatches are in
// Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		ids:    testutil.NewIdentities(""),
		nonces: authz.NewSequenceNonces("nonce"),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg := config.Default()
	cfg.Database = ":memory:"
	cfg.RollupDatabase = ":memory:"
	cfg.Cadence = false
	// Offline steps must never leave the breaker open behind them.
	cfg.Breaker.ConsecutiveFailures = 1 << 30

	n, err := node.Open(ctx, cfg, node.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open node: %w", err)
	}
	defer n.Close()
	h.node = n

	if err := h.genesis(ctx, scenario.Genesis); err != nil {
		return nil, fmt.Errorf("failed to apply genesis: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		result.addEvent(ev)

		want := step.Expect
		if want == "" {
			want = ir.OutcomeSuccess
		}
		if ev.Outcome != want {
			msg := fmt.Sprintf("step %d (%s): expected %s, got %s", ev.Step, step.Op, want, ev.Outcome)
			if e := ev.Result.String("error"); e != "" {
				msg += ": " + e
			}
			result.AddError(msg)
		}
	}

	for _, msg := range h.evaluate(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) genesis(ctx context.Context, funds map[string]uint64) error {
	if len(funds) == 0 {
		return nil
	}
	names := make([]string, 0, len(funds))
	for name := range funds {
		names = append(names, name)
	}
	slices.Sort(names)

	allocs := make([]ledger.Allocation, 0, len(names))
	for _, name := range names {
		allocs = append(allocs, ledger.Allocation{Owner: h.ids.Get(name).ID(), Balance: funds[name]})
	}
	return h.node.Service.Genesis(ctx, allocs)
}

func (h *Harness) sign(name string, action ir.Action, args ir.IRObject) (authz.Request, error) {
	return authz.Sign(h.ids.Get(name), action, args, h.nonces.Next())
}

// execute runs one step. Ledger refusals become the event outcome; only
// harness failures are returned as errors.
func (h *Harness) execute(ctx context.Context, index int, s Step) (TraceEvent, error) {
	svc := h.node.Service
	ev := TraceEvent{Step: index, Op: s.Op, As: s.As, Args: ir.IRObject{}}

	var (
		result ir.IRObject
		opErr  error
	)
	switch s.Op {
	case OpInitialize:
		req, err := h.sign(s.As, ir.ActionInitialize, ir.IRObject{})
		if err != nil {
			return ev, err
		}
		ack, err := svc.Initialize(ctx, req)
		opErr = err
		result = ir.IRObject{"authority": ir.IRString(ack.Authority)}

	case OpDelegate:
		p := ledger.DelegateParams{CommitFrequencyMS: s.CommitFrequencyMS}
		ev.Args["commit_frequency_ms"] = ir.IRInt(s.CommitFrequencyMS)
		if s.Validator != "" {
			p.Validator = h.ids.Get(s.Validator).ID()
			ev.Args["validator"] = ir.IRString(s.Validator)
		}
		req, err := h.sign(s.As, ir.ActionDelegate, ledger.DelegateArgs(p))
		if err != nil {
			return ev, err
		}
		ack, err := svc.Delegate(ctx, req, p)
		opErr = err
		result = ir.IRObject{
			"authority": ir.IRString(ack.Authority),
			"balance":   ir.Amount(ack.Balance),
		}

	case OpTransfer:
		receiver := h.ids.Get(s.To).ID()
		ev.Args["to"] = ir.IRString(s.To)
		ev.Args["amount"] = ir.Amount(s.Amount)
		req, err := h.sign(s.As, ir.ActionTransfer, ledger.TransferArgs(receiver, s.Amount))
		if err != nil {
			return ev, err
		}
		receipt, err := svc.Transfer(ctx, req, receiver, s.Amount)
		opErr = err
		result = ledger.ReceiptResult(receipt)

	case OpUndelegate:
		req, err := h.sign(s.As, ir.ActionUndelegate, ir.IRObject{})
		if err != nil {
			return ev, err
		}
		ack, err := svc.Undelegate(ctx, req)
		opErr = err
		result = ir.IRObject{
			"authority": ir.IRString(ack.Authority),
			"balance":   ir.Amount(ack.Balance),
		}

	case OpCommit:
		req, err := h.sign(s.As, ir.ActionCommit, ir.IRObject{})
		if err != nil {
			return ev, err
		}
		cp, err := svc.Commit(ctx, req)
		opErr = err
		result = ir.IRObject{"balance": ir.Amount(cp.Balance)}

	case OpRelay:
		offline := s.Offline != nil && *s.Offline
		ev.Args["offline"] = ir.IRBool(offline)
		h.node.Gate.SetOffline(offline)
		result = ir.IRObject{}

	case OpRecover:
		recovered, err := h.node.Recover(ctx)
		opErr = err
		result = ir.IRObject{"recovered": ir.IRInt(recovered)}

	default:
		return ev, fmt.Errorf("unknown op %q", s.Op)
	}

	if opErr != nil {
		ev.Outcome = outcomeName(opErr)
		ev.Result = ir.IRObject{}
		if ev.Outcome == "Error" {
			ev.Result["error"] = ir.IRString(opErr.Error())
		}
		return ev, nil
	}
	ev.Outcome = ir.OutcomeSuccess
	ev.Result = result
	return ev, nil
}

// outcomeName matches the outcome the ledger logs for err.
func outcomeName(err error) string {
	var le *ledger.Error
	if errors.As(err, &le) {
		return string(le.Kind)
	}
	return "Error"
}
