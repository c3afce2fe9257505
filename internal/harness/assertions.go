package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/erledger/internal/ledger"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Subject  string // Owner or outcome the assertion is about
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Subject != "" {
		fmt.Fprintf(&buf, " (%s)", e.Subject)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// evaluate checks every assertion and returns failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		if err := h.check(ctx, a); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	svc := h.node.Service

	switch a.Type {
	case AssertBalance, AssertCommitted:
		v, err := svc.Balance(ctx, h.ids.Get(a.Owner).ID())
		if err != nil {
			return &AssertionError{Type: a.Type, Subject: a.Owner, Expected: fmt.Sprint(*a.Value), Actual: err.Error()}
		}
		got := v.Balance
		if a.Type == AssertCommitted {
			got = v.Committed
		}
		if got != *a.Value {
			return &AssertionError{Type: a.Type, Subject: a.Owner, Expected: fmt.Sprint(*a.Value), Actual: fmt.Sprint(got)}
		}

	case AssertAuthority:
		got := AuthorityNone
		v, err := svc.Balance(ctx, h.ids.Get(a.Owner).ID())
		switch {
		case errors.Is(err, ledger.ErrNotInitialized):
		case err != nil:
			return &AssertionError{Type: a.Type, Subject: a.Owner, Expected: a.Authority, Actual: err.Error()}
		default:
			got = string(v.Authority)
		}
		if got != a.Authority {
			return &AssertionError{Type: a.Type, Subject: a.Owner, Expected: a.Authority, Actual: got}
		}

	case AssertTotalSupply:
		total, err := svc.TotalSupply(ctx)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(*a.Value), Actual: err.Error()}
		}
		if total != *a.Value {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(*a.Value), Actual: fmt.Sprint(total)}
		}

	case AssertOutcomeCount:
		n, err := svc.Store().CountOutcomes(ctx, a.Outcome)
		if err != nil {
			return &AssertionError{Type: a.Type, Subject: a.Outcome, Expected: fmt.Sprint(*a.Count), Actual: err.Error()}
		}
		if n != *a.Count {
			return &AssertionError{Type: a.Type, Subject: a.Outcome, Expected: fmt.Sprint(*a.Count), Actual: fmt.Sprint(n)}
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
