package harness

import "github.com/roach88/erledger/internal/ir"

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int         `json:"step"`
	Op      string      `json:"op"`
	As      string      `json:"as,omitempty"`
	Args    ir.IRObject `json:"args"`
	Outcome string      `json:"outcome"`
	Result  ir.IRObject `json:"result"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion matched.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds mismatch descriptions. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a mismatch and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	if ev.Args == nil {
		ev.Args = ir.IRObject{}
	}
	if ev.Result == nil {
		ev.Result = ir.IRObject{}
	}
	r.Trace = append(r.Trace, ev)
}
