package harness

import (
	"fmt"
	"strings"
)

// Trace event kinds.
const (
	EventStep     = "step"
	EventRequest  = "request"
	EventStatus   = "status"
	EventConflict = "conflict"
	EventError    = "error"
	EventRefresh  = "refresh"
	EventSuccess  = "success"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	Step   int    `json:"step"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Name is the scenario name.
	Name string `json:"name"`

	// Pass is true when every expectation held.
	Pass bool `json:"pass"`

	// Trace lists each step followed by the requests it caused and the
	// handler callbacks it triggered.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:   name,
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(step int, kind, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Kind: kind, Detail: detail})
}

// Render formats the trace as text, one event per line. Events other than
// step headers are indented under their step.
func (r *Result) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", r.Name)
	for _, ev := range r.Trace {
		switch {
		case ev.Kind == EventStep:
			fmt.Fprintf(&b, "step %d: %s\n", ev.Step, ev.Detail)
		case ev.Detail == "":
			fmt.Fprintf(&b, "  %s\n", ev.Kind)
		default:
			fmt.Fprintf(&b, "  %s %s\n", ev.Kind, ev.Detail)
		}
	}
	return b.String()
}

// Events returns the trace events of the given kind.
func (r *Result) Events(kind string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
