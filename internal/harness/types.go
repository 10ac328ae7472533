package harness

import "fmt"

// TraceEvent is one audit event as a scenario sees it. Approval ids are
// replaced by "approval/<request id>" so that traces do not depend on
// generated identifiers.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Action   string `json:"action"`
	Actor    string `json:"actor"`
	Resource string `json:"resource"`
	Outcome  string `json:"outcome"`

	// Detail holds the few metadata fields worth comparing, in key=value
	// form.
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace is the audit ledger after the flow, in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Calls counts live connector calls by connector type.
	Calls map[string]int `json:"calls,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Calls:  make(map[string]int),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Actions returns the action of every trace event in order.
func (r *Result) Actions() []string {
	out := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.Action
	}
	return out
}

// Line renders the event on one line: seq, action, actor, resource and
// outcome, followed by any detail.
func (e TraceEvent) Line() string {
	line := fmt.Sprintf("%d %s %s %s %s", e.Seq, e.Action, e.Actor, e.Resource, e.Outcome)
	if e.Detail != "" {
		line += " " + e.Detail
	}
	return line
}
