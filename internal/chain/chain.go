// Package chain evaluates approval chains.
//
// Everything here is a pure function over persisted step rows. Callers load
// the steps inside a store transaction, compute the changes, and write them
// back with conditional updates, so the result is the same no matter which
// instance computes it or whether it is recomputed after a crash.
//
// Steps sharing an order form a group. The lowest group that is not yet
// satisfied is active; every step in it can be decided in parallel. A group
// is satisfied when all of its steps are approved (or, for any-of chains,
// when one is). A single rejection rejects the chain.
package chain

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// Outcome is the overall state of a chain.
type Outcome string

const (
	InProgress Outcome = "in_progress"
	Approved   Outcome = "approved"
	Rejected   Outcome = "rejected"
)

var (
	// ErrStepNotFound: the step id does not belong to the chain.
	ErrStepNotFound = errors.New("step not found")

	// ErrStepDecided: the step was already decided or closed.
	ErrStepDecided = errors.New("step already decided")

	// ErrStepNotActive: the step's group has not been activated yet.
	ErrStepNotActive = errors.New("step not active")

	// ErrNoEligibleStep: none of the active steps require a role the actor holds.
	ErrNoEligibleStep = errors.New("no active step for actor's roles")
)

// Change is a single step status change to persist conditionally.
type Change struct {
	StepID string
	From   ir.StepStatus
	To     ir.StepStatus
}

// Validate checks a template before it is stored or instantiated.
func Validate(tmpl *ir.ChainTemplate) error {
	if tmpl.FormKey == "" {
		return fmt.Errorf("chain template: form key is required")
	}
	for i, st := range tmpl.Steps {
		if st.RequiredRole == "" {
			return fmt.Errorf("chain template %s: step %d: required role is empty", tmpl.FormKey, i)
		}
		if st.Order < 0 {
			return fmt.Errorf("chain template %s: step %d: negative order %d", tmpl.FormKey, i, st.Order)
		}
	}
	if tmpl.Timeout < 0 {
		return fmt.Errorf("chain template %s: negative timeout", tmpl.FormKey)
	}
	return nil
}

// Instantiate creates the steps for an approval from tmpl and activates the
// first group. newID must return ids that sort in creation order.
func Instantiate(approvalID string, tmpl *ir.ChainTemplate, newID func() string) []ir.ChainStep {
	ordered := slices.Clone(tmpl.Steps)
	slices.SortStableFunc(ordered, func(a, b ir.TemplateStep) int { return a.Order - b.Order })

	steps := make([]ir.ChainStep, 0, len(ordered))
	for _, ts := range ordered {
		steps = append(steps, ir.ChainStep{
			ID:           newID(),
			ApprovalID:   approvalID,
			Order:        ts.Order,
			RequiredRole: ts.RequiredRole,
			Label:        ts.Label,
			Status:       ir.StepPending,
		})
	}
	next, _, _ := Advance(steps, tmpl.RequireAllApprovals)
	return next
}

// Evaluate reports the chain outcome from persisted steps.
func Evaluate(steps []ir.ChainStep, requireAll bool) Outcome {
	for _, st := range steps {
		if st.Status == ir.StepRejected {
			return Rejected
		}
	}
	for _, g := range groups(steps) {
		if !satisfied(g, requireAll) {
			return InProgress
		}
	}
	return Approved
}

// Advance computes the changes implied by the current step states:
//   - rejected chain: every open step is closed
//   - satisfied group: its leftover open steps are closed (any-of only)
//   - lowest unsatisfied group: its pending steps become active
//
// It returns the updated steps, the outcome and the changes to persist.
// Approved steps are never modified.
func Advance(steps []ir.ChainStep, requireAll bool) ([]ir.ChainStep, Outcome, []Change) {
	next := slices.Clone(steps)
	var changes []Change
	set := func(i int, to ir.StepStatus) {
		if next[i].Status == to {
			return
		}
		changes = append(changes, Change{StepID: next[i].ID, From: next[i].Status, To: to})
		next[i].Status = to
	}

	outcome := Evaluate(steps, requireAll)
	if outcome == Rejected {
		for i := range next {
			if next[i].Status.Open() {
				set(i, ir.StepClosed)
			}
		}
		return next, outcome, changes
	}

	for _, g := range groupIndexes(next) {
		members := make([]ir.ChainStep, len(g))
		for j, i := range g {
			members[j] = next[i]
		}
		if satisfied(members, requireAll) {
			for _, i := range g {
				if next[i].Status.Open() {
					set(i, ir.StepClosed)
				}
			}
			continue
		}
		for _, i := range g {
			if next[i].Status == ir.StepPending {
				set(i, ir.StepActive)
			}
		}
		break
	}
	return next, outcome, changes
}

// Decision is one actor's verdict on a step.
type Decision struct {
	StepID  string
	ActorID string
	Approve bool
	Note    string
	At      time.Time
}

// Select picks the step an actor decides. With an explicit stepID that
// step must be active and require one of roles. Otherwise the first active
// step (in order, then id) whose role the actor holds is chosen.
func Select(steps []ir.ChainStep, stepID string, roles []string) (*ir.ChainStep, error) {
	if stepID != "" {
		for i := range steps {
			st := &steps[i]
			if st.ID != stepID {
				continue
			}
			switch {
			case !st.Status.Open():
				return nil, fmt.Errorf("step %s is %s: %w", st.ID, st.Status, ErrStepDecided)
			case st.Status != ir.StepActive:
				return nil, fmt.Errorf("step %s: %w", st.ID, ErrStepNotActive)
			case !slices.Contains(roles, st.RequiredRole):
				return nil, fmt.Errorf("step %s requires role %s: %w", st.ID, st.RequiredRole, ErrNoEligibleStep)
			}
			return st, nil
		}
		return nil, fmt.Errorf("step %s: %w", stepID, ErrStepNotFound)
	}

	var sawDecided, sawPending bool
	for i := range steps {
		st := &steps[i]
		if !slices.Contains(roles, st.RequiredRole) {
			continue
		}
		switch st.Status {
		case ir.StepActive:
			return st, nil
		case ir.StepPending:
			sawPending = true
		default:
			sawDecided = true
		}
	}
	switch {
	case sawDecided:
		return nil, ErrStepDecided
	case sawPending:
		return nil, ErrStepNotActive
	}
	return nil, ErrNoEligibleStep
}

// Decide records d on the chosen step and advances the chain. The returned
// changes start with the decided step itself.
func Decide(steps []ir.ChainStep, requireAll bool, d Decision) ([]ir.ChainStep, Outcome, []Change, error) {
	idx := slices.IndexFunc(steps, func(st ir.ChainStep) bool { return st.ID == d.StepID })
	if idx < 0 {
		return nil, "", nil, fmt.Errorf("step %s: %w", d.StepID, ErrStepNotFound)
	}
	switch st := steps[idx]; {
	case !st.Status.Open():
		return nil, "", nil, fmt.Errorf("step %s is %s: %w", st.ID, st.Status, ErrStepDecided)
	case st.Status != ir.StepActive:
		return nil, "", nil, fmt.Errorf("step %s: %w", st.ID, ErrStepNotActive)
	}

	decided := slices.Clone(steps)
	to := ir.StepRejected
	if d.Approve {
		to = ir.StepApproved
	}
	at := d.At
	first := Change{StepID: d.StepID, From: decided[idx].Status, To: to}
	decided[idx].Status = to
	decided[idx].DecidedBy = d.ActorID
	decided[idx].DecidedAt = &at
	decided[idx].Note = d.Note

	next, outcome, changes := Advance(decided, requireAll)
	return next, outcome, append([]Change{first}, changes...), nil
}

// Close returns changes that close every open step. Used on expiry and
// cancellation.
func Close(steps []ir.ChainStep) []Change {
	var changes []Change
	for _, st := range steps {
		if st.Status.Open() {
			changes = append(changes, Change{StepID: st.ID, From: st.Status, To: ir.StepClosed})
		}
	}
	return changes
}

// OpenRoles returns the distinct roles of steps that can still be decided,
// in step order.
func OpenRoles(steps []ir.ChainStep) []string {
	var roles []string
	for _, st := range steps {
		if st.Status.Open() && !slices.Contains(roles, st.RequiredRole) {
			roles = append(roles, st.RequiredRole)
		}
	}
	return roles
}

// Roles returns the distinct roles of all steps, in step order.
func Roles(steps []ir.ChainStep) []string {
	var roles []string
	for _, st := range steps {
		if !slices.Contains(roles, st.RequiredRole) {
			roles = append(roles, st.RequiredRole)
		}
	}
	return roles
}

func satisfied(group []ir.ChainStep, requireAll bool) bool {
	approved := 0
	for _, st := range group {
		if st.Status == ir.StepApproved {
			approved++
		}
	}
	if requireAll {
		return approved == len(group)
	}
	return approved > 0
}

func groups(steps []ir.ChainStep) [][]ir.ChainStep {
	var out [][]ir.ChainStep
	for _, g := range groupIndexes(steps) {
		members := make([]ir.ChainStep, len(g))
		for j, i := range g {
			members[j] = steps[i]
		}
		out = append(out, members)
	}
	return out
}

// groupIndexes returns step indexes grouped by order, groups ascending.
func groupIndexes(steps []ir.ChainStep) [][]int {
	byOrder := map[int][]int{}
	var orders []int
	for i, st := range steps {
		if _, ok := byOrder[st.Order]; !ok {
			orders = append(orders, st.Order)
		}
		byOrder[st.Order] = append(byOrder[st.Order], i)
	}
	slices.Sort(orders)
	out := make([][]int, 0, len(orders))
	for _, o := range orders {
		out = append(out, byOrder[o])
	}
	return out
}
