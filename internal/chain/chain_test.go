package chain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/ir"
)

var decidedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%02d", n)
	}
}

// abcTemplate is A and B in parallel, then C.
func abcTemplate() *ir.ChainTemplate {
	return &ir.ChainTemplate{
		FormKey: "deploy",
		Steps: []ir.TemplateStep{
			{Order: 2, RequiredRole: "C", Label: "final"},
			{Order: 1, RequiredRole: "A"},
			{Order: 1, RequiredRole: "B"},
		},
		RequireAllApprovals: true,
	}
}

func statuses(steps []ir.ChainStep) map[string]ir.StepStatus {
	out := map[string]ir.StepStatus{}
	for _, st := range steps {
		out[st.RequiredRole] = st.Status
	}
	return out
}

func decideRole(t *testing.T, steps []ir.ChainStep, role string, approve bool) ([]ir.ChainStep, Outcome) {
	t.Helper()
	st, err := Select(steps, "", []string{role})
	require.NoError(t, err)
	next, outcome, _, err := Decide(steps, true, Decision{StepID: st.ID, ActorID: "user-" + role, Approve: approve, At: decidedAt})
	require.NoError(t, err)
	return next, outcome
}

func TestInstantiateActivatesFirstGroup(t *testing.T) {
	steps := Instantiate("a1", abcTemplate(), seqIDs())

	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, 1, steps[1].Order)
	assert.Equal(t, 2, steps[2].Order)
	assert.Equal(t, "a1", steps[2].ApprovalID)
	assert.Equal(t, "final", steps[2].Label)
	assert.Equal(t, map[string]ir.StepStatus{
		"A": ir.StepActive, "B": ir.StepActive, "C": ir.StepPending,
	}, statuses(steps))
	assert.Equal(t, InProgress, Evaluate(steps, true))
}

func TestChainCompletesInEitherOrder(t *testing.T) {
	for _, first := range []string{"A", "B"} {
		second := map[string]string{"A": "B", "B": "A"}[first]
		t.Run(first+"-then-"+second, func(t *testing.T) {
			steps := Instantiate("a1", abcTemplate(), seqIDs())

			steps, outcome := decideRole(t, steps, first, true)
			assert.Equal(t, InProgress, outcome)
			assert.Equal(t, ir.StepPending, statuses(steps)["C"], "C must wait for the whole first group")

			steps, outcome = decideRole(t, steps, second, true)
			assert.Equal(t, InProgress, outcome)
			assert.Equal(t, ir.StepActive, statuses(steps)["C"])

			steps, outcome = decideRole(t, steps, "C", true)
			assert.Equal(t, Approved, outcome)
			assert.Equal(t, Approved, Evaluate(steps, true))
		})
	}
}

func TestRejectionAfterApprovalRejectsChain(t *testing.T) {
	steps := Instantiate("a1", abcTemplate(), seqIDs())
	steps, _ = decideRole(t, steps, "A", true)
	steps, outcome := decideRole(t, steps, "B", false)

	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, map[string]ir.StepStatus{
		"A": ir.StepApproved, // kept as history
		"B": ir.StepRejected,
		"C": ir.StepClosed, // never activated
	}, statuses(steps))

	_, err := Select(steps, "", []string{"C"})
	assert.ErrorIs(t, err, ErrStepDecided)
}

func TestDecideReturnsChanges(t *testing.T) {
	steps := Instantiate("a1", abcTemplate(), seqIDs())
	a, err := Select(steps, "", []string{"A"})
	require.NoError(t, err)
	steps, _, _, err = Decide(steps, true, Decision{StepID: a.ID, Approve: true, At: decidedAt})
	require.NoError(t, err)

	b, err := Select(steps, "", []string{"B"})
	require.NoError(t, err)
	next, _, changes, err := Decide(steps, true, Decision{StepID: b.ID, ActorID: "bob", Approve: true, Note: "ok", At: decidedAt})
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, Change{StepID: b.ID, From: ir.StepActive, To: ir.StepApproved}, changes[0])
	assert.Equal(t, ir.StepActive, changes[1].To)

	for _, st := range next {
		if st.ID == b.ID {
			assert.Equal(t, "bob", st.DecidedBy)
			assert.Equal(t, "ok", st.Note)
			require.NotNil(t, st.DecidedAt)
			assert.True(t, st.DecidedAt.Equal(decidedAt))
		}
	}
	// Input slice is not mutated.
	assert.Equal(t, ir.StepActive, steps[1].Status)
}

func TestDecideErrors(t *testing.T) {
	steps := Instantiate("a1", abcTemplate(), seqIDs())
	c := steps[2]

	_, _, _, err := Decide(steps, true, Decision{StepID: c.ID, Approve: true})
	assert.ErrorIs(t, err, ErrStepNotActive)

	_, _, _, err = Decide(steps, true, Decision{StepID: "nope", Approve: true})
	assert.ErrorIs(t, err, ErrStepNotFound)

	steps, _ = decideRole(t, steps, "A", true)
	_, _, _, err = Decide(steps, true, Decision{StepID: steps[0].ID, Approve: false})
	assert.ErrorIs(t, err, ErrStepDecided)
}

func TestSelect(t *testing.T) {
	steps := Instantiate("a1", abcTemplate(), seqIDs())

	tests := []struct {
		name   string
		stepID string
		roles  []string
		want   string
		err    error
	}{
		{"by role", "", []string{"B"}, "s02", nil},
		{"first matching active", "", []string{"B", "A"}, "s01", nil},
		{"explicit", "s02", []string{"B"}, "s02", nil},
		{"explicit wrong role", "s02", []string{"A"}, "", ErrNoEligibleStep},
		{"explicit pending", "s03", []string{"C"}, "", ErrStepNotActive},
		{"role only on pending step", "", []string{"C"}, "", ErrStepNotActive},
		{"no role", "", []string{"Z"}, "", ErrNoEligibleStep},
		{"unknown step", "s99", []string{"A"}, "", ErrStepNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := Select(steps, tt.stepID, tt.roles)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.ID)
		})
	}
}

func TestAnyOfGroup(t *testing.T) {
	tmpl := abcTemplate()
	tmpl.RequireAllApprovals = false
	steps := Instantiate("a1", tmpl, seqIDs())

	a, err := Select(steps, "", []string{"A"})
	require.NoError(t, err)
	steps, outcome, changes, err := Decide(steps, false, Decision{StepID: a.ID, Approve: true, At: decidedAt})
	require.NoError(t, err)

	assert.Equal(t, InProgress, outcome)
	assert.Equal(t, map[string]ir.StepStatus{
		"A": ir.StepApproved, "B": ir.StepClosed, "C": ir.StepActive,
	}, statuses(steps))
	assert.Len(t, changes, 3)
}

func TestSingleGroupChain(t *testing.T) {
	tmpl := &ir.ChainTemplate{FormKey: "x", Steps: []ir.TemplateStep{{Order: 0, RequiredRole: "lead"}}, RequireAllApprovals: true}
	steps := Instantiate("a1", tmpl, seqIDs())
	_, outcome := decideRole(t, steps, "lead", true)
	assert.Equal(t, Approved, outcome)
}

func TestEvaluateEmptyChainIsApproved(t *testing.T) {
	assert.Equal(t, Approved, Evaluate(nil, true))
}

func TestClose(t *testing.T) {
	steps := Instantiate("a1", abcTemplate(), seqIDs())
	steps, _ = decideRole(t, steps, "A", true)

	changes := Close(steps)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, ir.StepClosed, c.To)
		assert.NotEqual(t, steps[0].ID, c.StepID)
	}
}

func TestOpenRoles(t *testing.T) {
	steps := Instantiate("a1", abcTemplate(), seqIDs())
	assert.Equal(t, []string{"A", "B", "C"}, OpenRoles(steps))

	steps, _ = decideRole(t, steps, "A", true)
	assert.Equal(t, []string{"B", "C"}, OpenRoles(steps))
	assert.Equal(t, []string{"A", "B", "C"}, Roles(steps))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(abcTemplate()))
	assert.Error(t, Validate(&ir.ChainTemplate{}))
	assert.Error(t, Validate(&ir.ChainTemplate{FormKey: "x", Steps: []ir.TemplateStep{{Order: 1}}}))
	assert.Error(t, Validate(&ir.ChainTemplate{FormKey: "x", Steps: []ir.TemplateStep{{Order: -1, RequiredRole: "a"}}}))
	assert.Error(t, Validate(&ir.ChainTemplate{FormKey: "x", Timeout: -time.Second}))
}
