package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes a policy and a scenario into a temp dir and returns
// the scenario path.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.cue"), []byte("package policy\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
policy: policy.cue
connectors:
  - type: deploy
    fail: transient
    failures: 2
flow:
  - invoke: submit
    args:
      request: r1
      intent: deploy
      operator: op-1
      plan:
        - {connector: deploy, operation: rollout, payload: {service: api}}
    expect:
      case: pending
  - invoke: advance
    args: {by: 1h}
assertions:
  - type: audit_contains
    action: approval.requested
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, validScenario)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "policy.cue"), scenario.Policy)
	require.Len(t, scenario.Connectors, 1)
	assert.Equal(t, ConnectorSpec{Type: "deploy", Fail: FailTransient, Failures: 2}, scenario.Connectors[0])
	require.Len(t, scenario.Flow, 2)
	assert.Equal(t, InvokeSubmit, scenario.Flow[0].Invoke)
	assert.Equal(t, "r1", scenario.Flow[0].Args["request"])
	assert.Equal(t, "pending", scenario.Flow[0].Expect.Case)
	assert.IsType(t, []any{}, scenario.Flow[0].Args["plan"])
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	path := writeScenario(t, validScenario)
	base := filepath.Dir(path)
	other := t.TempDir()
	moved := filepath.Join(other, "scenario.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(moved, data, 0o644))

	_, err = LoadScenario(moved)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy file not found")

	scenario, err := LoadScenarioWithBasePath(moved, base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "policy.cue"), scenario.Policy)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, validScenario+"\nassertion: []\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: d
policy: policy.cue
flow: [{invoke: sweep, args: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			content: `
name: n
policy: policy.cue
flow: [{invoke: sweep, args: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: "description is required",
		},
		{
			name: "missing policy",
			content: `
name: n
description: d
flow: [{invoke: sweep, args: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: "policy is required",
		},
		{
			name: "empty flow",
			content: `
name: n
description: d
policy: policy.cue
flow: []
assertions: [{type: audit_intact}]
`,
			wantErr: "flow list is required",
		},
		{
			name: "empty assertions",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: sweep, args: {}}]
assertions: []
`,
			wantErr: "assertions list is required",
		},
		{
			name: "unknown invocation",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: approve, args: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: `unknown invocation "approve"`,
		},
		{
			name: "missing invoke",
			content: `
name: n
description: d
policy: policy.cue
flow: [{args: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: "flow[0]: invoke is required",
		},
		{
			name: "missing arg",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: decide, args: {request: r1}}]
assertions: [{type: audit_intact}]
`,
			wantErr: `decide requires arg "actor"`,
		},
		{
			name: "bad duration",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: advance, args: {by: soon}}]
assertions: [{type: audit_intact}]
`,
			wantErr: "advance.by must be a duration",
		},
		{
			name: "empty expect",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: sweep, args: {}, expect: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: "case or result is required",
		},
		{
			name: "bad fail mode",
			content: `
name: n
description: d
policy: policy.cue
connectors: [{type: deploy, fail: sometimes}]
flow: [{invoke: sweep, args: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: `unknown fail mode "sometimes"`,
		},
		{
			name: "duplicate connector",
			content: `
name: n
description: d
policy: policy.cue
connectors: [{type: deploy}, {type: deploy}]
flow: [{invoke: sweep, args: {}}]
assertions: [{type: audit_intact}]
`,
			wantErr: `duplicate type "deploy"`,
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: sweep, args: {}}]
assertions: [{type: trace_contains}]
`,
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name: "audit_order without actions",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: sweep, args: {}}]
assertions: [{type: audit_order}]
`,
			wantErr: "actions list is required for audit_order",
		},
		{
			name: "final_state without expect",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: sweep, args: {}}]
assertions: [{type: final_state, table: approvals}]
`,
			wantErr: "expect is required for final_state",
		},
		{
			name: "connector_calls without connector",
			content: `
name: n
description: d
policy: policy.cue
flow: [{invoke: sweep, args: {}}]
assertions: [{type: connector_calls, count: 1}]
`,
			wantErr: "connector is required for connector_calls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
