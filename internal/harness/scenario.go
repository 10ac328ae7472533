package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a governance scenario: a policy, a flow of invocations
// against the engine and assertions on what they left behind.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy is the CUE policy file to load. Relative paths are resolved
	// against the scenario file's directory.
	Policy string `yaml:"policy"`

	// Connectors are scripted connectors plans may dispatch through.
	Connectors []ConnectorSpec `yaml:"connectors,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the audit trail and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ConnectorSpec scripts a connector.
type ConnectorSpec struct {
	Type string `yaml:"type"`

	// Fail is "", "transient" or "permanent".
	Fail string `yaml:"fail,omitempty"`

	// Failures is how many live calls fail transiently before the
	// connector recovers. Zero with fail: transient fails every call.
	Failures int `yaml:"failures,omitempty"`
}

// Connector failure modes.
const (
	FailTransient = "transient"
	FailPermanent = "permanent"
)

// FlowStep is one invocation of the engine.
type FlowStep struct {
	// Invoke is one of the Invoke* names.
	Invoke string `yaml:"invoke"`

	// Args are the invocation's arguments.
	Args map[string]any `yaml:"args"`

	// Expect validates the outcome. If nil the step must not fail.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Case is the outcome kind, the resulting approval status, or the
	// expected error code.
	Case string `yaml:"case"`

	// Result holds expected fields of the step's result. Subset match.
	Result map[string]any `yaml:"result,omitempty"`
}

// Invocation names.
const (
	InvokeSubmit   = "submit"
	InvokeDecide   = "decide"
	InvokeCancel   = "cancel"
	InvokeDispatch = "dispatch"
	InvokeAdvance  = "advance"
	InvokeSweep    = "sweep"
)

// Assertion validates the audit trail or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Action is used by audit_contains and audit_count.
	Action string `yaml:"action,omitempty"`

	// Actor, Request and Outcome narrow audit_contains.
	Actor   string `yaml:"actor,omitempty"`
	Request string `yaml:"request,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Actions is the expected order for audit_order.
	Actions []string `yaml:"actions,omitempty"`

	// Count is used by audit_count and connector_calls.
	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect are used by final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Connector is used by connector_calls.
	Connector string `yaml:"connector,omitempty"`
}

// Assertion type constants.
const (
	AssertAuditContains  = "audit_contains"
	AssertAuditOrder     = "audit_order"
	AssertAuditCount     = "audit_count"
	AssertAuditIntact    = "audit_intact"
	AssertFinalState     = "final_state"
	AssertConnectorCalls = "connector_calls"
)

// LoadScenario reads and parses a scenario YAML file. The policy path is
// resolved against the file's directory. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath is LoadScenario resolving the policy path
// against basePath instead.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Policy != "" && !filepath.IsAbs(scenario.Policy) && basePath != "" {
		scenario.Policy = filepath.Join(basePath, scenario.Policy)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Policy == "" {
		return fmt.Errorf("policy is required")
	}
	if _, err := os.Stat(s.Policy); os.IsNotExist(err) {
		return fmt.Errorf("policy file not found: %s", s.Policy)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[string]bool)
	for i, c := range s.Connectors {
		if c.Type == "" {
			return fmt.Errorf("connectors[%d]: type is required", i)
		}
		if seen[c.Type] {
			return fmt.Errorf("connectors[%d]: duplicate type %q", i, c.Type)
		}
		seen[c.Type] = true
		switch c.Fail {
		case "", FailTransient, FailPermanent:
		default:
			return fmt.Errorf("connectors[%d]: unknown fail mode %q", i, c.Fail)
		}
		if c.Failures < 0 {
			return fmt.Errorf("connectors[%d]: failures must be non-negative", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

var requiredArgs = map[string][]string{
	InvokeSubmit:   {"request", "intent", "operator", "plan"},
	InvokeDecide:   {"request", "actor"},
	InvokeCancel:   {"request", "actor"},
	InvokeDispatch: {"request", "actor"},
	InvokeAdvance:  {"by"},
	InvokeSweep:    nil,
}

func validateStep(index int, step *FlowStep) error {
	required, ok := requiredArgs[step.Invoke]
	if !ok {
		if step.Invoke == "" {
			return fmt.Errorf("flow[%d]: invoke is required", index)
		}
		return fmt.Errorf("flow[%d]: unknown invocation %q", index, step.Invoke)
	}
	for _, key := range required {
		if _, ok := step.Args[key]; !ok {
			return fmt.Errorf("flow[%d]: %s requires arg %q", index, step.Invoke, key)
		}
	}
	if step.Invoke == InvokeAdvance {
		by, _ := step.Args["by"].(string)
		if _, err := time.ParseDuration(by); err != nil {
			return fmt.Errorf("flow[%d]: advance.by must be a duration: %v", index, step.Args["by"])
		}
	}
	if step.Expect != nil && step.Expect.Case == "" && len(step.Expect.Result) == 0 {
		return fmt.Errorf("flow[%d].expect: case or result is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertAuditContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for audit_contains", index)
		}
	case AssertAuditOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for audit_order", index)
		}
	case AssertAuditCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertAuditIntact:
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertConnectorCalls:
		if a.Connector == "" {
			return fmt.Errorf("assertions[%d]: connector is required for connector_calls", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for connector_calls", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
