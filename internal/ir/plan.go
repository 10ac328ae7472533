package ir

import "fmt"

// PlanStep is one connector invocation inside a plan.
type PlanStep struct {
	Connector string
	Operation string
	Payload   Object
}

// Plan is the executable view of a plan object:
//
//	{"steps":[{"connector":"git","operation":"merge","payload":{...}}]}
//
// Other top-level keys are hashed with the plan but not executed.
type Plan struct {
	Steps []PlanStep
}

// ParsePlan validates a plan object and extracts its steps. An object with
// no "steps" key is a valid empty plan.
func ParsePlan(obj Object) (*Plan, error) {
	plan := &Plan{}
	raw, ok := obj["steps"]
	if !ok {
		return plan, nil
	}
	arr, ok := raw.(Array)
	if !ok {
		return nil, fmt.Errorf("plan.steps: expected array, got %T", raw)
	}
	for i, elem := range arr {
		so, ok := elem.(Object)
		if !ok {
			return nil, fmt.Errorf("plan.steps[%d]: expected object, got %T", i, elem)
		}
		step := PlanStep{
			Connector: so.Str("connector"),
			Operation: so.Str("operation"),
		}
		if step.Connector == "" {
			return nil, fmt.Errorf("plan.steps[%d]: connector is required", i)
		}
		if step.Operation == "" {
			return nil, fmt.Errorf("plan.steps[%d]: operation is required", i)
		}
		switch p := so["payload"].(type) {
		case nil, Null:
			step.Payload = Object{}
		case Object:
			step.Payload = p
		default:
			return nil, fmt.Errorf("plan.steps[%d].payload: expected object, got %T", i, p)
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}
