package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/compiler"
	"github.com/roach88/warden/internal/dispatch"
	"github.com/roach88/warden/internal/engine"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/testutil"
)

// Harness drives one engine through a scenario.
type Harness struct {
	store      *store.Store
	engine     *engine.Engine
	clock      *testutil.ManualClock
	connectors map[string]*scriptedConnector
	logger     *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with the embedded
// policy provider. Expect mismatches and failed assertions are reported in
// the result; an error means the scenario itself could not be run.
func Run(scenario *Scenario) (*Result, error) {
	bundle, err := LoadPolicy(scenario.Policy)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.ReplacePolicy(ctx, *bundle); err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	h := &Harness{
		store:      st,
		clock:      testutil.NewManualClock(testutil.Epoch),
		connectors: make(map[string]*scriptedConnector),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	registry := dispatch.NewRegistry()
	for _, spec := range scenario.Connectors {
		c := &scriptedConnector{spec: spec}
		h.connectors[spec.Type] = c
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	h.engine = engine.New(st, policy.NewEmbedded(st), registry,
		engine.WithClock(h.clock),
		engine.WithIDs(clock.NewSequenceGenerator("h")),
		engine.WithConfig(Config()),
	)

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	if result.Trace, err = h.trace(ctx); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	for typ, c := range h.connectors {
		result.Calls[typ] = int(c.calls.Load())
	}

	actx := &AssertionContext{Store: st, Ledger: h.engine.Ledger(), Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// Config is the engine configuration scenarios run with: production
// semantics with retry and poll delays shortened to milliseconds.
func Config() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Idempotency.PollInitial = time.Millisecond
	cfg.Idempotency.PollMax = 5 * time.Millisecond
	cfg.Dispatch.InitialBackoff = time.Millisecond
	cfg.Dispatch.MaxBackoff = 2 * time.Millisecond
	return cfg
}

// LoadPolicy compiles and validates a single CUE policy file.
func LoadPolicy(path string) (*ir.PolicyBundle, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	v := cuecontext.New().CompileBytes(src, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", path, err)
	}
	bundle, errs := compiler.CompileBundle(v)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to compile policy %s: %w", path, errors.Join(errs...))
	}
	if verrs := compiler.Validate(bundle); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, verr := range verrs {
			errs[i] = verr
		}
		return nil, fmt.Errorf("invalid policy %s: %w", path, errors.Join(errs...))
	}
	return bundle, nil
}

// stepResult is what an invocation produced: the case it ended in and any
// fields an expect clause may check.
type stepResult struct {
	Case   string
	Fields ir.Object
}

// executeFlow runs every step in order. Expect mismatches are recorded on
// result; malformed steps stop the run.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		res, err := h.invoke(ctx, step)
		var argErr *argError
		if errors.As(err, &argErr) {
			return fmt.Errorf("flow[%d] %s: %w", i, step.Invoke, err)
		}
		h.logger.Debug("step executed", "index", i, "invoke", step.Invoke, "case", res.Case, "error", err)

		if msg := checkExpect(step.Expect, res, err); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Invoke, msg))
		}
	}
	return nil
}

func (h *Harness) invoke(ctx context.Context, step FlowStep) (stepResult, error) {
	args := step.Args
	switch step.Invoke {
	case InvokeSubmit:
		return h.submit(ctx, args)
	case InvokeDecide:
		return h.decide(ctx, args)
	case InvokeCancel:
		a, err := h.approval(ctx, args)
		if err != nil {
			return stepResult{}, err
		}
		updated, err := h.engine.Cancel(ctx, a.ID, stringArg(args, "actor"), stringArg(args, "note"))
		if err != nil {
			return stepResult{}, err
		}
		return statusResult(updated), nil
	case InvokeDispatch:
		return h.dispatch(ctx, args)
	case InvokeAdvance:
		d, err := time.ParseDuration(stringArg(args, "by"))
		if err != nil {
			return stepResult{}, &argError{fmt.Errorf("advance.by: %w", err)}
		}
		now := h.clock.Advance(d)
		return stepResult{Fields: ir.Object{"now": ir.String(now.Format(time.RFC3339))}}, nil
	case InvokeSweep:
		rep, err := h.engine.Sweep(ctx)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{Fields: ir.Object{
			"expired": ir.Int(rep.Expired),
			"pruned":  ir.Int(rep.Pruned),
		}}, nil
	}
	return stepResult{}, &argError{fmt.Errorf("unknown invocation %q", step.Invoke)}
}

func (h *Harness) submit(ctx context.Context, args map[string]any) (stepResult, error) {
	plan, err := planArg(args["plan"])
	if err != nil {
		return stepResult{}, &argError{err}
	}
	var submitCtx ir.Object
	if raw, ok := args["context"]; ok {
		v, err := ir.FromAny(raw)
		if err != nil {
			return stepResult{}, &argError{fmt.Errorf("context: %w", err)}
		}
		if submitCtx, ok = v.(ir.Object); !ok {
			return stepResult{}, &argError{fmt.Errorf("context must be a mapping")}
		}
	}

	intent := stringArg(args, "intent")
	form := stringArg(args, "form")
	if form == "" {
		form = intent
	}
	out, err := h.engine.Evaluate(ctx, engine.Submission{
		RequestID:    stringArg(args, "request"),
		ActionIntent: intent,
		FormKey:      form,
		WorkspaceID:  stringArg(args, "workspace"),
		OperatorID:   stringArg(args, "operator"),
		ResourceType: stringArg(args, "resource_type"),
		ResourceID:   stringArg(args, "resource_id"),
		Plan:         plan,
		DryRun:       boolArg(args, "dry_run", false),
		Context:      submitCtx,
	})
	if err != nil {
		return stepResult{}, err
	}

	fields := ir.Object{
		"kind":     ir.String(string(out.Kind)),
		"replayed": ir.Bool(out.Replayed),
	}
	if out.Approval != nil {
		fields["status"] = ir.String(string(out.Approval.Status))
		fields["steps"] = ir.Int(len(out.Approval.Steps))
	}
	if success, ok := out.Result["success"].(ir.Bool); ok {
		fields["success"] = success
	}
	return stepResult{Case: string(out.Kind), Fields: fields}, nil
}

func (h *Harness) decide(ctx context.Context, args map[string]any) (stepResult, error) {
	a, err := h.approval(ctx, args)
	if err != nil {
		return stepResult{}, err
	}
	var stepID string
	if role := stringArg(args, "role"); role != "" {
		for _, st := range a.Steps {
			if st.RequiredRole == role {
				stepID = st.ID
				break
			}
		}
		if stepID == "" {
			return stepResult{}, &argError{fmt.Errorf("approval has no step for role %q", role)}
		}
	}

	updated, err := h.engine.Decide(ctx, engine.Decision{
		ApprovalID: a.ID,
		ActorID:    stringArg(args, "actor"),
		Approve:    boolArg(args, "approve", true),
		Note:       stringArg(args, "note"),
		StepID:     stepID,
	})
	if err != nil {
		return stepResult{}, err
	}
	return statusResult(updated), nil
}

// dispatch runs one dispatch, or with concurrency N races N dispatchers
// for the same approval and reports how many claimed it.
func (h *Harness) dispatch(ctx context.Context, args map[string]any) (stepResult, error) {
	a, err := h.approval(ctx, args)
	if err != nil {
		return stepResult{}, err
	}
	actor := stringArg(args, "actor")

	n := intArg(args, "concurrency", 1)
	if n <= 1 {
		out, err := h.engine.Dispatch(ctx, a.ID, actor)
		if err != nil {
			return stepResult{}, err
		}
		res := statusResult(out.Approval)
		res.Fields["success"] = ir.Bool(out.Succeeded())
		attempts := 0
		for _, s := range out.Report.Steps {
			attempts += s.Attempts
		}
		res.Fields["attempts"] = ir.Int(attempts)
		if out.Err != nil {
			res.Fields["code"] = ir.String(string(ir.CodeOf(out.Err)))
		}
		return res, nil
	}

	var (
		wg        sync.WaitGroup
		claimed   atomic.Int64
		conflicts atomic.Int64
		mu        sync.Mutex
		firstErr  error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Dispatch(ctx, a.ID, actor)
			switch {
			case err == nil:
				claimed.Add(1)
			case ir.IsCode(err, ir.CodeConflict):
				conflicts.Add(1)
			default:
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return stepResult{}, firstErr
	}

	current, err := h.engine.Approvals().Get(ctx, a.ID)
	if err != nil {
		return stepResult{}, err
	}
	res := statusResult(current)
	res.Fields["claimed"] = ir.Int(claimed.Load())
	res.Fields["conflicts"] = ir.Int(conflicts.Load())
	return res, nil
}

// approval resolves the request arg to its approval.
func (h *Harness) approval(ctx context.Context, args map[string]any) (*ir.ApprovalRequest, error) {
	return h.engine.Approvals().GetByRequestID(ctx, stringArg(args, "request"))
}

func statusResult(a *ir.ApprovalRequest) stepResult {
	return stepResult{
		Case: string(a.Status),
		Fields: ir.Object{
			"status":      ir.String(string(a.Status)),
			"approver_id": ir.String(a.ApproverID),
		},
	}
}

// checkExpect compares an invocation's outcome with its expect clause and
// returns a mismatch description, or "" if it matched.
func checkExpect(expect *ExpectClause, res stepResult, err error) string {
	if err != nil {
		code := string(ir.CodeOf(err))
		if expect == nil || expect.Case == "" {
			return fmt.Sprintf("unexpected error: %v", err)
		}
		if expect.Case != code {
			return fmt.Sprintf("expected case %s, got error %s: %v", expect.Case, code, err)
		}
		return ""
	}
	if expect == nil {
		return ""
	}
	if expect.Case != "" && expect.Case != res.Case {
		return fmt.Sprintf("expected case %s, got %s", expect.Case, res.Case)
	}
	for key, want := range expect.Result {
		if !fieldEquals(res.Fields[key], want) {
			return fmt.Sprintf("expected %s = %v, got %v", key, want, describe(res.Fields[key]))
		}
	}
	return ""
}

// fieldEquals compares an IR field against a YAML-decoded value by their
// canonical encodings.
func fieldEquals(actual ir.Value, expected any) bool {
	if actual == nil {
		return false
	}
	want, err := ir.FromAny(expected)
	if err != nil {
		return false
	}
	a, err := ir.MarshalCanonical(actual)
	if err != nil {
		return false
	}
	b, err := ir.MarshalCanonical(want)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

func describe(v ir.Value) string {
	if v == nil {
		return "(missing)"
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// trace reads the whole ledger with approval ids replaced by request ids.
func (h *Harness) trace(ctx context.Context) ([]TraceEvent, error) {
	events, err := h.engine.Ledger().Query(ctx, store.AuditFilter{})
	if err != nil {
		return nil, err
	}
	approvals, err := h.engine.Approvals().List(ctx, store.ApprovalFilter{})
	if err != nil {
		return nil, err
	}
	requests := make(map[string]string, len(approvals))
	for _, a := range approvals {
		requests[a.ID] = a.RequestID
	}

	trace := make([]TraceEvent, len(events))
	for i, ev := range events {
		resource := ev.ResourceType + "/" + ev.ResourceID
		if req, ok := requests[ev.ResourceID]; ok && ev.ResourceType == audit.ResourceApproval {
			resource = audit.ResourceApproval + "/" + req
		}
		trace[i] = TraceEvent{
			Seq:      ev.Seq,
			Action:   ev.Action,
			Actor:    ev.ActorID,
			Resource: resource,
			Outcome:  ev.Outcome,
			Detail:   detail(ev),
		}
	}
	return trace, nil
}

// detail picks the metadata that distinguishes otherwise identical events.
func detail(ev ir.AuditEvent) string {
	m := ev.Metadata
	switch ev.Action {
	case audit.ActionStepDecided:
		approve, _ := m["approve"].(ir.Bool)
		return fmt.Sprintf("role=%s approve=%t chain=%s", m.Str("required_role"), bool(approve), m.Str("chain"))
	case audit.ActionDecisionRefuse:
		return "code=" + m.Str("code")
	case audit.ActionConflict:
		return "status=" + m.Str("status")
	}
	return ""
}

// argError marks a malformed step, as opposed to an engine failure the
// step may expect.
type argError struct{ err error }

func (e *argError) Error() string { return e.err.Error() }
func (e *argError) Unwrap() error { return e.err }

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(int); ok {
		return v
	}
	return def
}

// planArg converts a YAML list of steps into a plan.
func planArg(raw any) (ir.Object, error) {
	steps, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("plan must be a list of steps, got %T", raw)
	}
	v, err := ir.FromAny(steps)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return ir.Object{"steps": v}, nil
}

// scriptedConnector succeeds, or fails as configured, and counts live
// calls. Dry runs always succeed.
type scriptedConnector struct {
	spec  ConnectorSpec
	calls atomic.Int32
}

func (c *scriptedConnector) Type() string { return c.spec.Type }

func (c *scriptedConnector) Dispatch(_ context.Context, operation string, _ ir.Object, opts dispatch.Options) (dispatch.Result, error) {
	if opts.DryRun {
		return dispatch.Result{Success: true, Detail: ir.Object{"preview": ir.String(operation)}}, nil
	}
	n := int(c.calls.Add(1))
	switch c.spec.Fail {
	case FailPermanent:
		return dispatch.Result{}, dispatch.Permanent(fmt.Errorf("%s %s rejected", c.spec.Type, operation))
	case FailTransient:
		if c.spec.Failures == 0 || n <= c.spec.Failures {
			return dispatch.Result{}, dispatch.Transient(fmt.Errorf("%s %s unavailable", c.spec.Type, operation))
		}
	}
	return dispatch.Result{Success: true, Detail: ir.Object{"operation": ir.String(operation)}}, nil
}
