package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/warden/internal/approval"
	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/idempotency"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/tracing"
)

// Submission is a requested action.
type Submission struct {
	// RequestID is supplied by the caller and deduplicates retries.
	RequestID    string
	ActionIntent string

	// FormKey selects the chain template; empty means ActionIntent.
	FormKey string

	WorkspaceID  string
	OperatorID   string
	ResourceType string
	ResourceID   string
	Plan         ir.Object

	// DryRun previews the plan without side effects and never creates an
	// approval.
	DryRun bool

	// Context is passed to the chain template lookup.
	Context ir.Object
}

func (s Submission) validate() error {
	switch {
	case s.RequestID == "":
		return ir.Errorf(ir.CodeInvalidArgument, "request id is required")
	case s.ActionIntent == "":
		return &ir.Error{Code: ir.CodeInvalidArgument, Message: "action intent is required", RequestID: s.RequestID}
	case s.OperatorID == "":
		return &ir.Error{Code: ir.CodeInvalidArgument, Message: "operator is required", RequestID: s.RequestID}
	}
	if _, err := ir.ParsePlan(s.Plan); err != nil {
		return &ir.Error{Code: ir.CodeInvalidArgument, Message: "invalid plan", RequestID: s.RequestID, Err: err}
	}
	return nil
}

// fingerprint is everything that makes two submissions the same request.
func (s Submission) fingerprint() ir.Object {
	ctx := s.Context
	if ctx == nil {
		ctx = ir.Object{}
	}
	plan := s.Plan
	if plan == nil {
		plan = ir.Object{}
	}
	return ir.Object{
		"action_intent": ir.String(s.ActionIntent),
		"form_key":      ir.String(s.FormKey),
		"workspace_id":  ir.String(s.WorkspaceID),
		"operator_id":   ir.String(s.OperatorID),
		"resource_type": ir.String(s.ResourceType),
		"resource_id":   ir.String(s.ResourceID),
		"plan":          plan,
		"dry_run":       ir.Bool(s.DryRun),
		"context":       ctx,
	}
}

// Kind classifies an evaluation outcome.
type Kind string

const (
	// KindPending: a governed action now awaits decisions.
	KindPending Kind = "pending"

	// KindExecuted: an ungoverned action ran immediately.
	KindExecuted Kind = "executed"

	// KindPreviewed: a dry run ran without side effects.
	KindPreviewed Kind = "previewed"

	// KindDenied: policy refused the action, or could not be asked.
	KindDenied Kind = "denied"
)

// Outcome is the result of Evaluate. Denial is an outcome, not an error.
type Outcome struct {
	Kind Kind

	// Approval is set for pending outcomes. On a replay it is the current
	// state of the approval.
	Approval *ir.ApprovalRequest

	// Result is the execution report of executed and previewed outcomes.
	Result ir.Object

	Reason          string
	DelegationChain []string

	// Replayed is true when the outcome was served from the idempotency
	// record of an earlier identical submission.
	Replayed bool

	// unanswered marks a denial caused by the provider failing to answer.
	// Such outcomes are not cached so a retry asks again.
	unanswered bool
}

// Object is the form cached by the idempotency guard.
func (o *Outcome) Object() ir.Object {
	out := ir.Object{"kind": ir.String(string(o.Kind))}
	if o.Approval != nil {
		out["approval_id"] = ir.String(o.Approval.ID)
	}
	if o.Result != nil {
		out["result"] = o.Result
	}
	if o.Reason != "" {
		out["reason"] = ir.String(o.Reason)
	}
	if len(o.DelegationChain) > 0 {
		out["delegation_chain"] = stringArray(o.DelegationChain)
	}
	return out
}

// Evaluate runs a submission through the idempotency guard, authorization
// and chain resolution. Identical concurrent submissions share one outcome;
// a reused request id with a different payload fails with PAYLOAD_MISMATCH.
func (e *Engine) Evaluate(ctx context.Context, s Submission) (out *Outcome, err error) {
	ctx, span := tracing.Start(ctx, "engine.evaluate",
		tracing.String("request_id", s.RequestID), tracing.String("action_intent", s.ActionIntent))
	defer func() { span.End(err) }()

	if s.FormKey == "" {
		s.FormKey = s.ActionIntent
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	payloadHash, err := ir.PayloadHash(s.fingerprint())
	if err != nil {
		return nil, &ir.Error{Code: ir.CodeInvalidArgument, Message: "submission is not canonical", RequestID: s.RequestID, Err: err}
	}

	d, err := e.guard.Submit(ctx, s.RequestID, payloadHash)
	if err != nil {
		return nil, err
	}
	if d.Kind == idempotency.Completed {
		return e.replay(ctx, s.RequestID, d.Result)
	}

	hold := e.guard.Hold(context.WithoutCancel(ctx), s.RequestID, payloadHash)
	out, err = e.evaluate(ctx, s)
	hold()
	if err != nil || out.unanswered {
		if rerr := e.guard.Release(context.WithoutCancel(ctx), s.RequestID, payloadHash); rerr != nil {
			slog.Warn("idempotency release failed", "request_id", s.RequestID, "error", rerr)
		}
		return out, err
	}
	if err := e.guard.Complete(ctx, s.RequestID, payloadHash, out.Object()); err != nil {
		slog.Warn("idempotency completion failed", "request_id", s.RequestID, "error", err)
	}
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, s Submission) (*Outcome, error) {
	d, err := e.provider.CheckAuthorization(ctx, policy.Request{
		UserID:       s.OperatorID,
		Action:       s.ActionIntent,
		ResourceType: s.ResourceType,
		ResourceID:   s.ResourceID,
		TenantID:     s.WorkspaceID,
	})
	if err != nil {
		return e.deny(ctx, s, "policy provider unavailable: "+err.Error(), nil, true)
	}
	if !d.Allowed {
		return e.deny(ctx, s, d.Reason, d.DelegationChain, false)
	}

	tmpl, err := e.provider.GetChainTemplate(ctx, s.FormKey, s.WorkspaceID, s.Context)
	if err != nil {
		return e.deny(ctx, s, "chain template unavailable: "+err.Error(), d.DelegationChain, true)
	}

	if s.DryRun || tmpl == nil || !tmpl.Governed() {
		return e.executeNow(ctx, s, d)
	}

	a, created, err := e.approvals.Create(ctx, approval.CreateRequest{
		RequestID:    s.RequestID,
		ActionIntent: s.ActionIntent,
		FormKey:      s.FormKey,
		WorkspaceID:  s.WorkspaceID,
		OperatorID:   s.OperatorID,
		ResourceType: s.ResourceType,
		ResourceID:   s.ResourceID,
		Plan:         s.Plan,
		Template:     tmpl,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		slog.Info("submission matched existing approval", "request_id", s.RequestID, "approval_id", a.ID)
	}
	return &Outcome{Kind: KindPending, Approval: a, DelegationChain: d.DelegationChain}, nil
}

// deny records authorization.denied and returns a denied outcome.
func (e *Engine) deny(ctx context.Context, s Submission, reason string, delegation []string, unanswered bool) (*Outcome, error) {
	meta := ir.Object{
		"request_id":    ir.String(s.RequestID),
		"action_intent": ir.String(s.ActionIntent),
		"reason":        ir.String(reason),
	}
	if len(delegation) > 0 {
		meta["delegation_chain"] = stringArray(delegation)
	}
	err := e.record(ctx, audit.Entry{
		ActorID:      s.OperatorID,
		Action:       audit.ActionDenied,
		ResourceType: s.ResourceType,
		ResourceID:   s.ResourceID,
		TenantID:     s.WorkspaceID,
		Outcome:      ir.OutcomeDenied,
		Metadata:     meta,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("submission denied", "request_id", s.RequestID, "operator", s.OperatorID, "reason", reason)
	return &Outcome{Kind: KindDenied, Reason: reason, DelegationChain: delegation, unanswered: unanswered}, nil
}

// executeNow runs an ungoverned or dry-run plan and records the result.
// A live run needs a reachable store first: nothing executes that cannot be
// audited.
func (e *Engine) executeNow(ctx context.Context, s Submission, d policy.Decision) (*Outcome, error) {
	if !s.DryRun {
		if err := e.store.Ping(ctx); err != nil {
			return nil, &ir.Error{Code: ir.CodeStoreUnavailable, Message: "refusing to execute without a reachable store", RequestID: s.RequestID, Err: err}
		}
	}
	planHash, err := ir.PlanHash(s.Plan)
	if err != nil {
		return nil, &ir.Error{Code: ir.CodeInvalidArgument, Message: "invalid plan", RequestID: s.RequestID, Err: err}
	}

	rep, execErr := e.orch.Execute(context.WithoutCancel(ctx), s.Plan, planHash, s.DryRun)
	kind, action, outcome := KindExecuted, audit.ActionExecuted, ir.OutcomeSuccess
	if s.DryRun {
		kind, action = KindPreviewed, audit.ActionPreviewed
	}
	if execErr != nil {
		outcome = ir.OutcomeFailure
	}

	result := rep.Object()
	meta := ir.Object{
		"request_id":    ir.String(s.RequestID),
		"action_intent": ir.String(s.ActionIntent),
		"result":        result,
	}
	if len(d.DelegationChain) > 0 {
		meta["delegation_chain"] = stringArray(d.DelegationChain)
	}
	if err := e.record(ctx, audit.Entry{
		ActorID:      s.OperatorID,
		Action:       action,
		ResourceType: s.ResourceType,
		ResourceID:   s.ResourceID,
		TenantID:     s.WorkspaceID,
		Outcome:      outcome,
		Metadata:     meta,
	}); err != nil {
		return nil, err
	}
	slog.Info("submission executed", "request_id", s.RequestID, "dry_run", s.DryRun, "success", rep.Success)
	return &Outcome{Kind: kind, Result: result, DelegationChain: d.DelegationChain}, nil
}

// replay rebuilds an outcome from its idempotency record. Pending outcomes
// carry the approval's current state.
func (e *Engine) replay(ctx context.Context, requestID string, cached ir.Object) (*Outcome, error) {
	out := &Outcome{
		Kind:     Kind(cached.Str("kind")),
		Reason:   cached.Str("reason"),
		Replayed: true,
	}
	if r, ok := cached["result"].(ir.Object); ok {
		out.Result = r
	}
	if chain, ok := cached["delegation_chain"].(ir.Array); ok {
		for _, c := range chain {
			if s, ok := c.(ir.String); ok {
				out.DelegationChain = append(out.DelegationChain, string(s))
			}
		}
	}
	if id := cached.Str("approval_id"); id != "" {
		a, err := e.approvals.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out.Approval = a
	}
	slog.Debug("submission replayed", "request_id", requestID, "kind", out.Kind)
	return out, nil
}

func stringArray(ss []string) ir.Array {
	out := make(ir.Array, len(ss))
	for i, s := range ss {
		out[i] = ir.String(s)
	}
	return out
}
