package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/warden/internal/approval"
	"github.com/roach88/warden/internal/dispatch"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/tracing"
)

// DispatchOutcome is the result of a claimed dispatch. A failed execution
// is an outcome: the approval is dispatch_failed and Report says where
// execution stopped.
type DispatchOutcome struct {
	Approval *ir.ApprovalRequest
	Report   *dispatch.Report

	// Err is the coded execution failure, if any.
	Err error
}

// Succeeded reports whether the plan ran to completion.
func (o *DispatchOutcome) Succeeded() bool {
	return o.Report != nil && o.Report.Success
}

// Dispatch claims an approved approval and executes its plan. Exactly one
// of any number of concurrent callers, in any number of processes, wins the
// claim; the others get CONFLICT. Once claimed, execution runs to completion
// even if ctx is cancelled, and the result is always recorded.
func (e *Engine) Dispatch(ctx context.Context, approvalID, actorID string) (out *DispatchOutcome, err error) {
	ctx, span := tracing.Start(ctx, "engine.dispatch", tracing.String("approval_id", approvalID))
	defer func() { span.End(err) }()

	a, err := e.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if err := e.approvals.AuthorizeDispatch(ctx, a, actorID); err != nil {
		return nil, err
	}

	claimed, err := e.approvals.ConsumeForDispatch(ctx, approvalID, actorID)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		current, gerr := e.approvals.Get(ctx, approvalID)
		status := ""
		if gerr == nil {
			status = string(current.Status)
		}
		return nil, &ir.Error{
			Code:       ir.CodeConflict,
			Message:    "approval is not available for dispatch",
			ApprovalID: approvalID,
			Details:    map[string]string{"status": status},
		}
	}

	run := context.WithoutCancel(ctx)
	rep, execErr := e.orch.Execute(run, claimed.Plan, claimed.PlanHash, false)
	if execErr != nil {
		slog.Warn("dispatch failed", "approval_id", approvalID, "code", ir.CodeOf(execErr), "error", execErr)
	}

	updated, err := e.approvals.RecordDispatchResult(run, approvalID, actorID, approval.Result{
		Success:      rep.Success,
		PlanMismatch: rep.PlanMismatch,
		Detail:       rep.Object(),
	})
	if err != nil {
		return nil, err
	}
	return &DispatchOutcome{Approval: updated, Report: rep, Err: execErr}, nil
}
