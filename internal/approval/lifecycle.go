package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/chain"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/metrics"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/retry"
	"github.com/roach88/warden/internal/store"
)

// Cancel rejects a pending or approved approval on request. The submitting
// operator may always cancel; anyone else needs the approval.cancel grant.
// Open steps are closed.
func (s *Service) Cancel(ctx context.Context, approvalID, actorID, note string) (*ir.ApprovalRequest, error) {
	a, err := s.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeOwner(ctx, a, actorID, policy.ActionCancel); err != nil {
		return nil, err
	}

	var updated *ir.ApprovalRequest
	err = s.commit(ctx, func(rec *recorder) error {
		now := s.clock.Now()
		var err error
		updated, err = rec.tx.TransitionApproval(ctx, a.ID, store.Transition{
			From:         []ir.ApprovalStatus{ir.StatusPending, ir.StatusApproved},
			To:           ir.StatusRejected,
			At:           now,
			ApproverID:   actorID,
			DecisionNote: note,
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return &ir.Error{Code: ir.CodeInvalidState, Message: "approval can no longer be cancelled", ApprovalID: a.ID}
		}
		if updated.Steps, err = closeSteps(ctx, rec.tx, a.ID); err != nil {
			return err
		}
		return rec.append(ctx, entry(updated, actorID, audit.ActionCancelled, ir.OutcomeSuccess, ir.Object{
			"note": ir.String(note),
		}))
	})
	if err != nil {
		if outcome, ok := refusal(err); ok {
			return nil, s.refuse(ctx, a, a.ID, actorID, outcome, err)
		}
		return nil, storeErr(err, a.ID)
	}
	transitioned(updated, a.Status)
	return updated, nil
}

// AuthorizeDispatch checks that actorID may dispatch a. The submitting
// operator may; anyone else needs the approval.dispatch grant. A refusal is
// audited.
func (s *Service) AuthorizeDispatch(ctx context.Context, a *ir.ApprovalRequest, actorID string) error {
	return s.authorizeOwner(ctx, a, actorID, policy.ActionDispatch)
}

func (s *Service) authorizeOwner(ctx context.Context, a *ir.ApprovalRequest, actorID, action string) error {
	if actorID == a.OperatorID {
		return nil
	}
	d, err := s.provider.CheckAuthorization(ctx, policy.Request{
		UserID:       actorID,
		Action:       action,
		ResourceType: audit.ResourceApproval,
		ResourceID:   a.ID,
		TenantID:     a.WorkspaceID,
	})
	if err := denial(d, err, a.ID); err != nil {
		return s.refuse(ctx, a, a.ID, actorID, ir.OutcomeDenied, err)
	}
	return nil
}

// ConsumeForDispatch claims an approved approval for dispatch with a single
// conditional update. It returns the claimed record, or nil when another
// caller already claimed it or it is not approved. A nil result is a normal
// outcome; it is audited as dispatch.conflict and must not be retried.
func (s *Service) ConsumeForDispatch(ctx context.Context, approvalID, actorID string) (*ir.ApprovalRequest, error) {
	var claimed, current *ir.ApprovalRequest
	err := s.commit(ctx, func(rec *recorder) error {
		var err error
		claimed, err = rec.tx.TransitionApproval(ctx, approvalID, store.Transition{
			From: []ir.ApprovalStatus{ir.StatusApproved},
			To:   ir.StatusDispatching,
			At:   s.clock.Now(),
		})
		if err != nil {
			return err
		}
		if claimed != nil {
			return rec.append(ctx, entry(claimed, actorID, audit.ActionClaimed, ir.OutcomeSuccess, ir.Object{
				"plan_hash": ir.String(claimed.PlanHash),
			}))
		}

		if current, err = rec.tx.GetApproval(ctx, approvalID); err != nil {
			return err
		}
		return rec.append(ctx, entry(current, actorID, audit.ActionConflict, ir.OutcomeConflict, ir.Object{
			"status": ir.String(string(current.Status)),
		}))
	})
	if err != nil {
		return nil, storeErr(err, approvalID)
	}
	if claimed == nil {
		metrics.RecordDispatchConflict()
		slog.Warn("dispatch claim lost", "approval_id", approvalID, "status", current.Status, "actor", actorID)
		return nil, nil
	}
	transitioned(claimed, ir.StatusApproved)
	return claimed, nil
}

// Result is the outcome of executing a claimed approval.
type Result struct {
	Success bool

	// PlanMismatch marks a failure caused by the stored plan no longer
	// matching its approved hash.
	PlanMismatch bool

	Detail ir.Object
}

// RecordDispatchResult moves a dispatching approval to dispatched or
// dispatch_failed. It is called exactly once per successful claim, so a
// transient store failure here is retried rather than leaving the approval
// stuck in dispatching.
func (s *Service) RecordDispatchResult(ctx context.Context, approvalID, actorID string, res Result) (*ir.ApprovalRequest, error) {
	to, action, outcome := ir.StatusDispatched, audit.ActionCompleted, ir.OutcomeSuccess
	switch {
	case res.PlanMismatch:
		to, action, outcome = ir.StatusDispatchFailed, audit.ActionPlanMismatch, ir.OutcomeFailure
	case !res.Success:
		to, action, outcome = ir.StatusDispatchFailed, audit.ActionFailed, ir.OutcomeFailure
	}
	detail := res.Detail
	if detail == nil {
		detail = ir.Object{}
	}

	var updated *ir.ApprovalRequest
	retryable := func(err error) bool { return ir.IsCode(err, ir.CodeStoreUnavailable) }
	_, err := retry.Do(ctx, retry.DefaultConfig(), "record dispatch result", retryable, func(ctx context.Context, _ int) error {
		err := s.commit(ctx, func(rec *recorder) error {
			now := s.clock.Now()
			var err error
			updated, err = rec.tx.TransitionApproval(ctx, approvalID, store.Transition{
				From:           []ir.ApprovalStatus{ir.StatusDispatching},
				To:             to,
				At:             now,
				DispatchResult: detail,
				DispatchedAt:   &now,
			})
			if err != nil {
				return err
			}
			if updated == nil {
				return &ir.Error{Code: ir.CodeInvalidState, Message: "approval is not dispatching", ApprovalID: approvalID}
			}
			return rec.append(ctx, entry(updated, actorID, action, outcome, detail))
		})
		return storeErr(err, approvalID)
	})
	if err != nil {
		slog.Error("failed to record dispatch result", "approval_id", approvalID, "status", to, "error", err)
		return nil, err
	}
	metrics.RecordDispatch(string(to))
	transitioned(updated, ir.StatusDispatching)
	return updated, nil
}

// Expire moves up to limit pending approvals past their expiry to expired,
// closing their open steps. Safe to run from several instances at once: the
// conditional update hands each approval to exactly one sweeper.
func (s *Service) Expire(ctx context.Context, limit int) ([]*ir.ApprovalRequest, error) {
	var expired []*ir.ApprovalRequest
	err := s.commit(ctx, func(rec *recorder) error {
		now := s.clock.Now()
		var err error
		if expired, err = rec.tx.ExpireDue(ctx, now, limit); err != nil {
			return err
		}
		for _, a := range expired {
			if a.Steps, err = closeSteps(ctx, rec.tx, a.ID); err != nil {
				return err
			}
			if err := rec.append(ctx, entry(a, SystemActor, audit.ActionExpired, ir.OutcomeSuccess, ir.Object{
				"expires_at": ir.String(a.ExpiresAt.Format(time.RFC3339)),
			})); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "")
	}
	for _, a := range expired {
		transitioned(a, ir.StatusPending)
	}
	if n := len(expired); n > 0 {
		metrics.RecordExpired(n)
	}
	return expired, nil
}

// closeSteps closes every open step of an approval and returns the
// resulting steps.
func closeSteps(ctx context.Context, tx *store.Tx, approvalID string) ([]ir.ChainStep, error) {
	steps, err := tx.ListSteps(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	for _, c := range chain.Close(steps) {
		ok, err := tx.UpdateStep(ctx, store.StepUpdate{StepID: c.StepID, From: c.From, To: c.To})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("close step %s: status changed", c.StepID)
		}
	}
	return tx.ListSteps(ctx, approvalID)
}
