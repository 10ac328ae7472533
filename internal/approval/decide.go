package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/chain"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/store"
)

// DecideRequest is one actor's verdict. StepID is optional; without it the
// first active step the actor may decide is chosen.
type DecideRequest struct {
	ApprovalID string
	ActorID    string
	Approve    bool
	Note       string
	StepID     string
}

// Decide records a decision. For approvals with a chain it decides one step
// and advances the chain from the persisted step rows; the approval becomes
// approved when every group is satisfied and rejected on the first
// rejection. Approvals without steps are decided directly.
//
// Refusals are audited as decision.rejected before they are returned:
// UNAUTHORIZED when the actor may not decide, CONFLICT for an already
// decided step, INVALID_STATE when the approval is no longer pending.
func (s *Service) Decide(ctx context.Context, req DecideRequest) (*ir.ApprovalRequest, error) {
	a, err := s.Get(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPending(a); err != nil {
		return nil, s.refuse(ctx, a, a.ID, req.ActorID, ir.OutcomeConflict, err)
	}

	var updated *ir.ApprovalRequest
	if len(a.Steps) == 0 {
		updated, err = s.decideDirect(ctx, a, req)
	} else {
		updated, err = s.decideStep(ctx, a, req)
	}
	if err != nil {
		if outcome, ok := refusal(err); ok {
			return nil, s.refuse(ctx, a, a.ID, req.ActorID, outcome, err)
		}
		return nil, storeErr(err, a.ID)
	}
	return updated, nil
}

func (s *Service) checkPending(a *ir.ApprovalRequest) error {
	if a.Status != ir.StatusPending {
		return &ir.Error{Code: ir.CodeInvalidState, Message: fmt.Sprintf("approval is %s", a.Status), ApprovalID: a.ID}
	}
	if !s.clock.Now().Before(a.ExpiresAt) {
		return &ir.Error{Code: ir.CodeInvalidState, Message: "approval has expired", ApprovalID: a.ID}
	}
	return nil
}

func (s *Service) decideDirect(ctx context.Context, a *ir.ApprovalRequest, req DecideRequest) (*ir.ApprovalRequest, error) {
	d, err := s.provider.CheckAuthorization(ctx, policy.Request{
		UserID:       req.ActorID,
		Action:       policy.ActionDecide,
		ResourceType: audit.ResourceApproval,
		ResourceID:   a.ID,
		TenantID:     a.WorkspaceID,
	})
	if err := denial(d, err, a.ID); err != nil {
		return nil, err
	}

	to, action := ir.StatusRejected, audit.ActionRejected
	if req.Approve {
		to, action = ir.StatusApproved, audit.ActionDecided
	}

	var updated *ir.ApprovalRequest
	err = s.commit(ctx, func(rec *recorder) error {
		updated, err = rec.tx.TransitionApproval(ctx, a.ID, store.Transition{
			From:         []ir.ApprovalStatus{ir.StatusPending},
			To:           to,
			At:           s.clock.Now(),
			ApproverID:   req.ActorID,
			DecisionNote: req.Note,
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return &ir.Error{Code: ir.CodeInvalidState, Message: "approval is no longer pending", ApprovalID: a.ID}
		}
		return rec.append(ctx, entry(updated, req.ActorID, action, ir.OutcomeSuccess, ir.Object{
			"note":             ir.String(req.Note),
			"delegation_chain": stringArray(d.DelegationChain),
		}))
	})
	if err != nil {
		return nil, err
	}
	transitioned(updated, ir.StatusPending)
	return updated, nil
}

func (s *Service) decideStep(ctx context.Context, a *ir.ApprovalRequest, req DecideRequest) (*ir.ApprovalRequest, error) {
	// Role resolution may be a network call; it happens before the
	// transaction so the write lock is never held across it.
	roles, err := s.eligibleRoles(ctx, a, req.ActorID)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, &ir.Error{Code: ir.CodeUnauthorized, Message: fmt.Sprintf("%s holds none of the chain roles", req.ActorID), ApprovalID: a.ID}
	}

	var (
		updated *ir.ApprovalRequest
		from    = a.Status
	)
	err = s.commit(ctx, func(rec *recorder) error {
		cur, err := rec.tx.GetApproval(ctx, a.ID)
		if err != nil {
			return err
		}
		if err := s.checkPending(cur); err != nil {
			return err
		}
		steps, err := rec.tx.ListSteps(ctx, a.ID)
		if err != nil {
			return err
		}

		st, err := chain.Select(steps, req.StepID, roles)
		if err != nil {
			return stepErr(err, a.ID)
		}
		now := s.clock.Now()
		next, outcome, changes, err := chain.Decide(steps, cur.RequireAll, chain.Decision{
			StepID:  st.ID,
			ActorID: req.ActorID,
			Approve: req.Approve,
			Note:    req.Note,
			At:      now,
		})
		if err != nil {
			return stepErr(err, a.ID)
		}
		if err := applyChanges(ctx, rec.tx, changes, req, now); err != nil {
			return err
		}

		if err := rec.append(ctx, entry(cur, req.ActorID, audit.ActionStepDecided, ir.OutcomeSuccess, ir.Object{
			"step_id":       ir.String(st.ID),
			"step_order":    ir.Int(st.Order),
			"required_role": ir.String(st.RequiredRole),
			"approve":       ir.Bool(req.Approve),
			"note":          ir.String(req.Note),
			"chain":         ir.String(string(outcome)),
		})); err != nil {
			return err
		}

		updated = cur
		switch outcome {
		case chain.Approved, chain.Rejected:
			to, action := ir.StatusApproved, audit.ActionDecided
			if outcome == chain.Rejected {
				to, action = ir.StatusRejected, audit.ActionRejected
			}
			updated, err = rec.tx.TransitionApproval(ctx, a.ID, store.Transition{
				From:         []ir.ApprovalStatus{ir.StatusPending},
				To:           to,
				At:           now,
				ApproverID:   req.ActorID,
				DecisionNote: req.Note,
			})
			if err != nil {
				return err
			}
			if updated == nil {
				return &ir.Error{Code: ir.CodeConflict, Message: "approval changed during decision", ApprovalID: a.ID}
			}
			if err := rec.append(ctx, entry(updated, req.ActorID, action, ir.OutcomeSuccess, ir.Object{
				"note":  ir.String(req.Note),
				"steps": ir.Int(len(next)),
			})); err != nil {
				return err
			}
		}
		updated.Steps = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status != from {
		transitioned(updated, from)
	}
	return updated, nil
}

// eligibleRoles asks the provider which of the chain's roles the actor holds.
// Decided steps are included so a repeat decision surfaces as a conflict
// rather than a denial. Any provider failure denies.
func (s *Service) eligibleRoles(ctx context.Context, a *ir.ApprovalRequest, actorID string) ([]string, error) {
	var roles []string
	for _, role := range chain.Roles(a.Steps) {
		d, err := s.provider.CheckAuthorization(ctx, policy.Request{
			UserID:       actorID,
			Action:       policy.ActionDecideStep,
			ResourceType: policy.ResourceRole,
			ResourceID:   role,
			TenantID:     a.WorkspaceID,
		})
		if err != nil {
			return nil, denial(d, err, a.ID)
		}
		if d.Allowed {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

func applyChanges(ctx context.Context, tx *store.Tx, changes []chain.Change, req DecideRequest, now time.Time) error {
	for i, c := range changes {
		u := store.StepUpdate{StepID: c.StepID, From: c.From, To: c.To}
		if i == 0 {
			u.DecidedBy = req.ActorID
			u.DecidedAt = &now
			u.Note = req.Note
		}
		ok, err := tx.UpdateStep(ctx, u)
		if err != nil {
			return err
		}
		if !ok {
			return &ir.Error{Code: ir.CodeConflict, Message: fmt.Sprintf("step %s changed concurrently", c.StepID), ApprovalID: req.ApprovalID}
		}
	}
	return nil
}

func stepErr(err error, approvalID string) error {
	code := ir.CodeInvalidState
	switch {
	case errors.Is(err, chain.ErrStepDecided):
		code = ir.CodeConflict
	case errors.Is(err, chain.ErrNoEligibleStep):
		code = ir.CodeUnauthorized
	case errors.Is(err, chain.ErrStepNotFound):
		code = ir.CodeNotFound
	}
	return &ir.Error{Code: code, Message: err.Error(), ApprovalID: approvalID, Err: err}
}

// denial turns a provider answer into an error: nil when allowed,
// UNAUTHORIZED when denied or when the provider failed.
func denial(d policy.Decision, err error, approvalID string) error {
	if err != nil {
		return &ir.Error{Code: ir.CodeUnauthorized, Message: "policy provider unavailable", ApprovalID: approvalID, Err: err}
	}
	if !d.Allowed {
		reason := d.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		return &ir.Error{Code: ir.CodeUnauthorized, Message: reason, ApprovalID: approvalID}
	}
	return nil
}

func stringArray(ss []string) ir.Array {
	out := make(ir.Array, len(ss))
	for i, s := range ss {
		out[i] = ir.String(s)
	}
	return out
}
