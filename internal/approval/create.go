package approval

import (
	"context"
	"time"

	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/chain"
	"github.com/roach88/warden/internal/ir"
)

// CreateRequest describes a governed action that passed authorization.
type CreateRequest struct {
	RequestID    string
	ActionIntent string
	FormKey      string
	WorkspaceID  string
	OperatorID   string
	ResourceType string
	ResourceID   string
	Plan         ir.Object

	// Template supplies the chain. A nil or empty template creates an
	// approval decided directly by an authorized actor.
	Template *ir.ChainTemplate
}

// Create inserts a pending approval, instantiates its chain and records
// approval.requested. If the request id already exists nothing is written
// and the existing approval is returned with created false, provided it was
// created from the same plan and origin; otherwise PAYLOAD_MISMATCH.
func (s *Service) Create(ctx context.Context, req CreateRequest) (a *ir.ApprovalRequest, created bool, err error) {
	if req.RequestID == "" {
		return nil, false, ir.Errorf(ir.CodeInvalidArgument, "request id is required")
	}
	if _, err := ir.ParsePlan(req.Plan); err != nil {
		return nil, false, ir.Wrap(ir.CodeInvalidArgument, err, "invalid plan")
	}
	planHash, err := ir.PlanHash(req.Plan)
	if err != nil {
		return nil, false, ir.Wrap(ir.CodeInvalidArgument, err, "invalid plan")
	}

	requireAll := true
	ttl := s.ttl
	if req.Template != nil {
		if err := chain.Validate(req.Template); err != nil {
			return nil, false, ir.Wrap(ir.CodeInvalidArgument, err, "invalid chain template")
		}
		requireAll = req.Template.RequireAllApprovals
		if req.Template.Timeout > 0 {
			ttl = req.Template.Timeout
		}
	}

	now := s.clock.Now()
	a = &ir.ApprovalRequest{
		ID:           s.ids.Generate(),
		RequestID:    req.RequestID,
		ActionIntent: req.ActionIntent,
		FormKey:      req.FormKey,
		WorkspaceID:  req.WorkspaceID,
		OperatorID:   req.OperatorID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Plan:         req.Plan,
		PlanHash:     planHash,
		Status:       ir.StatusPending,
		RequireAll:   requireAll,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	err = s.commit(ctx, func(rec *recorder) error {
		existing, inserted, err := rec.tx.InsertApproval(ctx, a)
		if err != nil {
			return err
		}
		if !inserted {
			if field := mismatch(existing, a); field != "" {
				return &ir.Error{
					Code:       ir.CodePayloadMismatch,
					Message:    "request id already names an approval with a different " + field,
					ApprovalID: existing.ID,
					RequestID:  req.RequestID,
				}
			}
			existing.Steps, err = rec.tx.ListSteps(ctx, existing.ID)
			a, created = existing, false
			return err
		}

		if req.Template.Governed() {
			a.Steps = chain.Instantiate(a.ID, req.Template, s.ids.Generate)
			if err := rec.tx.InsertSteps(ctx, a.Steps); err != nil {
				return err
			}
		}
		created = true
		return rec.append(ctx, entry(a, req.OperatorID, audit.ActionRequested, ir.OutcomeSuccess, ir.Object{
			"request_id":    ir.String(a.RequestID),
			"action_intent": ir.String(a.ActionIntent),
			"form_key":      ir.String(a.FormKey),
			"plan_hash":     ir.String(a.PlanHash),
			"steps":         ir.Int(len(a.Steps)),
			"require_all":   ir.Bool(a.RequireAll),
			"expires_at":    ir.String(a.ExpiresAt.Format(time.RFC3339)),
		}))
	})
	if err != nil {
		return nil, false, storeErr(err, a.ID)
	}
	if created {
		transitioned(a, "")
	}
	return a, created, nil
}

// mismatch names the first field in which an existing approval differs from
// a new request for the same request id, or returns "".
func mismatch(existing, next *ir.ApprovalRequest) string {
	switch {
	case existing.PlanHash != next.PlanHash:
		return "plan"
	case existing.ActionIntent != next.ActionIntent:
		return "action intent"
	case existing.FormKey != next.FormKey:
		return "form key"
	case existing.WorkspaceID != next.WorkspaceID:
		return "workspace"
	case existing.OperatorID != next.OperatorID:
		return "operator"
	case existing.ResourceType != next.ResourceType, existing.ResourceID != next.ResourceID:
		return "resource"
	}
	return ""
}
