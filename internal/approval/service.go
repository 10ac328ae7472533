// Package approval owns the approval lifecycle:
//
//	pending -> approved -> dispatching -> dispatched | dispatch_failed
//	pending | approved -> rejected
//	pending -> expired
//
// Every transition is a conditional update in a store transaction that also
// appends its audit event, so a transition and its record commit together
// or not at all. The approved -> dispatching claim is the only lock in the
// system.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/metrics"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/store"
)

// DefaultTTL applies when a chain template has no timeout of its own.
const DefaultTTL = 48 * time.Hour

// SystemActor is the actor of transitions nobody asked for, such as expiry.
const SystemActor = "system"

// Service manages approval requests.
type Service struct {
	store    *store.Store
	ledger   *audit.Ledger
	provider policy.Provider
	clock    clock.Clock
	ids      clock.IDGenerator
	ttl      time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New creates a Service.
func New(st *store.Store, ledger *audit.Ledger, provider policy.Provider, clk clock.Clock, ids clock.IDGenerator, opts ...Option) *Service {
	s := &Service{
		store:    st,
		ledger:   ledger,
		provider: provider,
		clock:    clk,
		ids:      ids,
		ttl:      DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get loads an approval with its steps.
func (s *Service) Get(ctx context.Context, id string) (*ir.ApprovalRequest, error) {
	a, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, storeErr(err, id)
	}
	return a, nil
}

// GetByRequestID loads an approval by its external request identifier.
func (s *Service) GetByRequestID(ctx context.Context, requestID string) (*ir.ApprovalRequest, error) {
	a, err := s.store.GetApprovalByRequestID(ctx, requestID)
	if err != nil {
		return nil, storeErr(err, "")
	}
	return a, nil
}

// List returns approvals matching f.
func (s *Service) List(ctx context.Context, f store.ApprovalFilter) ([]*ir.ApprovalRequest, error) {
	out, err := s.store.ListApprovals(ctx, f)
	if err != nil {
		return nil, storeErr(err, "")
	}
	return out, nil
}

// recorder collects the audit events appended inside one transaction so they
// can be forwarded to the policy provider after commit.
type recorder struct {
	s      *Service
	tx     *store.Tx
	events []*ir.AuditEvent
}

func (r *recorder) append(ctx context.Context, e audit.Entry) error {
	ev := r.s.ledger.Event(e)
	if err := r.s.ledger.AppendTx(ctx, r.tx, ev); err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

// commit runs fn in a transaction and forwards its audit events once the
// transaction has committed.
func (s *Service) commit(ctx context.Context, fn func(rec *recorder) error) error {
	var events []*ir.AuditEvent
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		rec := &recorder{s: s, tx: tx}
		if err := fn(rec); err != nil {
			return err
		}
		events = rec.events
		return nil
	})
	if err != nil {
		return err
	}
	s.forward(ctx, events...)
	return nil
}

// forward mirrors committed events to the policy provider. The local ledger
// is the record, so a failed mirror is logged and dropped.
func (s *Service) forward(ctx context.Context, events ...*ir.AuditEvent) {
	for _, ev := range events {
		if err := s.provider.WriteAuditEvent(ctx, *ev); err != nil {
			slog.Warn("audit forward failed", "event_id", ev.EventID, "action", ev.Action, "error", err)
		}
	}
}

// record appends a standalone event outside any transition.
func (s *Service) record(ctx context.Context, e audit.Entry) error {
	ev, err := s.ledger.Record(ctx, e)
	if err != nil {
		return err
	}
	s.forward(ctx, ev)
	return nil
}

// refuse audits a refused operation and returns cause. If the refusal cannot
// be recorded the store error wins.
func (s *Service) refuse(ctx context.Context, a *ir.ApprovalRequest, approvalID, actorID, outcome string, cause error) error {
	tenant := ""
	if a != nil {
		tenant = a.WorkspaceID
	}
	err := s.record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       audit.ActionDecisionRefuse,
		ResourceType: audit.ResourceApproval,
		ResourceID:   approvalID,
		TenantID:     tenant,
		Outcome:      outcome,
		Metadata: ir.Object{
			"code":   ir.String(string(ir.CodeOf(cause))),
			"reason": ir.String(cause.Error()),
		},
	})
	if err != nil {
		return err
	}
	slog.Info("operation refused", "approval_id", approvalID, "actor", actorID, "code", ir.CodeOf(cause))
	return cause
}

func entry(a *ir.ApprovalRequest, actorID, action, outcome string, meta ir.Object) audit.Entry {
	return audit.Entry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: audit.ResourceApproval,
		ResourceID:   a.ID,
		TenantID:     a.WorkspaceID,
		Outcome:      outcome,
		Metadata:     meta,
	}
}

func transitioned(a *ir.ApprovalRequest, from ir.ApprovalStatus) {
	metrics.RecordApprovalTransition(string(a.Status))
	slog.Info("approval transition",
		"approval_id", a.ID, "request_id", a.RequestID, "from", from, "to", a.Status)
}

// storeErr maps store failures onto the error taxonomy. Errors that already
// carry a code pass through.
func storeErr(err error, approvalID string) error {
	var e *ir.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrNotFound):
		return &ir.Error{Code: ir.CodeNotFound, Message: "approval not found", ApprovalID: approvalID, Err: err}
	}
	return &ir.Error{Code: ir.CodeStoreUnavailable, Message: "approval store", ApprovalID: approvalID, Err: err}
}

// refusal reports whether err is a refusal that must be audited, as opposed
// to an infrastructure failure.
func refusal(err error) (string, bool) {
	switch ir.CodeOf(err) {
	case ir.CodeUnauthorized:
		return ir.OutcomeDenied, true
	case ir.CodeConflict, ir.CodeInvalidState:
		return ir.OutcomeConflict, true
	}
	return "", false
}
