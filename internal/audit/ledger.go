// Package audit is the append-only governance ledger.
//
// Events are hash-chained: each row stores the hash of its predecessor and
// its own hash over that link plus the canonical event, so rewriting any row
// breaks every later link. Verify walks the chain.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// Action names recorded by the engine.
const (
	ActionRequested      = "approval.requested"
	ActionStepDecided    = "approval.step_decided"
	ActionDecided        = "approval.decided"
	ActionRejected       = "approval.rejected"
	ActionCancelled      = "approval.cancelled"
	ActionExpired        = "approval.expired"
	ActionExecuted       = "action.executed"
	ActionPreviewed      = "action.previewed"
	ActionDenied         = "authorization.denied"
	ActionClaimed        = "dispatch.claimed"
	ActionConflict       = "dispatch.conflict"
	ActionCompleted      = "dispatch.completed"
	ActionFailed         = "dispatch.failed"
	ActionPlanMismatch   = "dispatch.plan_mismatch"
	ActionDecisionRefuse = "decision.rejected"
)

// ResourceApproval is the resource type of approval lifecycle events.
const ResourceApproval = "approval"

// Entry is the caller-supplied part of an event. The ledger stamps the
// event id and timestamp.
type Entry struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	TenantID     string
	Outcome      string
	Metadata     ir.Object
}

// Ledger appends and reads audit events.
type Ledger struct {
	store *store.Store
	clock clock.Clock
	ids   clock.IDGenerator
}

// New creates a ledger over st.
func New(st *store.Store, clk clock.Clock, ids clock.IDGenerator) *Ledger {
	return &Ledger{store: st, clock: clk, ids: ids}
}

// Event builds an unsaved event from e.
func (l *Ledger) Event(e Entry) *ir.AuditEvent {
	outcome := e.Outcome
	if outcome == "" {
		outcome = ir.OutcomeSuccess
	}
	meta := e.Metadata
	if meta == nil {
		meta = ir.Object{}
	}
	return &ir.AuditEvent{
		EventID:      l.ids.Generate(),
		Timestamp:    l.clock.Now(),
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		TenantID:     e.TenantID,
		Outcome:      outcome,
		Metadata:     meta,
	}
}

// Append writes ev in its own transaction. A duplicate event id is a
// successful no-op and ev is replaced with the stored row.
func (l *Ledger) Append(ctx context.Context, ev *ir.AuditEvent) (bool, error) {
	inserted, err := l.store.AppendAudit(ctx, ev)
	if err != nil {
		return false, unavailable(err)
	}
	return inserted, nil
}

// AppendTx writes ev inside tx so it commits with the transition it records.
func (l *Ledger) AppendTx(ctx context.Context, tx *store.Tx, ev *ir.AuditEvent) error {
	if _, err := tx.AppendAudit(ctx, ev); err != nil {
		return unavailable(err)
	}
	return nil
}

// Record builds an event from e and appends it.
func (l *Ledger) Record(ctx context.Context, e Entry) (*ir.AuditEvent, error) {
	ev := l.Event(e)
	if _, err := l.Append(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Query returns events matching f in ledger order.
func (l *Ledger) Query(ctx context.Context, f store.AuditFilter) ([]ir.AuditEvent, error) {
	events, err := l.store.QueryAudit(ctx, f)
	if err != nil {
		return nil, unavailable(err)
	}
	return events, nil
}

// History returns every event about one approval.
func (l *Ledger) History(ctx context.Context, approvalID string) ([]ir.AuditEvent, error) {
	return l.Query(ctx, store.AuditFilter{ResourceType: ResourceApproval, ResourceID: approvalID})
}

// Report is the result of Verify.
type Report struct {
	Checked  int    `json:"checked"`
	Head     string `json:"head"`
	OK       bool   `json:"ok"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ErrChainBroken is returned by Verify when a link does not match.
var ErrChainBroken = errors.New("audit chain broken")

const verifyPage = 500

// Verify recomputes every hash in ledger order. On the first bad link it
// returns the report and ErrChainBroken.
func (l *Ledger) Verify(ctx context.Context) (Report, error) {
	var (
		rep  = Report{OK: true}
		prev string
		seq  int64
	)
	for {
		page, err := l.store.QueryAudit(ctx, store.AuditFilter{AfterSeq: seq, Limit: verifyPage})
		if err != nil {
			return rep, unavailable(err)
		}
		for _, ev := range page {
			seq = ev.Seq
			if ev.PrevHash != prev {
				return rep.broken(ev.Seq, "prev_hash does not match preceding event")
			}
			want, err := ir.AuditHash(prev, ev)
			if err != nil {
				return rep, err
			}
			if want != ev.Hash {
				return rep.broken(ev.Seq, "hash does not match event contents")
			}
			prev = ev.Hash
			rep.Checked++
		}
		if len(page) < verifyPage {
			break
		}
	}
	rep.Head = prev
	slog.Debug("audit chain verified", "events", rep.Checked)
	return rep, nil
}

func (r Report) broken(seq int64, reason string) (Report, error) {
	r.OK = false
	r.BrokenAt = seq
	r.Reason = reason
	slog.Error("audit chain broken", "seq", seq, "reason", reason)
	return r, fmt.Errorf("seq %d: %s: %w", seq, reason, ErrChainBroken)
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ir.Wrap(ir.CodeStoreUnavailable, err, "audit ledger")
}
