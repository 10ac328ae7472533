package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/warden/internal/approval"
	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/dispatch"
	"github.com/roach88/warden/internal/idempotency"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/tracing"
)

// Config collects the engine's tunables.
type Config struct {
	ApprovalTTL   time.Duration
	SweepInterval time.Duration

	// SweepBatch bounds how many approvals one sweep transaction expires.
	SweepBatch int

	Idempotency idempotency.Config
	Dispatch    dispatch.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ApprovalTTL:   approval.DefaultTTL,
		SweepInterval: 5 * time.Minute,
		SweepBatch:    100,
		Idempotency:   idempotency.DefaultConfig(),
		Dispatch:      dispatch.DefaultConfig(),
	}
}

// Engine wires the guard, policy provider, approval service, orchestrator
// and ledger together.
//
// Thread-safety: safe for concurrent use, including from several processes
// sharing one store.
type Engine struct {
	store     *store.Store
	provider  policy.Provider
	guard     *idempotency.Guard
	approvals *approval.Service
	ledger    *audit.Ledger
	orch      *dispatch.Orchestrator
	clock     clock.Clock
	cfg       Config
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	clock clock.Clock
	ids   clock.IDGenerator
	cfg   Config
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDs replaces the UUIDv7 generator used for approvals, steps and
// audit events.
func WithIDs(ids clock.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// New creates an engine over st. provider answers authorization and chain
// template queries; connectors executes plans.
func New(st *store.Store, provider policy.Provider, connectors *dispatch.Registry, opts ...Option) *Engine {
	o := options{clock: clock.System{}, ids: clock.UUIDv7Generator{}, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg.SweepBatch <= 0 {
		o.cfg.SweepBatch = DefaultConfig().SweepBatch
	}

	ledger := audit.New(st, o.clock, o.ids)
	return &Engine{
		store:     st,
		provider:  provider,
		guard:     idempotency.New(st, o.clock, o.cfg.Idempotency),
		approvals: approval.New(st, ledger, provider, o.clock, o.ids, approval.WithTTL(o.cfg.ApprovalTTL)),
		ledger:    ledger,
		orch:      dispatch.New(connectors, o.cfg.Dispatch),
		clock:     o.clock,
		cfg:       o.cfg,
	}
}

// Approvals exposes the approval service for reads.
func (e *Engine) Approvals() *approval.Service { return e.approvals }

// Ledger exposes the audit ledger for reads and verification.
func (e *Engine) Ledger() *audit.Ledger { return e.ledger }

// Decision is a human decision on an approval.
type Decision struct {
	ApprovalID string
	ActorID    string
	Approve    bool
	Note       string

	// StepID optionally names the chain step being decided.
	StepID string
}

// Decide applies d. On a governed chain it decides the actor's step and
// completes or rejects the approval when the chain does.
func (e *Engine) Decide(ctx context.Context, d Decision) (a *ir.ApprovalRequest, err error) {
	ctx, span := tracing.Start(ctx, "engine.decide", tracing.String("approval_id", d.ApprovalID))
	defer func() { span.End(err) }()

	return e.approvals.Decide(ctx, approval.DecideRequest{
		ApprovalID: d.ApprovalID,
		ActorID:    d.ActorID,
		Approve:    d.Approve,
		Note:       d.Note,
		StepID:     d.StepID,
	})
}

// Cancel rejects a pending or approved approval before dispatch.
func (e *Engine) Cancel(ctx context.Context, approvalID, actorID, note string) (a *ir.ApprovalRequest, err error) {
	ctx, span := tracing.Start(ctx, "engine.cancel", tracing.String("approval_id", approvalID))
	defer func() { span.End(err) }()

	return e.approvals.Cancel(ctx, approvalID, actorID, note)
}

// record appends a standalone event and forwards it to the provider.
func (e *Engine) record(ctx context.Context, entry audit.Entry) error {
	ev, err := e.ledger.Record(ctx, entry)
	if err != nil {
		slog.Error("audit write failed", "action", entry.Action, "resource_id", entry.ResourceID, "error", err)
		return err
	}
	if err := e.provider.WriteAuditEvent(ctx, *ev); err != nil {
		slog.Warn("audit forwarding failed", "event_id", ev.EventID, "action", ev.Action, "error", err)
	}
	return nil
}
