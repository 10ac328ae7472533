package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/approval"
	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/dispatch"
	"github.com/roach88/warden/internal/idempotency"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/testutil"
)

// recorder is a connector that counts live calls.
type recorder struct {
	calls   atomic.Int32
	dryRuns atomic.Int32
	fail    error

	// gate, when set, holds every live call until it is closed.
	gate chan struct{}
}

func (r *recorder) Type() string { return "rec" }

func (r *recorder) Dispatch(_ context.Context, op string, _ ir.Object, opts dispatch.Options) (dispatch.Result, error) {
	if opts.DryRun {
		r.dryRuns.Add(1)
		return dispatch.Result{Success: true, Detail: ir.Object{"preview": ir.String(op)}}, nil
	}
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	if r.fail != nil {
		return dispatch.Result{}, r.fail
	}
	return dispatch.Result{Success: true, Detail: ir.Object{"done": ir.String(op)}}, nil
}

// flakyProvider fails every call while down is set.
type flakyProvider struct {
	policy.Provider
	down atomic.Bool
}

func (p *flakyProvider) CheckAuthorization(ctx context.Context, req policy.Request) (policy.Decision, error) {
	if p.down.Load() {
		return policy.Decision{}, errors.New("connection refused")
	}
	return p.Provider.CheckAuthorization(ctx, req)
}

func bundle() ir.PolicyBundle {
	return ir.PolicyBundle{
		Bindings: []ir.RoleBinding{
			{TenantID: "ws-1", UserID: "op-1", Role: "operator"},
			{TenantID: "ws-1", UserID: "alice", Role: "A"},
			{TenantID: "ws-1", UserID: "bob", Role: "B"},
			{TenantID: "ws-1", UserID: "carol", Role: "C"},
			{TenantID: "ws-1", UserID: "release-bot", Role: "releaser"},
		},
		Grants: []ir.Grant{
			{TenantID: "*", Role: "operator", Action: "deploy", ResourceType: "service"},
			{TenantID: "*", Role: "operator", Action: "notify", ResourceType: "*"},
			{TenantID: "*", Role: "releaser", Action: policy.ActionDispatch, ResourceType: "*"},
		},
		Templates: []ir.ChainTemplate{{
			FormKey:  "deploy",
			TenantID: "*",
			Steps: []ir.TemplateStep{
				{Order: 1, RequiredRole: "A", Label: "Engineering"},
				{Order: 1, RequiredRole: "B", Label: "Security"},
				{Order: 2, RequiredRole: "C", Label: "Release manager"},
			},
			RequireAllApprovals: true,
		}},
	}
}

type fixture struct {
	store    *store.Store
	path     string
	clock    *testutil.ManualClock
	conn     *recorder
	provider *flakyProvider
	engine   *Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.Idempotency.PollInitial = time.Millisecond
	cfg.Idempotency.PollMax = 5 * time.Millisecond
	cfg.Idempotency.WaitTimeout = 5 * time.Second
	cfg.Dispatch.InitialBackoff = time.Millisecond
	cfg.Dispatch.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, path := testutil.OpenStoreAt(t)
	require.NoError(t, st.ReplacePolicy(context.Background(), bundle()))

	f := &fixture{store: st, path: path, clock: testutil.NewManualClock(testutil.Epoch), conn: &recorder{}}
	f.engine = f.open(st, "a")
	return f
}

// open builds an engine over st sharing the fixture's clock and connector.
// Each engine needs its own id prefix, as separate processes would.
func (f *fixture) open(st *store.Store, prefix string) *Engine {
	f.provider = &flakyProvider{Provider: policy.NewEmbedded(st)}
	return New(st, f.provider, dispatch.NewRegistry(f.conn),
		WithClock(f.clock),
		WithIDs(clock.NewSequenceGenerator(prefix)),
		WithConfig(testConfig()),
	)
}

func plan(op string) ir.Object {
	return ir.Object{"steps": ir.Array{
		ir.Object{"connector": ir.String("rec"), "operation": ir.String(op), "payload": ir.Object{"service": ir.String("api")}},
	}}
}

func deploy(requestID string) Submission {
	return Submission{
		RequestID:    requestID,
		ActionIntent: "deploy",
		FormKey:      "deploy",
		WorkspaceID:  "ws-1",
		OperatorID:   "op-1",
		ResourceType: "service",
		ResourceID:   "api",
		Plan:         plan("rollout"),
	}
}

func notify(requestID string) Submission {
	return Submission{
		RequestID:    requestID,
		ActionIntent: "notify",
		FormKey:      "notify",
		WorkspaceID:  "ws-1",
		OperatorID:   "op-1",
		ResourceType: "channel",
		ResourceID:   "#ops",
		Plan:         plan("post"),
	}
}

func (f *fixture) pending(t *testing.T, requestID string) *ir.ApprovalRequest {
	t.Helper()
	out, err := f.engine.Evaluate(context.Background(), deploy(requestID))
	require.NoError(t, err)
	require.Equal(t, KindPending, out.Kind)
	return out.Approval
}

func (f *fixture) approve(t *testing.T, id string) *ir.ApprovalRequest {
	t.Helper()
	var a *ir.ApprovalRequest
	for _, actor := range []string{"alice", "bob", "carol"} {
		var err error
		a, err = f.engine.Decide(context.Background(), Decision{ApprovalID: id, ActorID: actor, Approve: true})
		require.NoError(t, err)
	}
	require.Equal(t, ir.StatusApproved, a.Status)
	return a
}

func (f *fixture) actions(t *testing.T, filter store.AuditFilter) []string {
	t.Helper()
	events, err := f.engine.Ledger().Query(context.Background(), filter)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Action
	}
	return out
}

func TestEngine_GovernedLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.pending(t, "r1")
	assert.Equal(t, ir.StatusPending, a.Status)
	assert.Len(t, a.Steps, 3)

	f.approve(t, a.ID)

	out, err := f.engine.Dispatch(ctx, a.ID, "op-1")
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.NoError(t, out.Err)
	assert.Equal(t, ir.StatusDispatched, out.Approval.Status)
	assert.NotNil(t, out.Approval.DispatchResult)
	assert.NotNil(t, out.Approval.DispatchedAt)
	assert.Equal(t, int32(1), f.conn.calls.Load())

	_, err = f.engine.Dispatch(ctx, a.ID, "op-1")
	assert.True(t, ir.IsCode(err, ir.CodeConflict))
	assert.Equal(t, int32(1), f.conn.calls.Load())

	history, err := f.engine.Ledger().History(ctx, a.ID)
	require.NoError(t, err)
	decided := 0
	for _, ev := range history {
		if ev.Action == audit.ActionDecided {
			decided++
		}
	}
	assert.Equal(t, 1, decided)
	assert.Contains(t, f.actions(t, store.AuditFilter{ResourceID: a.ID}), audit.ActionCompleted)
	assert.Contains(t, f.actions(t, store.AuditFilter{ResourceID: a.ID}), audit.ActionConflict)
}

func TestEngine_ExpiredApprovalCannotBeDecided(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, "r1")

	f.clock.Advance(approval.DefaultTTL + testConfig().SweepInterval)
	rep, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)

	got, err := f.engine.Approvals().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusExpired, got.Status)

	_, err = f.engine.Decide(ctx, Decision{ApprovalID: a.ID, ActorID: "alice", Approve: true})
	assert.True(t, ir.IsCode(err, ir.CodeInvalidState))
}

func TestEngine_ConcurrentDuplicateSubmissions(t *testing.T) {
	f := newFixture(t)

	const n = 10
	var (
		wg  sync.WaitGroup
		ids = make([]string, n)
	)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.engine.Evaluate(context.Background(), deploy("r1"))
			errs[i] = err
			if err == nil {
				ids[i] = out.Approval.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	all, err := f.engine.Approvals().List(context.Background(), store.ApprovalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_ReplayReturnsCurrentApproval(t *testing.T) {
	f := newFixture(t)
	a := f.pending(t, "r1")
	f.approve(t, a.ID)

	out, err := f.engine.Evaluate(context.Background(), deploy("r1"))
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, KindPending, out.Kind)
	assert.Equal(t, a.ID, out.Approval.ID)
	assert.Equal(t, ir.StatusApproved, out.Approval.Status)
}

func TestEngine_PayloadMismatch(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "r1")

	changed := deploy("r1")
	changed.Plan = plan("rollback")
	_, err := f.engine.Evaluate(context.Background(), changed)
	assert.ErrorIs(t, err, ir.ErrPayloadMismatch)
}

func TestEngine_MissingFormKeyUsesIntent(t *testing.T) {
	f := newFixture(t)

	s := deploy("r1")
	s.FormKey = ""
	out, err := f.engine.Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, KindPending, out.Kind)
	require.NotNil(t, out.Approval)
	assert.Equal(t, "deploy", out.Approval.FormKey)
	assert.Len(t, out.Approval.Steps, 3)
	assert.Equal(t, int32(0), f.conn.calls.Load())

	again, err := f.engine.Evaluate(context.Background(), deploy("r1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed, "an explicit form key equal to the intent is the same request")
}

func TestEngine_PayloadMismatchAfterRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, "r1")

	f.clock.Advance(testConfig().Idempotency.Retention + time.Hour)
	rep, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rep.Pruned)
	require.Equal(t, 0, rep.Expired)

	changed := deploy("r1")
	changed.Plan = plan("rollback")
	_, err = f.engine.Evaluate(ctx, changed)
	assert.ErrorIs(t, err, ir.ErrPayloadMismatch)

	stored, err := f.engine.Approvals().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.PlanHash, stored.PlanHash)

	out, err := f.engine.Evaluate(ctx, deploy("r1"))
	require.NoError(t, err)
	assert.Equal(t, KindPending, out.Kind)
	assert.Equal(t, a.ID, out.Approval.ID)
}

func TestEngine_SlowExecutionKeepsIdempotencyLease(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Idempotency.Heartbeat = time.Millisecond
	f.engine = New(f.store, f.provider, dispatch.NewRegistry(f.conn),
		WithClock(f.clock),
		WithIDs(clock.NewSequenceGenerator("b")),
		WithConfig(cfg),
	)
	f.conn.gate = make(chan struct{})
	ctx := context.Background()

	first := make(chan *Outcome, 1)
	go func() {
		out, err := f.engine.Evaluate(ctx, notify("n1"))
		assert.NoError(t, err)
		first <- out
	}()
	require.Eventually(t, func() bool { return f.conn.calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	now := f.clock.Advance(cfg.Idempotency.Lease + time.Minute)
	require.Eventually(t, func() bool {
		rec, err := f.store.GetIdempotency(ctx, "n1")
		return err == nil && !rec.UpdatedAt.Before(now)
	}, 5*time.Second, time.Millisecond)

	hash, err := ir.PayloadHash(notify("n1").fingerprint())
	require.NoError(t, err)
	d, err := f.engine.guard.Check(ctx, "n1", hash)
	require.NoError(t, err)
	assert.Equal(t, idempotency.InFlight, d.Kind)

	second := make(chan *Outcome, 1)
	go func() {
		out, err := f.engine.Evaluate(ctx, notify("n1"))
		assert.NoError(t, err)
		second <- out
	}()
	close(f.conn.gate)

	a, b := <-first, <-second
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, KindExecuted, a.Kind)
	assert.Equal(t, KindExecuted, b.Kind)
	assert.True(t, b.Replayed)
	assert.Equal(t, int32(1), f.conn.calls.Load())
}

func TestEngine_UngovernedExecutesImmediately(t *testing.T) {
	f := newFixture(t)

	out, err := f.engine.Evaluate(context.Background(), notify("n1"))
	require.NoError(t, err)
	assert.Equal(t, KindExecuted, out.Kind)
	assert.Nil(t, out.Approval)
	assert.Equal(t, ir.Bool(true), out.Result["success"])
	assert.Equal(t, int32(1), f.conn.calls.Load())
	assert.Equal(t, []string{audit.ActionExecuted}, f.actions(t, store.AuditFilter{ResourceID: "#ops"}))

	again, err := f.engine.Evaluate(context.Background(), notify("n1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, KindExecuted, again.Kind)
	assert.Equal(t, int32(1), f.conn.calls.Load(), "a replay does not execute again")
}

func TestEngine_DryRunPreviewsGovernedAction(t *testing.T) {
	f := newFixture(t)

	s := deploy("r1")
	s.DryRun = true
	out, err := f.engine.Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, KindPreviewed, out.Kind)
	assert.Zero(t, f.conn.calls.Load())
	assert.Equal(t, int32(1), f.conn.dryRuns.Load())

	all, err := f.engine.Approvals().List(context.Background(), store.ApprovalFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, []string{audit.ActionPreviewed}, f.actions(t, store.AuditFilter{ResourceID: "api"}))
}

func TestEngine_DeniedSubmission(t *testing.T) {
	f := newFixture(t)

	s := deploy("r1")
	s.OperatorID = "mallory"
	out, err := f.engine.Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, KindDenied, out.Kind)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, []string{audit.ActionDenied}, f.actions(t, store.AuditFilter{ActorID: "mallory"}))

	again, err := f.engine.Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, KindDenied, again.Kind)
}

func TestEngine_ProviderOutageFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.provider.down.Store(true)

	out, err := f.engine.Evaluate(context.Background(), deploy("r1"))
	require.NoError(t, err)
	assert.Equal(t, KindDenied, out.Kind)
	assert.Contains(t, out.Reason, "policy provider unavailable")

	f.provider.down.Store(false)
	out, err = f.engine.Evaluate(context.Background(), deploy("r1"))
	require.NoError(t, err)
	assert.False(t, out.Replayed, "an unanswered denial is not cached")
	assert.Equal(t, KindPending, out.Kind)
}

func TestEngine_StoreUnavailableRefusesExecution(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	_, err := f.engine.Evaluate(context.Background(), notify("n1"))
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.CodeStoreUnavailable))
	assert.Zero(t, f.conn.calls.Load())
}

func TestEngine_DispatchRequiresGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, "r1")
	f.approve(t, a.ID)

	_, err := f.engine.Dispatch(ctx, a.ID, "mallory")
	assert.True(t, ir.IsCode(err, ir.CodeUnauthorized))
	assert.Zero(t, f.conn.calls.Load())

	out, err := f.engine.Dispatch(ctx, a.ID, "release-bot")
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
}

func TestEngine_DispatchBeforeApproval(t *testing.T) {
	f := newFixture(t)
	a := f.pending(t, "r1")

	_, err := f.engine.Dispatch(context.Background(), a.ID, "op-1")
	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ir.CodeConflict, e.Code)
	assert.Equal(t, string(ir.StatusPending), e.Details["status"])
}

func TestEngine_ConnectorFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.conn.fail = dispatch.Permanent(errors.New("403 forbidden"))
	a := f.pending(t, "r1")
	f.approve(t, a.ID)

	out, err := f.engine.Dispatch(context.Background(), a.ID, "op-1")
	require.NoError(t, err)
	assert.False(t, out.Succeeded())
	assert.True(t, ir.IsCode(out.Err, ir.CodePermanentConnector))
	assert.Equal(t, ir.StatusDispatchFailed, out.Approval.Status)
	assert.Equal(t, ir.Int(0), out.Approval.DispatchResult["failed_step"])
	assert.Contains(t, f.actions(t, store.AuditFilter{ResourceID: a.ID}), audit.ActionFailed)

	_, err = f.engine.Dispatch(context.Background(), a.ID, "op-1")
	assert.True(t, ir.IsCode(err, ir.CodeConflict), "a failed dispatch is not retried")
}

func TestEngine_TamperedPlanIsNotExecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, "r1")
	f.approve(t, a.ID)

	_, err := f.store.DB().ExecContext(ctx, `UPDATE approvals SET plan = ? WHERE id = ?`,
		`{"steps":[{"connector":"rec","operation":"drop-database","payload":{}}]}`, a.ID)
	require.NoError(t, err)

	out, err := f.engine.Dispatch(ctx, a.ID, "op-1")
	require.NoError(t, err)
	assert.True(t, out.Report.PlanMismatch)
	assert.ErrorIs(t, out.Err, ir.ErrPlanMismatch)
	assert.Equal(t, ir.StatusDispatchFailed, out.Approval.Status)
	assert.Zero(t, f.conn.calls.Load())
	assert.Contains(t, f.actions(t, store.AuditFilter{ResourceID: a.ID}), audit.ActionPlanMismatch)
}

func TestEngine_TwoProcessesDispatchOnce(t *testing.T) {
	f := newFixture(t)
	a := f.pending(t, "r1")
	f.approve(t, a.ID)

	other, err := store.Open(f.path)
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })
	engines := []*Engine{f.engine, f.open(other, "b")}

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for round := 0; round < 4; round++ {
		for _, e := range engines {
			wg.Add(1)
			go func(e *Engine) {
				defer wg.Done()
				_, err := e.Dispatch(context.Background(), a.ID, "op-1")
				switch {
				case err == nil:
					wins.Add(1)
				case ir.IsCode(err, ir.CodeConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(e)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
	assert.Equal(t, int32(1), f.conn.calls.Load())
}

func TestEngine_CancelBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.pending(t, "r1")
	f.approve(t, a.ID)

	got, err := f.engine.Cancel(ctx, a.ID, "op-1", "change freeze")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRejected, got.Status)

	_, err = f.engine.Dispatch(ctx, a.ID, "op-1")
	assert.True(t, ir.IsCode(err, ir.CodeConflict))
}

func TestEngine_InvalidSubmission(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing request id", func(s *Submission) { s.RequestID = "" }},
		{"missing intent", func(s *Submission) { s.ActionIntent = "" }},
		{"missing operator", func(s *Submission) { s.OperatorID = "" }},
		{"bad plan", func(s *Submission) { s.Plan = ir.Object{"steps": ir.String("x")} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := deploy("r1")
			tt.mutate(&s)
			_, err := f.engine.Evaluate(context.Background(), s)
			assert.True(t, ir.IsCode(err, ir.CodeInvalidArgument), "got %v", err)
		})
	}
}

func TestEngine_RunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	a := f.pending(t, "r1")
	f.clock.Advance(approval.DefaultTTL + time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.engine.Approvals().Get(context.Background(), a.ID)
		return err == nil && got.Status == ir.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, f.actions(t, store.AuditFilter{ResourceID: a.ID}), audit.ActionExpired)
}
