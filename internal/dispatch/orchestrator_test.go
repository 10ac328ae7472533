package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/ir"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    time.Second,
	}
}

func plan(steps ...ir.Object) ir.Object {
	arr := make(ir.Array, len(steps))
	for i, s := range steps {
		arr[i] = s
	}
	return ir.Object{"steps": arr}
}

func step(connector, op string) ir.Object {
	return ir.Object{"connector": ir.String(connector), "operation": ir.String(op), "payload": ir.Object{"n": ir.Int(1)}}
}

// scripted fails with the queued errors before succeeding.
type scripted struct {
	name  string
	calls atomic.Int32
	errs  []error
	seen  []Options
}

func (s *scripted) Type() string { return s.name }

func (s *scripted) Dispatch(_ context.Context, op string, _ ir.Object, opts Options) (Result, error) {
	n := int(s.calls.Add(1))
	s.seen = append(s.seen, opts)
	if n <= len(s.errs) {
		return Result{}, s.errs[n-1]
	}
	return Result{Success: true, Detail: ir.Object{"op": ir.String(op)}}, nil
}

func execute(t *testing.T, reg *Registry, p ir.Object, dryRun bool) (*Report, error) {
	t.Helper()
	return New(reg, fastConfig()).Execute(context.Background(), p, ir.MustPlanHash(p), dryRun)
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	var order []string
	rec := func(name string) Connector {
		return FuncConnector{Name: name, Fn: func(_ context.Context, op string, _ ir.Object, _ Options) (Result, error) {
			order = append(order, name+"."+op)
			return Result{Success: true}, nil
		}}
	}
	reg := NewRegistry(rec("git"), rec("chat"))

	rep, err := execute(t, reg, plan(step("git", "merge"), step("chat", "post")), false)
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.Equal(t, []string{"git.merge", "chat.post"}, order)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, StepSucceeded, rep.Steps[1].Status)
	assert.Equal(t, -1, rep.FailedStep)
}

func TestExecuteRetriesTransient(t *testing.T) {
	c := &scripted{name: "git", errs: []error{Transient(errors.New("503")), Transient(errors.New("503"))}}
	rep, err := execute(t, NewRegistry(c), plan(step("git", "merge")), false)
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.Equal(t, 3, rep.Steps[0].Attempts)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	c := &scripted{name: "git", errs: []error{
		Transient(errors.New("503")), Transient(errors.New("503")), Transient(errors.New("503")), Transient(errors.New("503")),
	}}
	rep, err := execute(t, NewRegistry(c), plan(step("git", "merge")), false)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.CodeTransientConnector))
	assert.Equal(t, int32(3), c.calls.Load())
	assert.False(t, rep.Success)
	assert.Equal(t, 0, rep.FailedStep)
}

func TestExecuteStopsOnPermanent(t *testing.T) {
	first := &scripted{name: "git"}
	second := &scripted{name: "chat", errs: []error{Permanent(errors.New("403 forbidden"))}}
	third := &scripted{name: "docs"}
	reg := NewRegistry(first, second, third)

	rep, err := execute(t, reg, plan(step("git", "merge"), step("chat", "post"), step("docs", "write")), false)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.CodePermanentConnector))
	assert.Equal(t, int32(1), second.calls.Load(), "permanent failures are not retried")
	assert.Zero(t, third.calls.Load())

	require.Len(t, rep.Steps, 3)
	assert.Equal(t, StepSucceeded, rep.Steps[0].Status, "executed steps are kept, not rolled back")
	assert.Equal(t, StepFailed, rep.Steps[1].Status)
	assert.Equal(t, StepSkipped, rep.Steps[2].Status)
	assert.Equal(t, 1, rep.FailedStep)

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "chat", e.Details["connector"])
	assert.Equal(t, "1", e.Details["step"])

	obj := rep.Object()
	assert.Equal(t, ir.Bool(false), obj["success"])
	assert.Equal(t, ir.Int(1), obj["failed_step"])
}

func TestUnclassifiedErrorIsPermanent(t *testing.T) {
	c := &scripted{name: "git", errs: []error{errors.New("boom")}}
	_, err := execute(t, NewRegistry(c), plan(step("git", "merge")), false)
	assert.True(t, ir.IsCode(err, ir.CodePermanentConnector))
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestUnsuccessfulResultIsPermanent(t *testing.T) {
	c := FuncConnector{Name: "git", Fn: func(context.Context, string, ir.Object, Options) (Result, error) {
		return Result{Success: false, Detail: ir.Object{"reason": ir.String("conflict")}}, nil
	}}
	rep, err := execute(t, NewRegistry(c), plan(step("git", "merge")), false)
	assert.True(t, ir.IsCode(err, ir.CodePermanentConnector))
	assert.Equal(t, "conflict", rep.Steps[0].Detail.Str("reason"))
}

func TestCallTimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	c := FuncConnector{Name: "slow", Fn: func(ctx context.Context, _ string, _ ir.Object, _ Options) (Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return Result{Success: true}, nil
	}}
	cfg := fastConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	p := plan(step("slow", "op"))

	rep, err := New(NewRegistry(c), cfg).Execute(context.Background(), p, ir.MustPlanHash(p), false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Steps[0].Attempts)
}

func TestPlanMismatchRunsNothing(t *testing.T) {
	c := &scripted{name: "git"}
	p := plan(step("git", "merge"))
	approvedHash := ir.MustPlanHash(p)
	p["steps"].(ir.Array)[0].(ir.Object)["operation"] = ir.String("force-push")

	rep, err := New(NewRegistry(c), fastConfig()).Execute(context.Background(), p, approvedHash, false)
	assert.ErrorIs(t, err, ir.ErrPlanMismatch)
	assert.True(t, rep.PlanMismatch)
	assert.Zero(t, c.calls.Load())
}

func TestUnknownConnector(t *testing.T) {
	rep, err := execute(t, NewRegistry(), plan(step("ftp", "put")), false)
	assert.True(t, ir.IsCode(err, ir.CodePermanentConnector))
	assert.Equal(t, StepFailed, rep.Steps[0].Status)
}

func TestDryRunPreviews(t *testing.T) {
	c := &scripted{name: "git"}
	rep, err := execute(t, NewRegistry(c, LogConnector{}), plan(step("git", "merge"), step("log", "note")), true)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, StepPreviewed, rep.Steps[0].Status)
	assert.True(t, c.seen[0].DryRun)
	assert.Equal(t, ir.Bool(false), rep.Steps[1].Detail["logged"])
}

func TestEmptyPlanSucceeds(t *testing.T) {
	rep, err := execute(t, NewRegistry(), ir.Object{}, false)
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.Empty(t, rep.Steps)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(LogConnector{})
	require.NoError(t, reg.Register(&scripted{name: "git"}))
	assert.Error(t, reg.Register(LogConnector{}))

	_, ok := reg.Lookup("git")
	assert.True(t, ok)
	assert.Equal(t, []string{"git", "log"}, reg.Types())
}

func TestClassification(t *testing.T) {
	base := errors.New("x")
	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(Permanent(base)))
	assert.False(t, IsTransient(base))
	assert.ErrorIs(t, Transient(base), base)
	assert.Nil(t, Transient(nil))
}
