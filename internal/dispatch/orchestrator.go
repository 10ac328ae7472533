// Package dispatch executes approved plans against connectors.
//
// The stored plan is re-hashed before anything runs; a mismatch with the
// approved hash stops execution. Steps run in order. Transient connector
// failures are retried with bounded jittered backoff, permanent ones stop
// the plan at once. Steps already executed are not rolled back; the report
// records how far execution got.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/metrics"
	"github.com/roach88/warden/internal/retry"
	"github.com/roach88/warden/internal/tracing"
)

// Config bounds connector calls.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

// DefaultConfig is three attempts from 200ms, 30s per call.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CallTimeout:    30 * time.Second,
	}
}

// Step outcomes in a report.
const (
	StepSucceeded = "succeeded"
	StepPreviewed = "previewed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// StepReport is the outcome of one plan step.
type StepReport struct {
	Index     int       `json:"index"`
	Connector string    `json:"connector"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Detail    ir.Object `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Report is the outcome of a plan execution.
type Report struct {
	Success      bool         `json:"success"`
	DryRun       bool         `json:"dry_run"`
	PlanHash     string       `json:"plan_hash"`
	PlanMismatch bool         `json:"plan_mismatch,omitempty"`
	FailedStep   int          `json:"failed_step"`
	Code         ir.Code      `json:"code,omitempty"`
	Cause        string       `json:"cause,omitempty"`
	Steps        []StepReport `json:"steps"`
}

// Object renders the report as the approval's dispatch result.
func (r *Report) Object() ir.Object {
	steps := make(ir.Array, len(r.Steps))
	for i, s := range r.Steps {
		o := ir.Object{
			"index":     ir.Int(s.Index),
			"connector": ir.String(s.Connector),
			"operation": ir.String(s.Operation),
			"status":    ir.String(s.Status),
			"attempts":  ir.Int(s.Attempts),
		}
		if s.Detail != nil {
			o["detail"] = s.Detail
		}
		if s.Error != "" {
			o["error"] = ir.String(s.Error)
		}
		steps[i] = o
	}
	out := ir.Object{
		"success":   ir.Bool(r.Success),
		"dry_run":   ir.Bool(r.DryRun),
		"plan_hash": ir.String(r.PlanHash),
		"steps":     steps,
	}
	if !r.Success {
		out["failed_step"] = ir.Int(r.FailedStep)
		out["code"] = ir.String(string(r.Code))
		out["cause"] = ir.String(r.Cause)
	}
	return out
}

// Orchestrator runs plans.
type Orchestrator struct {
	registry *Registry
	cfg      Config
}

// New creates an orchestrator over registry.
func New(registry *Registry, cfg Config) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Orchestrator{registry: registry, cfg: cfg}
}

// Execute verifies plan against planHash and runs its steps. The returned
// error is a coded *ir.Error when execution failed (PLAN_MISMATCH,
// PERMANENT_CONNECTOR or TRANSIENT_CONNECTOR once retries are exhausted);
// the report is returned in every case.
func (o *Orchestrator) Execute(ctx context.Context, plan ir.Object, planHash string, dryRun bool) (*Report, error) {
	ctx, span := tracing.Start(ctx, "dispatch.execute")
	span.Set("plan_hash", planHash, "dry_run", strconv.FormatBool(dryRun))

	rep, err := o.execute(ctx, plan, planHash, dryRun)
	span.End(err)
	return rep, err
}

func (o *Orchestrator) execute(ctx context.Context, plan ir.Object, planHash string, dryRun bool) (*Report, error) {
	rep := &Report{DryRun: dryRun, PlanHash: planHash, FailedStep: -1, Steps: []StepReport{}}

	actual, err := ir.PlanHash(plan)
	if err != nil || actual != planHash {
		rep.PlanMismatch = true
		return rep.fail(-1, &ir.Error{
			Code:    ir.CodePlanMismatch,
			Message: "stored plan does not match its approved hash",
			Details: map[string]string{"expected": planHash, "actual": actual},
			Err:     err,
		})
	}

	parsed, err := ir.ParsePlan(plan)
	if err != nil {
		return rep.fail(-1, &ir.Error{Code: ir.CodePermanentConnector, Message: "plan is malformed", Err: err})
	}

	for i, step := range parsed.Steps {
		sr := StepReport{Index: i, Connector: step.Connector, Operation: step.Operation}
		conn, ok := o.registry.Lookup(step.Connector)
		if !ok {
			sr.Status = StepFailed
			sr.Error = "unknown connector"
			rep.Steps = append(rep.Steps, sr)
			o.skipRest(rep, parsed, i)
			return rep.fail(i, &ir.Error{
				Code:    ir.CodePermanentConnector,
				Message: fmt.Sprintf("no connector registered for %q", step.Connector),
				Details: map[string]string{"connector": step.Connector, "step": strconv.Itoa(i)},
			})
		}

		res, attempts, err := o.call(ctx, conn, step, dryRun)
		sr.Attempts = attempts
		sr.Detail = res.Detail
		if err != nil {
			sr.Status = StepFailed
			sr.Error = err.Error()
			rep.Steps = append(rep.Steps, sr)
			o.skipRest(rep, parsed, i)

			code := ir.CodePermanentConnector
			if IsTransient(err) {
				code = ir.CodeTransientConnector
			}
			return rep.fail(i, &ir.Error{
				Code:    code,
				Message: fmt.Sprintf("step %d (%s.%s) failed", i, step.Connector, step.Operation),
				Details: map[string]string{"connector": step.Connector, "step": strconv.Itoa(i), "attempts": strconv.Itoa(attempts)},
				Err:     err,
			})
		}
		sr.Status = StepSucceeded
		if dryRun {
			sr.Status = StepPreviewed
		}
		rep.Steps = append(rep.Steps, sr)
	}

	rep.Success = true
	return rep, nil
}

// call invokes one connector step under the retry policy.
func (o *Orchestrator) call(ctx context.Context, conn Connector, step ir.PlanStep, dryRun bool) (Result, int, error) {
	ctx, span := tracing.StartClient(ctx, "connector.dispatch")
	span.Set("connector", conn.Type(), "operation", step.Operation)

	cfg := retry.Config{
		MaxAttempts:  o.cfg.MaxAttempts,
		InitialDelay: o.cfg.InitialBackoff,
		MaxDelay:     o.cfg.MaxBackoff,
		Multiplier:   2,
	}
	var res Result
	attempts, err := retry.Do(ctx, cfg, "connector "+conn.Type(), IsTransient, func(ctx context.Context, attempt int) error {
		callCtx := ctx
		if o.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()
		}

		start := time.Now()
		r, err := conn.Dispatch(callCtx, step.Operation, step.Payload, Options{DryRun: dryRun})
		err = classify(ctx, callCtx, r, err)

		outcome := "success"
		switch {
		case err == nil:
			res = r
		case IsTransient(err):
			outcome = "transient"
		default:
			outcome = "permanent"
			res = r
		}
		metrics.RecordConnectorAttempt(conn.Type(), outcome, time.Since(start))
		if err != nil {
			slog.Warn("connector attempt failed", "connector", conn.Type(), "operation", step.Operation,
				"attempt", attempt, "transient", IsTransient(err), "error", err)
		}
		return err
	})
	span.End(err)
	return res, attempts, err
}

// classify applies the failure classification for one attempt: a call
// that ran out of its own timeout is transient, an unclassified error or
// an unsuccessful result is permanent.
func classify(parent, call context.Context, r Result, err error) error {
	switch {
	case err != nil && IsTransient(err):
		return err
	case err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && call.Err() != nil:
		return Transient(err)
	case err != nil:
		var c *classified
		if errors.As(err, &c) {
			return err
		}
		return Permanent(err)
	case !r.Success:
		return Permanent(errors.New("connector reported failure"))
	}
	return nil
}

func (o *Orchestrator) skipRest(rep *Report, plan *ir.Plan, failed int) {
	for j := failed + 1; j < len(plan.Steps); j++ {
		rep.Steps = append(rep.Steps, StepReport{
			Index:     j,
			Connector: plan.Steps[j].Connector,
			Operation: plan.Steps[j].Operation,
			Status:    StepSkipped,
		})
	}
}

func (r *Report) fail(step int, err *ir.Error) (*Report, error) {
	r.Success = false
	r.FailedStep = step
	r.Code = err.Code
	r.Cause = err.Error()
	slog.Error("plan execution failed", "plan_hash", r.PlanHash, "step", step, "code", err.Code, "error", err)
	return r, err
}
