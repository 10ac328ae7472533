package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/warden/internal/tracing"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Expired int   `json:"expired"`
	Pruned  int64 `json:"pruned"`
}

// Sweep expires pending approvals past their expiry, in batches, and prunes
// completed idempotency records past retention.
func (e *Engine) Sweep(ctx context.Context) (rep SweepReport, err error) {
	ctx, span := tracing.Start(ctx, "engine.sweep")
	defer func() { span.End(err) }()

	for {
		expired, err := e.approvals.Expire(ctx, e.cfg.SweepBatch)
		if err != nil {
			return rep, err
		}
		rep.Expired += len(expired)
		if len(expired) < e.cfg.SweepBatch {
			break
		}
	}

	if rep.Pruned, err = e.guard.Prune(ctx); err != nil {
		return rep, err
	}
	if rep.Expired > 0 || rep.Pruned > 0 {
		slog.Info("sweep finished", "expired", rep.Expired, "pruned", rep.Pruned)
	}
	return rep, nil
}

// Run sweeps immediately and then every SweepInterval until ctx is done.
// A failed sweep is logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	slog.Info("sweeper starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
