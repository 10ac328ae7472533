// Package idempotency deduplicates submissions by request identifier and
// payload fingerprint.
//
// The durable record in the store is authoritative. An in-process cache of
// completed results answers immediate retries for a short window without a
// store round trip; it is never consulted for in-flight state, so several
// instances sharing one store still agree on who owns a request.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/warden/internal/clock"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/metrics"
	"github.com/roach88/warden/internal/retry"
	"github.com/roach88/warden/internal/store"
)

// Backend is the durable side of the guard. *store.Store satisfies it.
type Backend interface {
	ClaimIdempotency(ctx context.Context, requestID, payloadHash string, now, expiresAt, staleBefore time.Time) (store.ClaimResult, error)
	CompleteIdempotency(ctx context.Context, requestID, payloadHash string, result ir.Object, now, expiresAt time.Time) (bool, error)
	TouchIdempotency(ctx context.Context, requestID, payloadHash string, now time.Time) (bool, error)
	ReleaseIdempotency(ctx context.Context, requestID, payloadHash string) error
	PruneIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Config bounds the guard's windows and its wait for in-flight duplicates.
type Config struct {
	// FastWindow is how long a completed result is served from memory.
	FastWindow time.Duration

	// Retention is how long a completed record is kept for conflict
	// detection and replay.
	Retention time.Duration

	// WaitTimeout bounds how long Submit waits on an in-flight duplicate
	// before failing with BUSY.
	WaitTimeout time.Duration

	PollInitial time.Duration
	PollMax     time.Duration

	// Lease is how long an in-flight record may go untouched before a later
	// submission can take it over.
	Lease time.Duration

	// Heartbeat is how often Hold refreshes an owned record. It must be
	// well inside Lease; zero disables refreshing.
	Heartbeat time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FastWindow:  5 * time.Second,
		Retention:   24 * time.Hour,
		WaitTimeout: 10 * time.Second,
		PollInitial: 100 * time.Millisecond,
		PollMax:     time.Second,
		Lease:       2 * time.Minute,
		Heartbeat:   30 * time.Second,
	}
}

// Kind is what the caller must do with a submission.
type Kind int

const (
	// Proceed: the caller owns the request and must Complete or Release it.
	Proceed Kind = iota

	// InFlight: another caller owns the request. Only returned by Check.
	InFlight

	// Completed: the request already finished; Result holds its outcome.
	Completed
)

func (k Kind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Decision is the guard's answer to a submission.
type Decision struct {
	Kind   Kind
	Result ir.Object
}

type cached struct {
	payloadHash string
	result      ir.Object
	until       time.Time
}

// Guard serializes submissions sharing a request identifier.
//
// Thread-safety: safe for concurrent use.
type Guard struct {
	backend Backend
	clock   clock.Clock
	cfg     Config

	mu    sync.Mutex
	cache map[string]cached
}

// New creates a guard over backend.
func New(backend Backend, clk clock.Clock, cfg Config) *Guard {
	return &Guard{
		backend: backend,
		clock:   clk,
		cfg:     cfg,
		cache:   make(map[string]cached),
	}
}

// Check makes a single claim attempt and never waits.
func (g *Guard) Check(ctx context.Context, requestID, payloadHash string) (Decision, error) {
	if requestID == "" {
		return Decision{}, ir.Errorf(ir.CodeInvalidArgument, "request id is required")
	}
	now := g.clock.Now()

	if d, ok, err := g.fromCache(requestID, payloadHash, now); ok || err != nil {
		return d, err
	}

	res, err := g.backend.ClaimIdempotency(ctx, requestID, payloadHash, now,
		now.Add(g.cfg.Retention), now.Add(-g.cfg.Lease))
	if err != nil {
		return Decision{}, storeErr(requestID, err)
	}

	rec := res.Record
	switch {
	case res.Claimed:
		metrics.RecordIdempotency("proceed")
		return Decision{Kind: Proceed}, nil
	case rec.PayloadHash != payloadHash:
		metrics.RecordIdempotency("mismatch")
		slog.Warn("request id reused with a different payload", "request_id", requestID)
		return Decision{}, &ir.Error{
			Code:      ir.CodePayloadMismatch,
			Message:   "request id was first submitted with a different payload",
			RequestID: requestID,
		}
	case rec.Status == ir.IdemCompleted:
		metrics.RecordIdempotency("replayed")
		g.remember(requestID, payloadHash, rec.Result, now)
		return Decision{Kind: Completed, Result: rec.Result}, nil
	}
	return Decision{Kind: InFlight}, nil
}

// Submit claims requestID, or waits for the in-flight owner to finish and
// returns its result. The wait polls with jittered backoff and fails with
// BUSY after WaitTimeout.
func (g *Guard) Submit(ctx context.Context, requestID, payloadHash string) (Decision, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.WaitTimeout)
	defer cancel()

	bo := retry.NewBackoff(retry.Config{
		InitialDelay: g.cfg.PollInitial,
		MaxDelay:     g.cfg.PollMax,
		Multiplier:   2,
	})
	polls := 0
	for {
		d, err := g.Check(ctx, requestID, payloadHash)
		if err != nil || d.Kind != InFlight {
			if polls > 0 {
				slog.Debug("in-flight duplicate resolved", "request_id", requestID, "polls", polls)
			}
			return d, err
		}

		polls++
		if err := retry.Sleep(waitCtx, bo.Next()); err != nil {
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			metrics.RecordIdempotency("busy")
			slog.Warn("in-flight duplicate did not finish", "request_id", requestID, "waited", g.cfg.WaitTimeout)
			return Decision{}, &ir.Error{
				Code:      ir.CodeBusy,
				Message:   "an identical request is still in flight",
				RequestID: requestID,
				Err:       err,
			}
		}
	}
}

// Complete persists the result of an owned request. Later duplicates receive
// result without recomputation.
func (g *Guard) Complete(ctx context.Context, requestID, payloadHash string, result ir.Object) error {
	now := g.clock.Now()
	ok, err := g.backend.CompleteIdempotency(ctx, requestID, payloadHash, result, now, now.Add(g.cfg.Retention))
	if err != nil {
		return storeErr(requestID, err)
	}
	if !ok {
		// Lease was taken over by another caller; its result wins.
		slog.Warn("idempotency record no longer owned", "request_id", requestID)
		return nil
	}
	g.remember(requestID, payloadHash, result, now)
	return nil
}

// Hold keeps an owned in-flight record alive by refreshing it every
// Heartbeat until the returned stop function is called. Call stop before
// Complete or Release.
func (g *Guard) Hold(ctx context.Context, requestID, payloadHash string) (stop func()) {
	if g.cfg.Heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(g.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := g.backend.TouchIdempotency(ctx, requestID, payloadHash, g.clock.Now())
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				slog.Warn("idempotency heartbeat failed", "request_id", requestID, "error", err)
			case !ok:
				slog.Warn("idempotency record no longer owned", "request_id", requestID)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Release gives up an owned request that produced no result so a retry can
// proceed immediately.
func (g *Guard) Release(ctx context.Context, requestID, payloadHash string) error {
	if err := g.backend.ReleaseIdempotency(ctx, requestID, payloadHash); err != nil {
		return storeErr(requestID, err)
	}
	return nil
}

// Prune removes completed records past retention and stale cache entries.
func (g *Guard) Prune(ctx context.Context) (int64, error) {
	now := g.clock.Now()
	g.mu.Lock()
	for id, c := range g.cache {
		if !now.Before(c.until) {
			delete(g.cache, id)
		}
	}
	g.mu.Unlock()

	n, err := g.backend.PruneIdempotency(ctx, now)
	if err != nil {
		return 0, storeErr("", err)
	}
	return n, nil
}

func (g *Guard) fromCache(requestID, payloadHash string, now time.Time) (Decision, bool, error) {
	g.mu.Lock()
	c, ok := g.cache[requestID]
	if ok && !now.Before(c.until) {
		delete(g.cache, requestID)
		ok = false
	}
	g.mu.Unlock()
	if !ok {
		return Decision{}, false, nil
	}
	if c.payloadHash != payloadHash {
		metrics.RecordIdempotency("mismatch")
		return Decision{}, true, &ir.Error{
			Code:      ir.CodePayloadMismatch,
			Message:   "request id was first submitted with a different payload",
			RequestID: requestID,
		}
	}
	metrics.RecordIdempotency("cached")
	return Decision{Kind: Completed, Result: c.result}, true, nil
}

func (g *Guard) remember(requestID, payloadHash string, result ir.Object, now time.Time) {
	if g.cfg.FastWindow <= 0 {
		return
	}
	g.mu.Lock()
	g.cache[requestID] = cached{payloadHash: payloadHash, result: result, until: now.Add(g.cfg.FastWindow)}
	g.mu.Unlock()
}

func storeErr(requestID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ir.Error{
		Code:      ir.CodeStoreUnavailable,
		Message:   "idempotency store",
		RequestID: requestID,
		Err:       err,
	}
}
