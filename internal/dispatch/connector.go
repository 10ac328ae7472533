package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/warden/internal/ir"
)

// Options are passed to every connector call.
type Options struct {
	// DryRun connectors must not cause any external side effect.
	DryRun bool
}

// Result is a connector's answer. Success false without an error is a
// permanent failure carrying Detail.
type Result struct {
	Success bool
	Detail  ir.Object
}

// Connector adapts one external system. Dispatch must classify its failures
// with Transient or Permanent; unclassified errors are treated as permanent.
type Connector interface {
	Type() string
	Dispatch(ctx context.Context, operation string, payload ir.Object, opts Options) (Result, error)
}

type classified struct {
	err       error
	transient bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: true}
}

// Permanent marks err as final.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var c *classified
	return errors.As(err, &c) && c.transient
}

// Registry maps connector types to connectors.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates a registry holding cs.
func NewRegistry(cs ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range cs {
		r.connectors[c.Type()] = c
	}
	return r
}

// Register adds c. Registering a type twice is an error.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[c.Type()]; ok {
		return fmt.Errorf("connector %q already registered", c.Type())
	}
	r.connectors[c.Type()] = c
	return nil
}

// Lookup returns the connector for typ.
func (r *Registry) Lookup(typ string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[typ]
	return c, ok
}

// Types lists registered connector types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// LogConnector writes each operation to the log and touches nothing else.
type LogConnector struct{}

func (LogConnector) Type() string { return "log" }

func (LogConnector) Dispatch(_ context.Context, operation string, payload ir.Object, opts Options) (Result, error) {
	slog.Info("log connector dispatch", "operation", operation, "payload", payload, "dry_run", opts.DryRun)
	return Result{Success: true, Detail: ir.Object{
		"operation": ir.String(operation),
		"logged":    ir.Bool(!opts.DryRun),
	}}, nil
}

// FuncConnector adapts a function to Connector.
type FuncConnector struct {
	Name string
	Fn   func(ctx context.Context, operation string, payload ir.Object, opts Options) (Result, error)
}

func (f FuncConnector) Type() string { return f.Name }

func (f FuncConnector) Dispatch(ctx context.Context, operation string, payload ir.Object, opts Options) (Result, error) {
	return f.Fn(ctx, operation, payload, opts)
}
