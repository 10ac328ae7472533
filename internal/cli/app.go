package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/roach88/warden/internal/config"
	"github.com/roach88/warden/internal/dispatch"
	"github.com/roach88/warden/internal/engine"
	"github.com/roach88/warden/internal/idempotency"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/tracing"
)

// app is the wired runtime behind a command.
type app struct {
	cfg      *config.Config
	store    *store.Store
	provider policy.Provider
	engine   *engine.Engine
}

// settings returns the layered configuration source, creating it for
// commands built outside NewRootCommand.
func (o *RootOptions) settings() *viper.Viper {
	if o.Viper == nil {
		o.Viper = config.New()
	}
	return o.Viper
}

// loadConfig decodes and validates the layered configuration.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.settings())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// open loads configuration and wires store, provider and engine.
func (o *RootOptions) open() (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Tracing.Output != "" {
		if err := tracing.Init(Version, cfg.Tracing.Output); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to start tracing", err)
		}
	}

	slog.Debug("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	provider, err := policy.Open(policyOptions(cfg, st))
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open policy provider", err)
	}
	slog.Debug("policy provider ready", "mode", cfg.Policy.Mode)

	eng := engine.New(st, provider, connectors(), engine.WithConfig(engineConfig(cfg)))
	return &app{cfg: cfg, store: st, provider: provider, engine: eng}, nil
}

func (a *app) Close() {
	if err := tracing.Shutdown(context.Background()); err != nil {
		slog.Warn("error flushing spans", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// connectors is the registry plans dispatch through.
func connectors() *dispatch.Registry {
	return dispatch.NewRegistry(dispatch.LogConnector{})
}

func policyOptions(cfg *config.Config, st *store.Store) policy.Options {
	return policy.Options{
		Mode:  policy.Mode(cfg.Policy.Mode),
		Store: st,
		Remote: policy.RemoteConfig{
			URL:     cfg.Policy.Remote.URL,
			Secret:  cfg.Policy.Remote.Secret,
			Timeout: cfg.Policy.Remote.Timeout,
			Retries: cfg.Policy.Remote.Retries,
		},
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		ApprovalTTL:   cfg.Approval.TTL,
		SweepInterval: cfg.Sweep.Interval,
		SweepBatch:    cfg.Sweep.Batch,
		Idempotency: idempotency.Config{
			FastWindow:  cfg.Idempotency.FastWindow,
			Retention:   cfg.Idempotency.Retention,
			WaitTimeout: cfg.Idempotency.WaitTimeout,
			PollInitial: cfg.Idempotency.PollInitial,
			PollMax:     cfg.Idempotency.PollMax,
			Lease:       cfg.Idempotency.Lease,
			Heartbeat:   cfg.Idempotency.Heartbeat,
		},
		Dispatch: dispatch.Config{
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			InitialBackoff: cfg.Dispatch.BackoffInitial,
			MaxBackoff:     cfg.Dispatch.BackoffMax,
			CallTimeout:    cfg.Dispatch.CallTimeout,
		},
	}
}
