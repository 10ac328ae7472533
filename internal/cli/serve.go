package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/warden/internal/metrics"
	"github.com/roach88/warden/internal/store"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the expiry sweeper and the metrics endpoint",
		Long: `Run the background expiry sweeper until interrupted.

Pending approvals past their expiry are moved to expired and idempotency
records past retention are pruned every sweep.interval. When metrics.addr is
set, /metrics and /healthz are served there.

Example:
  warden serve --db ./warden.db
  WARDEN_METRICS_ADDR=:9090 warden serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	cmd.Flags().String("metrics-addr", "", "serve /metrics on this address (overrides metrics.addr)")
	_ = rootOpts.settings().BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(ctx)
	})
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return serveOps(ctx, addr, a.store)
		})
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Sweeper started. Press Ctrl-C to stop.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitCommandError, "serve failed", err)
	}
	slog.Info("stopped gracefully")
	return nil
}

// serveOps serves metrics and health on addr until ctx is done.
func serveOps(ctx context.Context, addr string, st *store.Store) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM, or when parent is.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approvals once and exit",
		Long: `Run one expiry sweep: move pending approvals past their expiry to expired
and prune idempotency records past retention. Suitable for cron.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			a, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.engine.Sweep(cmd.Context())
			if err != nil {
				return formatter.Fail("sweep failed", err)
			}
			text := fmt.Sprintf("✓ Swept: %d expired, %d idempotency record(s) pruned\n", rep.Expired, rep.Pruned)
			return formatter.Result(text, rep)
		},
	}
}
