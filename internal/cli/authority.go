package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/authority"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/store"
)

// NewAuthorityCommand creates the authority command group.
func NewAuthorityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Serve the local policy to remote warden instances",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve authorization, chain templates and audit intake over HTTP",
		Long: `Answer the remote policy provider's requests from the embedded policy in
the local store. Requests must carry a bearer token signed with
policy.remote.secret; instances using this authority set policy.mode=remote
and the same secret.

Example:
  WARDEN_POLICY_REMOTE_SECRET=... warden authority serve --addr :8181`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthority(rootOpts, cmd)
		},
	}
	serve.Flags().String("addr", "", "listen address (overrides authority.addr)")
	_ = rootOpts.settings().BindPFlag("authority.addr", serve.Flags().Lookup("addr"))

	cmd.AddCommand(serve)
	return cmd
}

func runAuthority(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	srv, err := authority.New(policy.Instrument(policy.NewEmbedded(st)), cfg.Policy.Remote.Secret)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start authority", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Authority listening on %s. Press Ctrl-C to stop.\n", cfg.Authority.Addr)
	if err := srv.ListenAndServe(ctx, cfg.Authority.Addr); err != nil &&
		!errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "authority failed", err)
	}
	slog.Info("authority stopped gracefully")
	return nil
}
