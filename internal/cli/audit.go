package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/audit"
	"github.com/roach88/warden/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	ResourceType string
	ResourceID   string
	Actor        string
	Tenant       string
	Action       string
	Since        time.Duration
	Limit        int
	Verify       bool
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query or verify the audit ledger",
		Long: `Print ledger events in order, optionally filtered.

With --verify, recompute the hash chain over the whole ledger instead and
exit 1 if any link is broken.

Example:
  warden audit --resource-id 01J... --format json
  warden audit --action dispatch.conflict --since 24h
  warden audit --verify`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Verify {
				return runAuditVerify(opts, cmd)
			}
			return runAudit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ResourceType, "resource-type", "", "only events about this resource type")
	cmd.Flags().StringVar(&opts.ResourceID, "resource-id", "", "only events about this resource")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "only events by this actor")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "only events in this tenant")
	cmd.Flags().StringVar(&opts.Action, "action", "", "only events with this action")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events to print (0 for all)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "verify the hash chain instead of querying")

	return cmd
}

func runAudit(opts *AuditOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	f := store.AuditFilter{
		ResourceType: opts.ResourceType,
		ResourceID:   opts.ResourceID,
		ActorID:      opts.Actor,
		TenantID:     opts.Tenant,
		Action:       opts.Action,
		Limit:        opts.Limit,
	}
	if opts.Since > 0 {
		f.Since = time.Now().Add(-opts.Since)
	}
	events, err := a.engine.Ledger().Query(cmd.Context(), f)
	if err != nil {
		return formatter.Fail("audit query failed", err)
	}

	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "#%-5d %s  %-22s %-8s %s/%s by %s\n",
			ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Action, ev.Outcome, ev.ResourceType, ev.ResourceID, ev.ActorID)
	}
	fmt.Fprintf(&b, "%d event(s)\n", len(events))
	return formatter.Result(b.String(), events)
}

func runAuditVerify(opts *AuditOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.Ledger().Verify(cmd.Context())
	if err != nil && !errors.Is(err, audit.ErrChainBroken) {
		return formatter.Fail("audit verification failed", err)
	}

	var text string
	if rep.OK {
		text = fmt.Sprintf("✓ Audit chain intact: %d event(s), head %s\n", rep.Checked, shortHash(rep.Head))
	} else {
		text = fmt.Sprintf("✗ Audit chain broken at seq %d: %s\n", rep.BrokenAt, rep.Reason)
	}
	if err := formatter.Result(text, rep); err != nil {
		return err
	}
	if !rep.OK {
		return WrapExitError(ExitFailure, "audit chain broken", audit.ErrChainBroken)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "(empty)"
	}
	return h
}
