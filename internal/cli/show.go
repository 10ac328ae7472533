package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/chain"
	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	ByRequest bool
	History   bool
}

// ApprovalView is the JSON form of show.
type ApprovalView struct {
	*ir.ApprovalRequest
	AwaitingRoles []string        `json:"awaiting_roles,omitempty"`
	History       []ir.AuditEvent `json:"history,omitempty"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "show <approval-id>",
		Short:         "Show an approval, its chain and the roles it awaits",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ByRequest, "request", false, "look up by request id instead of approval id")
	cmd.Flags().BoolVar(&opts.History, "history", false, "include the approval's audit history")

	return cmd
}

func runShow(opts *ShowOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	approvals := a.engine.Approvals()
	var req *ir.ApprovalRequest
	if opts.ByRequest {
		req, err = approvals.GetByRequestID(cmd.Context(), id)
	} else {
		req, err = approvals.Get(cmd.Context(), id)
	}
	if err != nil {
		return formatter.Fail("lookup failed", err)
	}

	view := ApprovalView{ApprovalRequest: req}
	if req.Status == ir.StatusPending {
		view.AwaitingRoles = chain.OpenRoles(req.Steps)
	}
	if opts.History {
		view.History, err = a.engine.Ledger().History(cmd.Context(), req.ID)
		if err != nil {
			return formatter.Fail("history lookup failed", err)
		}
	}

	text := describeApproval(req)
	if len(view.AwaitingRoles) > 0 {
		text += fmt.Sprintf("  Awaiting: %s\n", strings.Join(view.AwaitingRoles, ", "))
	}
	for _, ev := range view.History {
		text += fmt.Sprintf("  #%d %s %s by %s (%s)\n", ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Action, ev.ActorID, ev.Outcome)
	}
	return formatter.Result(text, view)
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status    string
	Workspace string
	Limit     int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		Long: `List approvals oldest first.

Example:
  warden list --status pending
  warden list --workspace ws-1 --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only approvals in this status")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "only approvals in this workspace")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum approvals to list (0 for all)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.engine.Approvals().List(cmd.Context(), store.ApprovalFilter{
		Status:      ir.ApprovalStatus(opts.Status),
		WorkspaceID: opts.Workspace,
		Limit:       opts.Limit,
	})
	if err != nil {
		return formatter.Fail("list failed", err)
	}

	var b strings.Builder
	if len(list) == 0 {
		b.WriteString("No approvals found.\n")
	}
	for _, r := range list {
		fmt.Fprintf(&b, "%s  %-15s  %-12s  %s  op=%s\n", r.ID, r.Status, r.ActionIntent, r.CreatedAt.Format(time.RFC3339), r.OperatorID)
	}
	return formatter.Result(b.String(), list)
}

func describeApproval(a *ir.ApprovalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval %s\n", a.ID)
	fmt.Fprintf(&b, "  Status:   %s\n", a.Status)
	fmt.Fprintf(&b, "  Intent:   %s\n", a.ActionIntent)
	fmt.Fprintf(&b, "  Operator: %s\n", a.OperatorID)
	if a.WorkspaceID != "" {
		fmt.Fprintf(&b, "  Workspace: %s\n", a.WorkspaceID)
	}
	if a.ApproverID != "" {
		fmt.Fprintf(&b, "  Decided:  %s", a.ApproverID)
		if a.DecisionNote != "" {
			fmt.Fprintf(&b, " (%s)", a.DecisionNote)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  Expires:  %s\n", a.ExpiresAt.Format(time.RFC3339))
	for _, st := range a.Steps {
		fmt.Fprintf(&b, "    [%d] %-10s %-9s", st.Order, st.RequiredRole, st.Status)
		if st.DecidedBy != "" {
			fmt.Fprintf(&b, " by %s", st.DecidedBy)
		}
		b.WriteString("\n")
	}
	return b.String()
}
