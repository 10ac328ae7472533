package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/engine"
)

// DecideOptions holds flags for the decide command.
type DecideOptions struct {
	*RootOptions
	Actor  string
	Reject bool
	Note   string
	Step   string
}

// NewDecideCommand creates the decide command.
func NewDecideCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DecideOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Approve or reject a pending approval",
		Long: `Record a decision on a pending approval.

On a chain, the decision applies to the open step whose role the actor holds
(or the step named with --step). The approval is approved once every required
step is, and rejected as soon as any step is.

Example:
  warden decide 01J... --actor alice
  warden decide 01J... --actor bob --reject --note "not this week"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "deciding user (required)")
	cmd.Flags().BoolVar(&opts.Reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&opts.Note, "note", "", "decision note")
	cmd.Flags().StringVar(&opts.Step, "step", "", "chain step id to decide")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func runDecide(opts *DecideOptions, approvalID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	updated, err := a.engine.Decide(cmd.Context(), engine.Decision{
		ApprovalID: approvalID,
		ActorID:    opts.Actor,
		Approve:    !opts.Reject,
		Note:       opts.Note,
		StepID:     opts.Step,
	})
	if err != nil {
		return formatter.Fail("decision refused", err)
	}
	return formatter.Result(describeApproval(updated), updated)
}

// CancelOptions holds flags for the cancel command.
type CancelOptions struct {
	*RootOptions
	Actor string
	Note  string
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel <approval-id>",
		Short: "Withdraw an approval before it is dispatched",
		Long: `Reject a pending or approved approval so it can never be dispatched.
The operator who submitted it may always cancel; anyone else needs the
approval.cancel grant.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "cancelling user (required)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "cancellation note")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func runCancel(opts *CancelOptions, approvalID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	updated, err := a.engine.Cancel(cmd.Context(), approvalID, opts.Actor, opts.Note)
	if err != nil {
		return formatter.Fail("cancel refused", err)
	}
	return formatter.Result(describeApproval(updated), updated)
}
