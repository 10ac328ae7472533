package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/engine"
	"github.com/roach88/warden/internal/ir"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	RequestID    string
	Intent       string
	Form         string
	Workspace    string
	Operator     string
	ResourceType string
	ResourceID   string
	Plan         string
	PlanFile     string
	Context      string
	DryRun       bool
}

// SubmitResult is the JSON form of an evaluation outcome.
type SubmitResult struct {
	Kind            engine.Kind         `json:"kind"`
	Replayed        bool                `json:"replayed,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	DelegationChain []string            `json:"delegation_chain,omitempty"`
	Approval        *ir.ApprovalRequest `json:"approval,omitempty"`
	Result          ir.Object           `json:"result,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an action for authorization and approval",
		Long: `Submit an action intent with its execution plan.

The operator is authorized against policy first. A governed action creates a
pending approval; an ungoverned one executes immediately. Resubmitting with the
same request id returns the original outcome.

Example:
  warden submit --request-id r-1 --intent deploy --form deploy \
    --workspace ws-1 --operator op-1 --plan-file plan.json
  warden submit --request-id r-2 --intent notify --operator op-1 \
    --plan '{"steps":[{"connector":"log","operation":"ping","payload":{}}]}' --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "caller-chosen id that deduplicates retries (required)")
	cmd.Flags().StringVar(&opts.Intent, "intent", "", "action intent, e.g. deploy (required)")
	cmd.Flags().StringVar(&opts.Form, "form", "", "chain template form key (defaults to the intent)")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace (tenant) id")
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "submitting user (required)")
	cmd.Flags().StringVar(&opts.ResourceType, "resource-type", "", "target resource type")
	cmd.Flags().StringVar(&opts.ResourceID, "resource-id", "", "target resource id")
	cmd.Flags().StringVar(&opts.Plan, "plan", "", "execution plan as JSON")
	cmd.Flags().StringVar(&opts.PlanFile, "plan-file", "", "read the execution plan from a file (- for stdin)")
	cmd.Flags().StringVar(&opts.Context, "context", "{}", "template lookup context as JSON")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "preview the plan without side effects")
	_ = cmd.MarkFlagRequired("request-id")
	_ = cmd.MarkFlagRequired("intent")
	_ = cmd.MarkFlagRequired("operator")
	cmd.MarkFlagsMutuallyExclusive("plan", "plan-file")

	return cmd
}

func runSubmit(opts *SubmitOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	plan, err := readPlan(opts, cmd.InOrStdin())
	if err != nil {
		return formatter.Fail("invalid plan", ir.Wrap(ir.CodeInvalidArgument, err, "plan"))
	}
	attrs, err := ir.ParseObject([]byte(opts.Context))
	if err != nil {
		return formatter.Fail("invalid context", ir.Wrap(ir.CodeInvalidArgument, err, "context"))
	}

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	form := opts.Form
	if form == "" {
		form = opts.Intent
	}
	out, err := a.engine.Evaluate(cmd.Context(), engine.Submission{
		RequestID:    opts.RequestID,
		ActionIntent: opts.Intent,
		FormKey:      form,
		WorkspaceID:  opts.Workspace,
		OperatorID:   opts.Operator,
		ResourceType: opts.ResourceType,
		ResourceID:   opts.ResourceID,
		Plan:         plan,
		DryRun:       opts.DryRun,
		Context:      attrs,
	})
	if err != nil {
		return formatter.Fail("submission failed", err)
	}

	res := SubmitResult{
		Kind:            out.Kind,
		Replayed:        out.Replayed,
		Reason:          out.Reason,
		DelegationChain: out.DelegationChain,
		Approval:        out.Approval,
		Result:          out.Result,
	}
	if err := formatter.Result(describeOutcome(res), res); err != nil {
		return err
	}
	if out.Kind == engine.KindDenied {
		return NewExitError(ExitFailure, "denied: "+out.Reason)
	}
	return nil
}

func readPlan(opts *SubmitOptions, stdin io.Reader) (ir.Object, error) {
	var data []byte
	switch {
	case opts.PlanFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		data = b
	case opts.PlanFile != "":
		b, err := os.ReadFile(opts.PlanFile)
		if err != nil {
			return nil, err
		}
		data = b
	case opts.Plan != "":
		data = []byte(opts.Plan)
	default:
		return ir.Object{}, nil
	}
	return ir.ParseObject(data)
}

func describeOutcome(r SubmitResult) string {
	var b strings.Builder
	replay := ""
	if r.Replayed {
		replay = " (replayed)"
	}
	switch r.Kind {
	case engine.KindPending:
		fmt.Fprintf(&b, "⏳ Approval %s pending%s\n", r.Approval.ID, replay)
		fmt.Fprintf(&b, "  Status:   %s\n", r.Approval.Status)
		fmt.Fprintf(&b, "  Expires:  %s\n", r.Approval.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	case engine.KindDenied:
		fmt.Fprintf(&b, "✗ Denied%s: %s\n", replay, r.Reason)
	case engine.KindExecuted:
		if ok, _ := r.Result["success"].(ir.Bool); ok {
			fmt.Fprintf(&b, "✓ Executed%s\n", replay)
		} else {
			fmt.Fprintf(&b, "✗ Executed with failure%s: %s\n", replay, r.Result.Str("cause"))
		}
	case engine.KindPreviewed:
		fmt.Fprintf(&b, "✓ Previewed%s\n", replay)
	}
	if len(r.DelegationChain) > 0 {
		fmt.Fprintf(&b, "  Via:      %s\n", strings.Join(r.DelegationChain, " → "))
	}
	return b.String()
}
