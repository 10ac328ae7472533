package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/dispatch"
	"github.com/roach88/warden/internal/ir"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Actor string
}

// DispatchResult is the JSON form of a dispatch.
type DispatchResult struct {
	Approval *ir.ApprovalRequest `json:"approval"`
	Report   *dispatch.Report    `json:"report"`
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch <approval-id>",
		Short: "Execute an approved plan exactly once",
		Long: `Claim an approved approval and execute its plan through the registered
connectors. The plan hash is checked before the first step runs. Only one
caller across all processes can claim an approval; the rest get CONFLICT.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "dispatching user (required)")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func runDispatch(opts *DispatchOptions, approvalID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.open()
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.engine.Dispatch(cmd.Context(), approvalID, opts.Actor)
	if err != nil {
		return formatter.Fail("dispatch refused", err)
	}

	res := DispatchResult{Approval: out.Approval, Report: out.Report}
	if err := formatter.Result(describeReport(out.Approval, out.Report), res); err != nil {
		return err
	}
	if !out.Succeeded() {
		return WrapExitError(ExitFailure, "dispatch failed", out.Err)
	}
	return nil
}

func describeReport(a *ir.ApprovalRequest, rep *dispatch.Report) string {
	var b strings.Builder
	if rep.Success {
		fmt.Fprintf(&b, "✓ Dispatched %s (%d step(s))\n", a.ID, len(rep.Steps))
	} else {
		fmt.Fprintf(&b, "✗ Dispatch of %s failed at step %d [%s]: %s\n", a.ID, rep.FailedStep, rep.Code, rep.Cause)
	}
	for _, s := range rep.Steps {
		fmt.Fprintf(&b, "  %d. %s.%s  %s (attempts=%d)\n", s.Index, s.Connector, s.Operation, s.Status, s.Attempts)
	}
	return b.String()
}
