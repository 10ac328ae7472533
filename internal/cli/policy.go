package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/store"
)

// PolicySummary describes a compiled policy bundle.
type PolicySummary struct {
	Dir       string `json:"dir"`
	Files     int    `json:"files"`
	Templates int    `json:"templates"`
	Bindings  int    `json:"bindings"`
	Grants    int    `json:"grants"`
	Loaded    bool   `json:"loaded"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Compile, validate and load CUE policy",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyLoadCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy-dir>",
		Short: "Check a policy directory without loading it",
		Long: `Compile the CUE chain templates, role bindings and grants in a directory
and report every error found. Nothing is written.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicy(rootOpts, args[0], false, cmd)
		},
	}
}

func newPolicyLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <policy-dir>",
		Short: "Replace the embedded policy with a policy directory",
		Long: `Compile and validate a CUE policy directory, then atomically replace the
embedded provider's templates, bindings and grants with it.

Example:
  warden policy load ./policy
  warden policy load --db /var/lib/warden.db ./policy`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicy(rootOpts, args[0], true, cmd)
		},
	}
}

func runPolicy(opts *RootOptions, dir string, load bool, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	result, loadErrs := LoadPolicy(dir, LoadModeCollectAll)
	if result == nil {
		var loadErr *LoadError
		if errors.As(loadErrs[0], &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			return WrapExitError(ExitCommandError, loadErr.Code, loadErr)
		}
		return formatter.Fail("policy load failed", loadErrs[0])
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", result.FileCount, dir)

	if len(loadErrs) > 0 {
		msgs := make([]string, len(loadErrs))
		for i, err := range loadErrs {
			msgs[i] = err.Error()
		}
		if formatter.Format == "json" {
			_ = formatter.Error(ErrCodeCompile, "policy is invalid", msgs)
		} else {
			fmt.Fprintf(formatter.Writer, "Policy invalid (%d error(s)):\n  %s\n", len(msgs), strings.Join(msgs, "\n  "))
		}
		return NewExitError(ExitFailure, "policy validation failed")
	}

	b := result.Bundle
	summary := PolicySummary{
		Dir:       dir,
		Files:     result.FileCount,
		Templates: len(b.Templates),
		Bindings:  len(b.Bindings),
		Grants:    len(b.Grants),
	}

	if load {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		if err := st.ReplacePolicy(cmd.Context(), *b); err != nil {
			return formatter.Fail("failed to load policy", err)
		}
		summary.Loaded = true
	}

	verb := "valid"
	if summary.Loaded {
		verb = "loaded"
	}
	text := fmt.Sprintf("✓ Policy %s: %d template(s), %d binding(s), %d grant(s)\n",
		verb, summary.Templates, summary.Bindings, summary.Grants)
	return formatter.Result(text, summary)
}
