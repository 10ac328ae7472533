// Package compiler turns CUE policy definitions into an ir.PolicyBundle
// for the embedded policy provider.
//
// A policy directory declares three top-level structs:
//
//	template: deploy: {
//		tenant:              "*"      // optional, default "*"
//		timeout:             "72h"    // optional
//		requireAllApprovals: true     // optional, default true
//		steps: [
//			{order: 1, role: "eng", label: "Engineering"},
//			{order: 1, role: "sec", label: "Security"},
//			{order: 2, role: "rm", label: "Release manager"},
//		]
//	}
//
//	binding: "ws-1": alice: ["eng"]            // tenant -> user -> roles
//
//	grant: admin: [{action: "approval.decide", resource: "*"}]
//
// A template label is its form key unless the template sets form, which
// allows one form to carry per-tenant variants.
package compiler

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/warden/internal/ir"
)

// CompileTemplate parses one template struct. The form key defaults to the
// struct's label.
func CompileTemplate(v cue.Value) (*ir.ChainTemplate, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	tmpl := &ir.ChainTemplate{
		TenantID:            ir.WildcardTenant,
		RequireAllApprovals: true,
	}
	if labels := v.Path().Selectors(); len(labels) > 0 {
		tmpl.FormKey = unquote(labels[len(labels)-1])
	}

	var err error
	if tmpl.FormKey, err = optionalString(v, "form", tmpl.FormKey); err != nil {
		return nil, err
	}
	if tmpl.TenantID, err = optionalString(v, "tenant", tmpl.TenantID); err != nil {
		return nil, err
	}

	if t := v.LookupPath(cue.ParsePath("timeout")); t.Exists() {
		s, err := t.String()
		if err != nil {
			return nil, &CompileError{Field: "timeout", Message: "must be a duration string such as \"72h\"", Pos: t.Pos()}
		}
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, &CompileError{Field: "timeout", Message: fmt.Sprintf("invalid duration %q", s), Pos: t.Pos()}
		}
		tmpl.Timeout = d
	}

	if r := v.LookupPath(cue.ParsePath("requireAllApprovals")); r.Exists() {
		b, err := r.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		tmpl.RequireAllApprovals = b
	}

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return nil, &CompileError{Field: "steps", Message: "steps is required", Pos: v.Pos()}
	}
	iter, err := stepsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		step, err := compileStep(iter.Value())
		if err != nil {
			return nil, err
		}
		tmpl.Steps = append(tmpl.Steps, step)
	}
	return tmpl, nil
}

func compileStep(v cue.Value) (ir.TemplateStep, error) {
	var step ir.TemplateStep

	orderVal := v.LookupPath(cue.ParsePath("order"))
	if !orderVal.Exists() {
		return step, &CompileError{Field: "steps.order", Message: "order is required", Pos: v.Pos()}
	}
	if k := orderVal.IncompleteKind(); k == cue.FloatKind || k == cue.NumberKind {
		return step, &CompileError{Field: "steps.order", Message: "order must be an integer", Pos: orderVal.Pos()}
	}
	order, err := orderVal.Int64()
	if err != nil {
		return step, formatCUEError(err)
	}
	step.Order = int(order)

	roleVal := v.LookupPath(cue.ParsePath("role"))
	if !roleVal.Exists() {
		return step, &CompileError{Field: "steps.role", Message: "role is required", Pos: v.Pos()}
	}
	if step.RequiredRole, err = roleVal.String(); err != nil {
		return step, formatCUEError(err)
	}

	if step.Label, err = optionalString(v, "label", step.RequiredRole); err != nil {
		return step, err
	}
	return step, nil
}

func optionalString(v cue.Value, field, def string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return def, nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// unquote returns a selector's label without CUE quoting, so that
// `"ws-1"` becomes ws-1.
func unquote(sel cue.Selector) string {
	if sel.LabelType() == cue.StringLabel {
		return sel.Unquoted()
	}
	return sel.String()
}

// CompileError is a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
