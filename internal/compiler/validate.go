package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/warden/internal/ir"
)

// Validation error codes.
const (
	ErrTemplateNoSteps    = "E101" // a template must name at least one step
	ErrTemplateOrder      = "E102" // step orders start at 1
	ErrTemplateRole       = "E103" // every step needs a role
	ErrTemplateDuplicate  = "E104" // one template per (form, tenant)
	ErrTemplateUnbound    = "E105" // a step role nobody holds can never be decided
	ErrBindingEmpty       = "E110" // bindings need tenant, user and role
	ErrGrantEmpty         = "E111" // grants need role and action
)

// ValidationError is a policy rule violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled bundle and returns every violation found.
func Validate(b *ir.PolicyBundle) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	held := map[string]bool{}
	for i, bd := range b.Bindings {
		if bd.TenantID == "" || bd.UserID == "" || bd.Role == "" {
			add(ErrBindingEmpty, fmt.Sprintf("binding[%d]", i), "tenant, user and role are required")
			continue
		}
		held[bd.Role] = true
	}

	for i, g := range b.Grants {
		if g.Role == "" || g.Action == "" {
			add(ErrGrantEmpty, fmt.Sprintf("grant[%d]", i), "role and action are required")
		}
	}

	seen := map[string]bool{}
	for _, t := range b.Templates {
		field := "template." + t.FormKey
		key := t.FormKey + "\x00" + t.TenantID
		if seen[key] {
			add(ErrTemplateDuplicate, field, "duplicate template for tenant %q", t.TenantID)
		}
		seen[key] = true

		if len(t.Steps) == 0 {
			add(ErrTemplateNoSteps, field, "at least one step is required")
		}
		var unbound []string
		for i, st := range t.Steps {
			if st.Order < 1 {
				add(ErrTemplateOrder, fmt.Sprintf("%s.steps[%d]", field, i), "order must be at least 1, got %d", st.Order)
			}
			if st.RequiredRole == "" {
				add(ErrTemplateRole, fmt.Sprintf("%s.steps[%d]", field, i), "role is required")
				continue
			}
			if !held[st.RequiredRole] && !slices.Contains(unbound, st.RequiredRole) {
				unbound = append(unbound, st.RequiredRole)
			}
		}
		for _, r := range unbound {
			add(ErrTemplateUnbound, field, "no user holds role %q", r)
		}
	}
	return errs
}
