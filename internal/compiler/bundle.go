package compiler

import (
	"fmt"
	"slices"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/warden/internal/ir"
)

// CompileBundle compiles every template, binding and grant under v. All
// errors are collected; the bundle holds whatever compiled cleanly.
// Bindings and grants are returned in label order so that equal sources
// give equal bundles.
func CompileBundle(v cue.Value) (*ir.PolicyBundle, []error) {
	bundle := &ir.PolicyBundle{}
	var errs []error

	if tv := v.LookupPath(cue.ParsePath("template")); tv.Exists() {
		iter, err := tv.Fields()
		if err != nil {
			errs = append(errs, formatCUEError(err))
		} else {
			for iter.Next() {
				tmpl, err := CompileTemplate(iter.Value())
				if err != nil {
					errs = append(errs, fmt.Errorf("template.%s: %w", iter.Selector(), err))
					continue
				}
				bundle.Templates = append(bundle.Templates, *tmpl)
			}
		}
	}

	if bv := v.LookupPath(cue.ParsePath("binding")); bv.Exists() {
		bindings, err := CompileBindings(bv)
		if err != nil {
			errs = append(errs, err)
		}
		bundle.Bindings = bindings
	}

	if gv := v.LookupPath(cue.ParsePath("grant")); gv.Exists() {
		grants, err := CompileGrants(gv)
		if err != nil {
			errs = append(errs, err)
		}
		bundle.Grants = grants
	}

	return bundle, errs
}

// CompileBindings parses tenant -> user -> [roles].
func CompileBindings(v cue.Value) ([]ir.RoleBinding, error) {
	var out []ir.RoleBinding
	tenants, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for tenants.Next() {
		tenant := unquote(tenants.Selector())
		users, err := tenants.Value().Fields()
		if err != nil {
			return out, formatCUEError(err)
		}
		for users.Next() {
			user := unquote(users.Selector())
			roles, err := stringList(users.Value(), "binding."+tenant+"."+user)
			if err != nil {
				return out, err
			}
			for _, r := range roles {
				out = append(out, ir.RoleBinding{TenantID: tenant, UserID: user, Role: r})
			}
		}
	}
	slices.SortStableFunc(out, func(a, b ir.RoleBinding) int {
		return strings.Compare(a.TenantID+"\x00"+a.UserID+"\x00"+a.Role, b.TenantID+"\x00"+b.UserID+"\x00"+b.Role)
	})
	return out, nil
}

// CompileGrants parses role -> [{action, resource, tenant}]. resource and
// tenant default to "*".
func CompileGrants(v cue.Value) ([]ir.Grant, error) {
	var out []ir.Grant
	roles, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for roles.Next() {
		role := unquote(roles.Selector())
		list, err := roles.Value().List()
		if err != nil {
			return out, formatCUEError(err)
		}
		for list.Next() {
			g := ir.Grant{Role: role}
			item := list.Value()
			if !item.LookupPath(cue.ParsePath("action")).Exists() {
				return out, &CompileError{Field: "grant." + role + ".action", Message: "action is required", Pos: item.Pos()}
			}
			if g.Action, err = optionalString(item, "action", ""); err != nil {
				return out, err
			}
			if g.ResourceType, err = optionalString(item, "resource", ir.WildcardTenant); err != nil {
				return out, err
			}
			if g.TenantID, err = optionalString(item, "tenant", ir.WildcardTenant); err != nil {
				return out, err
			}
			out = append(out, g)
		}
	}
	return out, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "must be a list of role names", Pos: v.Pos()}
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}
