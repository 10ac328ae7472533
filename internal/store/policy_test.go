package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/roach88/warden/internal/ir"
)

func testBundle() ir.PolicyBundle {
	return ir.PolicyBundle{
		Bindings: []ir.RoleBinding{
			{TenantID: "ws-1", UserID: "alice", Role: "lead"},
			{TenantID: "*", UserID: "alice", Role: "auditor"},
			{TenantID: "ws-2", UserID: "alice", Role: "owner"},
		},
		Grants: []ir.Grant{
			{TenantID: "ws-1", Role: "lead", Action: "deploy", ResourceType: "service"},
			{TenantID: "*", Role: "auditor", Action: "audit.read", ResourceType: "*"},
		},
		Templates: []ir.ChainTemplate{
			{FormKey: "deploy", TenantID: "*", Steps: []ir.TemplateStep{{Order: 1, RequiredRole: "lead", Label: "Lead"}}, RequireAllApprovals: true},
			{FormKey: "deploy", TenantID: "ws-1", Steps: []ir.TemplateStep{{Order: 1, RequiredRole: "sre"}}, Timeout: 2 * time.Hour},
		},
	}
}

func TestRolesFor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.ReplacePolicy(ctx, testBundle()); err != nil {
		t.Fatalf("ReplacePolicy() failed: %v", err)
	}

	roles, err := s.RolesFor(ctx, "ws-1", "alice")
	if err != nil {
		t.Fatalf("RolesFor() failed: %v", err)
	}
	if !reflect.DeepEqual(roles, []string{"auditor", "lead"}) {
		t.Errorf("roles = %v", roles)
	}
}

func TestGrantingRole(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.ReplacePolicy(ctx, testBundle()); err != nil {
		t.Fatalf("ReplacePolicy() failed: %v", err)
	}

	tests := []struct {
		tenant, action, resource string
		roles                    []string
		want                     string
	}{
		{"ws-1", "deploy", "service", []string{"lead"}, "lead"},
		{"ws-2", "deploy", "service", []string{"lead"}, ""},
		{"ws-9", "audit.read", "approval", []string{"auditor", "lead"}, "auditor"},
		{"ws-1", "deploy", "service", nil, ""},
	}
	for _, tt := range tests {
		got, err := s.GrantingRole(ctx, tt.tenant, tt.roles, tt.action, tt.resource)
		if err != nil {
			t.Fatalf("GrantingRole() failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("GrantingRole(%s, %v, %s) = %q, want %q", tt.tenant, tt.roles, tt.action, got, tt.want)
		}
	}
}

func TestGetChainTemplatePrefersTenant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.ReplacePolicy(ctx, testBundle()); err != nil {
		t.Fatalf("ReplacePolicy() failed: %v", err)
	}

	tmpl, err := s.GetChainTemplate(ctx, "deploy", "ws-1")
	if err != nil {
		t.Fatalf("GetChainTemplate() failed: %v", err)
	}
	if tmpl.TenantID != "ws-1" || tmpl.Timeout != 2*time.Hour || tmpl.RequireAllApprovals {
		t.Errorf("tenant template = %+v", tmpl)
	}

	fallback, err := s.GetChainTemplate(ctx, "deploy", "ws-7")
	if err != nil {
		t.Fatalf("GetChainTemplate() fallback failed: %v", err)
	}
	if fallback.TenantID != "*" || fallback.Steps[0].Label != "Lead" || !fallback.RequireAllApprovals {
		t.Errorf("fallback template = %+v", fallback)
	}

	if _, err := s.GetChainTemplate(ctx, "unknown", "ws-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown template error = %v, want ErrNotFound", err)
	}
}

func TestReplacePolicyClearsPrevious(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.ReplacePolicy(ctx, testBundle()); err != nil {
		t.Fatalf("ReplacePolicy() failed: %v", err)
	}
	if err := s.ReplacePolicy(ctx, ir.PolicyBundle{}); err != nil {
		t.Fatalf("ReplacePolicy(empty) failed: %v", err)
	}
	roles, err := s.RolesFor(ctx, "ws-1", "alice")
	if err != nil || len(roles) != 0 {
		t.Fatalf("roles after replace = %v, %v", roles, err)
	}
}
