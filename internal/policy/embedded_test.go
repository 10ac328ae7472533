package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/testutil"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st := testutil.OpenStore(t)
	err := st.ReplacePolicy(context.Background(), ir.PolicyBundle{
		Bindings: []ir.RoleBinding{
			{TenantID: "ws-1", UserID: "alice", Role: "finance"},
			{TenantID: "*", UserID: "root", Role: "admin"},
		},
		Grants: []ir.Grant{
			{TenantID: "*", Role: "admin", Action: "deploy", ResourceType: "*"},
			{TenantID: "ws-1", Role: "finance", Action: "refund", ResourceType: "invoice"},
		},
		Templates: []ir.ChainTemplate{
			{
				FormKey:  "refund",
				TenantID: "*",
				Steps:    []ir.TemplateStep{{Order: 1, RequiredRole: "finance", Label: "Finance"}},
				Timeout:  24 * time.Hour,
			},
		},
	})
	require.NoError(t, err)
	return st
}

func TestEmbeddedCheckAuthorization(t *testing.T) {
	p := NewEmbedded(seededStore(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		allowed bool
	}{
		{"granted role", Request{UserID: "alice", Action: "refund", ResourceType: "invoice", TenantID: "ws-1"}, true},
		{"wrong resource type", Request{UserID: "alice", Action: "refund", ResourceType: "order", TenantID: "ws-1"}, false},
		{"other tenant", Request{UserID: "alice", Action: "refund", ResourceType: "invoice", TenantID: "ws-2"}, false},
		{"wildcard binding and grant", Request{UserID: "root", Action: "deploy", ResourceType: "service", TenantID: "ws-9"}, true},
		{"unknown user", Request{UserID: "mallory", Action: "deploy", ResourceType: "service", TenantID: "ws-1"}, false},
		{"holds step role", Request{UserID: "alice", Action: ActionDecideStep, ResourceType: ResourceRole, ResourceID: "finance", TenantID: "ws-1"}, true},
		{"lacks step role", Request{UserID: "alice", Action: ActionDecideStep, ResourceType: ResourceRole, ResourceID: "legal", TenantID: "ws-1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := p.CheckAuthorization(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.allowed {
				assert.Equal(t, "user:"+tt.req.UserID, d.DelegationChain[0])
			} else {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestEmbeddedChainTemplate(t *testing.T) {
	p := NewEmbedded(seededStore(t))
	ctx := context.Background()

	tmpl, err := p.GetChainTemplate(ctx, "refund", "ws-1", nil)
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	assert.True(t, tmpl.Governed())
	assert.Equal(t, 24*time.Hour, tmpl.Timeout)

	tmpl, err = p.GetChainTemplate(ctx, "unknown", "ws-1", nil)
	require.NoError(t, err)
	assert.Nil(t, tmpl)

	tmpl, err = p.GetChainTemplate(ctx, "", "ws-1", nil)
	require.NoError(t, err)
	assert.Nil(t, tmpl)
}

func TestEmbeddedWriteAuditEventIsIdempotent(t *testing.T) {
	st := seededStore(t)
	p := NewEmbedded(st)
	ctx := context.Background()

	ev := ir.AuditEvent{
		EventID: "e1", Timestamp: testutil.Epoch, ActorID: "alice",
		Action: "approval.requested", ResourceType: "approval", ResourceID: "a1",
		TenantID: "ws-1", Outcome: ir.OutcomeSuccess,
	}
	require.NoError(t, p.WriteAuditEvent(ctx, ev))
	require.NoError(t, p.WriteAuditEvent(ctx, ev))

	events, err := st.QueryAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOpenSelectsProvider(t *testing.T) {
	st := testutil.OpenStore(t)

	p, err := Open(Options{Mode: ModeEmbedded, Store: st})
	require.NoError(t, err)
	assert.IsType(t, &instrumented{}, p)

	_, err = Open(Options{Mode: ModeRemote})
	assert.Error(t, err, "remote without url")

	p, err = Open(Options{Mode: ModeRemote, Remote: RemoteConfig{URL: "http://authority", Secret: "s"}})
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = Open(Options{Mode: "ldap"})
	assert.Error(t, err)
}
