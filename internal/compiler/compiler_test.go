package compiler

import (
	"testing"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/ir"
)

const policySource = `
template: deploy: {
	timeout: "72h"
	steps: [
		{order: 1, role: "eng", label: "Engineering"},
		{order: 1, role: "sec", label: "Security"},
		{order: 2, role: "rm"},
	]
}

template: "deploy-ws2": {
	form:                "deploy"
	tenant:              "ws-2"
	requireAllApprovals: false
	steps: [{order: 1, role: "eng"}]
}

binding: "ws-1": {
	alice: ["eng"]
	bob: ["sec", "eng"]
	carol: ["rm"]
}

grant: admin: [
	{action: "approval.decide"},
	{action: "approval.cancel", resource: "approval", tenant: "ws-1"},
]
`

func compile(t *testing.T, src string) cue.Value {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	return v
}

func TestCompileTemplate(t *testing.T) {
	v := compile(t, policySource)

	tmpl, err := CompileTemplate(v.LookupPath(cue.ParsePath("template.deploy")))
	require.NoError(t, err)
	assert.Equal(t, "deploy", tmpl.FormKey)
	assert.Equal(t, ir.WildcardTenant, tmpl.TenantID)
	assert.Equal(t, 72*time.Hour, tmpl.Timeout)
	assert.True(t, tmpl.RequireAllApprovals, "all-of is the default")
	require.Len(t, tmpl.Steps, 3)
	assert.Equal(t, ir.TemplateStep{Order: 2, RequiredRole: "rm", Label: "rm"}, tmpl.Steps[2])
}

func TestCompileTemplateVariant(t *testing.T) {
	v := compile(t, policySource)

	tmpl, err := CompileTemplate(v.LookupPath(cue.ParsePath(`template."deploy-ws2"`)))
	require.NoError(t, err)
	assert.Equal(t, "deploy", tmpl.FormKey)
	assert.Equal(t, "ws-2", tmpl.TenantID)
	assert.False(t, tmpl.RequireAllApprovals)
	assert.Zero(t, tmpl.Timeout)
}

func TestCompileTemplateErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"missing steps", `template: x: {timeout: "1h"}`, "steps"},
		{"missing role", `template: x: steps: [{order: 1}]`, "steps.role"},
		{"missing order", `template: x: steps: [{role: "a"}]`, "steps.order"},
		{"float order", `template: x: steps: [{order: 1.5, role: "a"}]`, "steps.order"},
		{"bad timeout", `template: x: {timeout: "soon", steps: [{order: 1, role: "a"}]}`, "timeout"},
		{"numeric timeout", `template: x: {timeout: 3600, steps: [{order: 1, role: "a"}]}`, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := compile(t, tt.src)
			_, err := CompileTemplate(v.LookupPath(cue.ParsePath("template.x")))
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileBundle(t *testing.T) {
	bundle, errs := CompileBundle(compile(t, policySource))
	require.Empty(t, errs)

	assert.Len(t, bundle.Templates, 2)
	assert.Equal(t, []ir.RoleBinding{
		{TenantID: "ws-1", UserID: "alice", Role: "eng"},
		{TenantID: "ws-1", UserID: "bob", Role: "eng"},
		{TenantID: "ws-1", UserID: "bob", Role: "sec"},
		{TenantID: "ws-1", UserID: "carol", Role: "rm"},
	}, bundle.Bindings)
	assert.Equal(t, []ir.Grant{
		{TenantID: "*", Role: "admin", Action: "approval.decide", ResourceType: "*"},
		{TenantID: "ws-1", Role: "admin", Action: "approval.cancel", ResourceType: "approval"},
	}, bundle.Grants)

	assert.Empty(t, Validate(bundle))
}

func TestCompileBundleCollectsErrors(t *testing.T) {
	bundle, errs := CompileBundle(compile(t, `
template: good: steps: [{order: 1, role: "a"}]
template: bad: steps: [{order: 1}]
grant: admin: [{resource: "x"}]
`))
	assert.Len(t, errs, 2)
	assert.Len(t, bundle.Templates, 1)
}

func TestValidate(t *testing.T) {
	bundle := &ir.PolicyBundle{
		Bindings: []ir.RoleBinding{{TenantID: "ws-1", UserID: "alice", Role: "eng"}, {TenantID: "ws-1", UserID: "", Role: "x"}},
		Grants:   []ir.Grant{{Role: "admin"}},
		Templates: []ir.ChainTemplate{
			{FormKey: "deploy", TenantID: "*", Steps: []ir.TemplateStep{{Order: 0, RequiredRole: "eng"}, {Order: 1, RequiredRole: "ghost"}}},
			{FormKey: "deploy", TenantID: "*", Steps: nil},
		},
	}

	var codes []string
	for _, e := range Validate(bundle) {
		codes = append(codes, e.Code)
	}
	assert.ElementsMatch(t, []string{
		ErrBindingEmpty, ErrGrantEmpty, ErrTemplateOrder, ErrTemplateUnbound,
		ErrTemplateDuplicate, ErrTemplateNoSteps,
	}, codes)
}
