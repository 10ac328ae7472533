// Package policy is the seam between the governance core and whoever decides
// what is allowed and which approval chain applies.
//
// Two providers implement the same interface: Embedded answers from the local
// store, Remote asks an authority service over HTTP. The choice is made once
// at startup by Open; callers never know which one they hold.
package policy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/metrics"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/tracing"
)

// Actions checked by the core.
const (
	// ActionDecideStep asks whether the user may decide a chain step that
	// requires the role named by the request's ResourceID.
	ActionDecideStep = "chain.decide"

	// ActionDecide asks whether the user may decide an approval that has no
	// chain steps.
	ActionDecide = "approval.decide"

	// ActionCancel asks whether the user may cancel an approval.
	ActionCancel = "approval.cancel"

	// ActionDispatch asks whether the user may trigger dispatch.
	ActionDispatch = "approval.dispatch"
)

// ResourceRole is the resource type of ActionDecideStep checks.
const ResourceRole = "role"

// Request is one authorization question.
type Request struct {
	UserID       string `json:"user_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	TenantID     string `json:"tenant_id"`
}

// Decision is the provider's answer. A denial is a normal answer, not an
// error; errors mean the provider could not answer at all.
type Decision struct {
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason,omitempty"`
	DelegationChain []string `json:"delegation_chain,omitempty"`
}

// Provider answers authorization and chain template queries and receives a
// copy of every audit event.
type Provider interface {
	CheckAuthorization(ctx context.Context, req Request) (Decision, error)

	// GetChainTemplate returns the template for formKey in the tenant, or
	// (nil, nil) when the action is not governed.
	GetChainTemplate(ctx context.Context, formKey, tenantID string, attrs ir.Object) (*ir.ChainTemplate, error)

	// WriteAuditEvent is idempotent on the event id.
	WriteAuditEvent(ctx context.Context, ev ir.AuditEvent) error
}

// Mode selects the provider implementation.
type Mode string

const (
	ModeEmbedded Mode = "embedded"
	ModeRemote   Mode = "remote"
)

// Options configure Open.
type Options struct {
	Mode   Mode
	Store  *store.Store
	Remote RemoteConfig
}

// Open returns the provider selected by opts, instrumented with metrics and
// tracing.
func Open(opts Options) (Provider, error) {
	var p Provider
	switch opts.Mode {
	case ModeEmbedded, "":
		if opts.Store == nil {
			return nil, fmt.Errorf("embedded policy provider requires a store")
		}
		p = NewEmbedded(opts.Store)
	case ModeRemote:
		r, err := NewRemote(opts.Remote)
		if err != nil {
			return nil, err
		}
		p = r
	default:
		return nil, fmt.Errorf("unknown policy mode %q (want %s or %s)", opts.Mode, ModeEmbedded, ModeRemote)
	}
	return Instrument(p), nil
}

// RemoteConfig configures the remote provider.
type RemoteConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retries int

	// HTTPClient defaults to a client without its own timeout; per-call
	// deadlines come from Timeout.
	HTTPClient *http.Client
}

type instrumented struct {
	next Provider
}

// Instrument wraps p so every answer is counted and traced.
func Instrument(p Provider) Provider {
	if _, ok := p.(*instrumented); ok {
		return p
	}
	return &instrumented{next: p}
}

func (i *instrumented) CheckAuthorization(ctx context.Context, req Request) (Decision, error) {
	ctx, span := tracing.Start(ctx, "policy.check_authorization")
	span.Set("action", req.Action, "resource_type", req.ResourceType, "tenant_id", req.TenantID)

	d, err := i.next.CheckAuthorization(ctx, req)
	switch {
	case err != nil:
		metrics.RecordPolicyDecision("error")
	case d.Allowed:
		metrics.RecordPolicyDecision("allowed")
	default:
		metrics.RecordPolicyDecision("denied")
	}
	span.End(err)
	return d, err
}

func (i *instrumented) GetChainTemplate(ctx context.Context, formKey, tenantID string, attrs ir.Object) (*ir.ChainTemplate, error) {
	ctx, span := tracing.Start(ctx, "policy.get_chain_template")
	span.Set("form_key", formKey, "tenant_id", tenantID)
	t, err := i.next.GetChainTemplate(ctx, formKey, tenantID, attrs)
	span.End(err)
	return t, err
}

func (i *instrumented) WriteAuditEvent(ctx context.Context, ev ir.AuditEvent) error {
	ctx, span := tracing.Start(ctx, "policy.write_audit_event")
	span.Set("event_id", ev.EventID, "action", ev.Action)
	err := i.next.WriteAuditEvent(ctx, ev)
	span.End(err)
	return err
}
