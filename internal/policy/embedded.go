package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
)

// Embedded answers from the role bindings, grants and chain templates in the
// local store.
type Embedded struct {
	store *store.Store
}

// NewEmbedded creates a store-backed provider.
func NewEmbedded(st *store.Store) *Embedded {
	return &Embedded{store: st}
}

// CheckAuthorization resolves the user's roles in the tenant. Step decisions
// require holding the step's role; every other action requires a grant to
// one of the user's roles.
func (e *Embedded) CheckAuthorization(ctx context.Context, req Request) (Decision, error) {
	roles, err := e.store.RolesFor(ctx, req.TenantID, req.UserID)
	if err != nil {
		return Decision{}, err
	}
	subject := "user:" + req.UserID

	if req.Action == ActionDecideStep {
		if !slices.Contains(roles, req.ResourceID) {
			return Decision{Reason: fmt.Sprintf("%s does not hold role %s", req.UserID, req.ResourceID)}, nil
		}
		return Decision{Allowed: true, DelegationChain: []string{subject, "role:" + req.ResourceID}}, nil
	}

	role, err := e.store.GrantingRole(ctx, req.TenantID, roles, req.Action, req.ResourceType)
	if err != nil {
		return Decision{}, err
	}
	if role == "" {
		return Decision{Reason: fmt.Sprintf("no grant for %s on %s", req.Action, req.ResourceType)}, nil
	}
	return Decision{
		Allowed:         true,
		DelegationChain: []string{subject, "role:" + role, "grant:" + req.Action},
	}, nil
}

// GetChainTemplate looks up the tenant's template, falling back to the
// wildcard tenant. attrs are not used by the embedded store.
func (e *Embedded) GetChainTemplate(ctx context.Context, formKey, tenantID string, _ ir.Object) (*ir.ChainTemplate, error) {
	if formKey == "" {
		return nil, nil
	}
	t, err := e.store.GetChainTemplate(ctx, formKey, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// WriteAuditEvent appends ev to the local ledger. The engine has normally
// written it already, making this a duplicate no-op.
func (e *Embedded) WriteAuditEvent(ctx context.Context, ev ir.AuditEvent) error {
	_, err := e.store.AppendAudit(ctx, &ev)
	return err
}
