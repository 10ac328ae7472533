package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// ReplacePolicy atomically swaps the embedded policy for bundle.
func (s *Store) ReplacePolicy(ctx context.Context, bundle ir.PolicyBundle) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, table := range []string{"role_bindings", "grants", "chain_templates"} {
			if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("replace policy: clear %s: %w", table, err)
			}
		}
		for _, b := range bundle.Bindings {
			if err := tx.PutRoleBinding(ctx, b); err != nil {
				return err
			}
		}
		for _, g := range bundle.Grants {
			if err := tx.PutGrant(ctx, g); err != nil {
				return err
			}
		}
		for _, t := range bundle.Templates {
			if err := tx.PutChainTemplate(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutRoleBinding upserts a role binding.
func (tx *Tx) PutRoleBinding(ctx context.Context, b ir.RoleBinding) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO role_bindings (tenant_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, b.TenantID, b.UserID, b.Role)
	if err != nil {
		return fmt.Errorf("put role binding: %w", err)
	}
	return nil
}

// PutGrant upserts a grant.
func (tx *Tx) PutGrant(ctx context.Context, g ir.Grant) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO grants (tenant_id, role, action, resource_type) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, g.TenantID, g.Role, g.Action, g.ResourceType)
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

// PutChainTemplate inserts or replaces the template for (form_key, tenant_id).
func (tx *Tx) PutChainTemplate(ctx context.Context, t ir.ChainTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("put chain template: %w", err)
	}
	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO chain_templates (form_key, tenant_id, steps, timeout_seconds, require_all)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(form_key, tenant_id) DO UPDATE SET
			steps = excluded.steps,
			timeout_seconds = excluded.timeout_seconds,
			require_all = excluded.require_all
	`, t.FormKey, t.TenantID, string(steps), int64(t.Timeout/time.Second), boolInt(t.RequireAllApprovals))
	if err != nil {
		return fmt.Errorf("put chain template: %w", err)
	}
	return nil
}

// RolesFor returns the roles a user holds in a tenant, including wildcard
// bindings, sorted and de-duplicated.
func (s *Store) RolesFor(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT role FROM role_bindings
		WHERE user_id = ? AND tenant_id IN (?, '*')
		ORDER BY role COLLATE BINARY ASC
	`, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("roles for %s: %w", userID, err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GrantingRole returns the first of roles (in binary order) that is granted
// action on resourceType in the tenant, or "" if none is.
func (s *Store) GrantingRole(ctx context.Context, tenantID string, roles []string, action, resourceType string) (string, error) {
	if len(roles) == 0 {
		return "", nil
	}
	args := []any{action, tenantID, resourceType}
	for _, r := range roles {
		args = append(args, r)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")

	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM grants
		WHERE action = ? AND tenant_id IN (?, '*') AND resource_type IN (?, '*')
		  AND role IN (`+placeholders+`)
		ORDER BY role COLLATE BINARY ASC
		LIMIT 1
	`, args...).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("granting role: %w", err)
	}
	return role, nil
}

// GetChainTemplate returns the tenant's template for formKey, falling back
// to the wildcard tenant. Returns ErrNotFound if neither exists.
func (s *Store) GetChainTemplate(ctx context.Context, formKey, tenantID string) (*ir.ChainTemplate, error) {
	var (
		t          ir.ChainTemplate
		steps      string
		timeout    int64
		requireAll int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT form_key, tenant_id, steps, timeout_seconds, require_all
		FROM chain_templates
		WHERE form_key = ? AND tenant_id IN (?, '*')
		ORDER BY CASE WHEN tenant_id = '*' THEN 1 ELSE 0 END
		LIMIT 1
	`, formKey, tenantID).Scan(&t.FormKey, &t.TenantID, &steps, &timeout, &requireAll)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain template %s/%s: %w", tenantID, formKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chain template: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return nil, fmt.Errorf("chain template %s: steps: %w", formKey, err)
	}
	t.Timeout = time.Duration(timeout) * time.Second
	t.RequireAllApprovals = requireAll != 0
	return &t, nil
}
