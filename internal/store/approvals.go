package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const approvalColumns = `id, request_id, action_intent, form_key, workspace_id, operator_id,
	resource_type, resource_id, plan, plan_hash, status, require_all, created_at, updated_at,
	approver_id, decision_note, dispatched_at, dispatch_result, expires_at, record_version`

// InsertApproval inserts a new approval. If an approval with the same
// request_id already exists nothing is written, inserted is false and the
// existing row is returned.
func (tx *Tx) InsertApproval(ctx context.Context, a *ir.ApprovalRequest) (existing *ir.ApprovalRequest, inserted bool, err error) {
	plan, err := marshalObject(a.Plan)
	if err != nil {
		return nil, false, fmt.Errorf("insert approval: plan: %w", err)
	}

	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO approvals
		(id, request_id, action_intent, form_key, workspace_id, operator_id,
		 resource_type, resource_id, plan, plan_hash, status, require_all,
		 created_at, updated_at, expires_at, record_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`,
		a.ID, a.RequestID, a.ActionIntent, a.FormKey, a.WorkspaceID, a.OperatorID,
		a.ResourceType, a.ResourceID, plan, a.PlanHash, string(a.Status), boolInt(a.RequireAll),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt), formatTime(a.ExpiresAt), ir.RecordVersion,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert approval: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert approval: rows affected: %w", err)
	}
	if n > 0 {
		return nil, true, nil
	}

	existing, err = getApprovalBy(ctx, tx.tx, "request_id", a.RequestID)
	if err != nil {
		return nil, false, fmt.Errorf("insert approval: load existing: %w", err)
	}
	return existing, false, nil
}

// GetApproval loads an approval inside the transaction, without steps.
func (tx *Tx) GetApproval(ctx context.Context, id string) (*ir.ApprovalRequest, error) {
	return getApprovalBy(ctx, tx.tx, "id", id)
}

// GetApproval loads an approval and its chain steps.
func (s *Store) GetApproval(ctx context.Context, id string) (*ir.ApprovalRequest, error) {
	a, err := getApprovalBy(ctx, s.db, "id", id)
	if err != nil {
		return nil, err
	}
	a.Steps, err = listSteps(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetApprovalByRequestID loads an approval by its external request identifier.
func (s *Store) GetApprovalByRequestID(ctx context.Context, requestID string) (*ir.ApprovalRequest, error) {
	a, err := getApprovalBy(ctx, s.db, "request_id", requestID)
	if err != nil {
		return nil, err
	}
	a.Steps, err = listSteps(ctx, s.db, a.ID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func getApprovalBy(ctx context.Context, q querier, column, value string) (*ir.ApprovalRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE `+column+` = ?`, value)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s=%s: %w", column, value, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Transition describes a conditional status change. The update applies only
// if the current status is one of From.
type Transition struct {
	From           []ir.ApprovalStatus
	To             ir.ApprovalStatus
	At             time.Time
	ApproverID     string
	DecisionNote   string
	DispatchResult ir.Object
	DispatchedAt   *time.Time
}

// TransitionApproval applies tr as a single conditional UPDATE. It returns
// the updated row, or (nil, nil) when the current status did not match.
// A nil result is the normal outcome for a lost race.
func (tx *Tx) TransitionApproval(ctx context.Context, id string, tr Transition) (*ir.ApprovalRequest, error) {
	if len(tr.From) == 0 {
		return nil, fmt.Errorf("transition approval: no source status")
	}
	result, err := marshalNullObject(tr.DispatchResult)
	if err != nil {
		return nil, fmt.Errorf("transition approval: result: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tr.From)), ",")
	args := []any{
		string(tr.To), formatTime(tr.At),
		tr.ApproverID, tr.ApproverID,
		tr.DecisionNote, tr.DecisionNote,
		result, formatNullTime(tr.DispatchedAt),
		id,
	}
	for _, st := range tr.From {
		args = append(args, string(st))
	}

	rows, err := tx.tx.QueryContext(ctx, `
		UPDATE approvals SET
			status = ?,
			updated_at = ?,
			approver_id = CASE WHEN ? = '' THEN approver_id ELSE ? END,
			decision_note = CASE WHEN ? = '' THEN decision_note ELSE ? END,
			dispatch_result = COALESCE(?, dispatch_result),
			dispatched_at = COALESCE(?, dispatched_at)
		WHERE id = ? AND status IN (`+placeholders+`)
		RETURNING `+approvalColumns, args...)
	if err != nil {
		return nil, fmt.Errorf("transition approval: %w", err)
	}
	updated, err := collectApprovals(rows)
	if err != nil {
		return nil, fmt.Errorf("transition approval: %w", err)
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return updated[0], nil
}

// ExpireDue moves up to limit pending approvals whose expiry has passed to
// expired and returns them. Rows already claimed by a concurrent sweeper are
// skipped by the status guard.
func (tx *Tx) ExpireDue(ctx context.Context, now time.Time, limit int) ([]*ir.ApprovalRequest, error) {
	ts := formatTime(now)
	rows, err := tx.tx.QueryContext(ctx, `
		UPDATE approvals SET status = 'expired', updated_at = ?
		WHERE status = 'pending' AND id IN (
			SELECT id FROM approvals
			WHERE status = 'pending' AND expires_at <= ?
			ORDER BY expires_at ASC, id COLLATE BINARY ASC
			LIMIT ?
		)
		RETURNING `+approvalColumns, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	expired, err := collectApprovals(rows)
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	return expired, nil
}

// ApprovalFilter narrows ListApprovals. Zero fields match everything.
type ApprovalFilter struct {
	Status      ir.ApprovalStatus
	WorkspaceID string
	Limit       int
}

// ListApprovals returns approvals ordered by creation time then id, without
// steps. Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*ir.ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id COLLATE BINARY ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out, err := collectApprovals(rows)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return out, nil
}

func collectApprovals(rows *sql.Rows) ([]*ir.ApprovalRequest, error) {
	defer rows.Close()
	out := []*ir.ApprovalRequest{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

func scanApproval(row rowScanner) (*ir.ApprovalRequest, error) {
	var (
		a                          ir.ApprovalRequest
		status, plan               string
		requireAll, version        int
		createdAt, updatedAt, exp  string
		dispatchedAt, dispatchJSON sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.RequestID, &a.ActionIntent, &a.FormKey, &a.WorkspaceID, &a.OperatorID,
		&a.ResourceType, &a.ResourceID, &plan, &a.PlanHash, &status, &requireAll,
		&createdAt, &updatedAt, &a.ApproverID, &a.DecisionNote, &dispatchedAt, &dispatchJSON,
		&exp, &version,
	)
	if err != nil {
		return nil, err
	}
	if version != ir.RecordVersion {
		return nil, fmt.Errorf("approval %s has version %d: %w", a.ID, version, ErrIncompatibleRecord)
	}

	a.Status = ir.ApprovalStatus(status)
	a.RequireAll = requireAll != 0
	if a.Plan, err = unmarshalObject(plan); err != nil {
		return nil, fmt.Errorf("approval %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if a.ExpiresAt, err = parseTime(exp); err != nil {
		return nil, err
	}
	if a.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
		return nil, err
	}
	if a.DispatchResult, err = unmarshalNullObject(dispatchJSON); err != nil {
		return nil, fmt.Errorf("approval %s: %w", a.ID, err)
	}
	return &a, nil
}
