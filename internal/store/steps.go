package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// InsertSteps writes the instantiated chain for an approval.
func (tx *Tx) InsertSteps(ctx context.Context, steps []ir.ChainStep) error {
	for _, st := range steps {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO chain_steps
			(id, approval_id, step_order, required_role, label, status, decided_by, decided_at, note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			st.ID, st.ApprovalID, st.Order, st.RequiredRole, st.Label, string(st.Status),
			st.DecidedBy, formatNullTime(st.DecidedAt), st.Note,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return nil
}

// ListSteps returns the persisted steps of an approval ordered by
// (step_order, id). Group satisfaction is always computed from this view.
func (tx *Tx) ListSteps(ctx context.Context, approvalID string) ([]ir.ChainStep, error) {
	return listSteps(ctx, tx.tx, approvalID)
}

// StepUpdate is a conditional step change: it applies only while the step
// is still in From.
type StepUpdate struct {
	StepID    string
	From      ir.StepStatus
	To        ir.StepStatus
	DecidedBy string
	DecidedAt *time.Time
	Note      string
}

// UpdateStep applies u and reports whether the row matched.
func (tx *Tx) UpdateStep(ctx context.Context, u StepUpdate) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE chain_steps
		SET status = ?, decided_by = ?, decided_at = ?, note = ?
		WHERE id = ? AND status = ?
	`, string(u.To), u.DecidedBy, formatNullTime(u.DecidedAt), u.Note, u.StepID, string(u.From))
	if err != nil {
		return false, fmt.Errorf("update step %s: %w", u.StepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update step %s: rows affected: %w", u.StepID, err)
	}
	return n == 1, nil
}

func listSteps(ctx context.Context, q querier, approvalID string) ([]ir.ChainStep, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, approval_id, step_order, required_role, label, status, decided_by, decided_at, note
		FROM chain_steps
		WHERE approval_id = ?
		ORDER BY step_order ASC, id COLLATE BINARY ASC
	`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []ir.ChainStep{}
	for rows.Next() {
		var (
			st        ir.ChainStep
			status    string
			decidedAt sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.ApprovalID, &st.Order, &st.RequiredRole, &st.Label,
			&status, &st.DecidedBy, &decidedAt, &st.Note); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Status = ir.StepStatus(status)
		if st.DecidedAt, err = parseNullTime(decidedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}
