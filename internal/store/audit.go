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

// AppendAudit appends ev to the hash-chained ledger inside the transaction.
// A duplicate event_id is a successful no-op: inserted is false and ev is
// overwritten with the stored row.
//
// On insert, ev.Seq, ev.PrevHash and ev.Hash are filled in.
func (tx *Tx) AppendAudit(ctx context.Context, ev *ir.AuditEvent) (inserted bool, err error) {
	stored, err := getAuditEvent(ctx, tx.tx, ev.EventID)
	switch {
	case err == nil:
		*ev = *stored
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}

	var prev string
	err = tx.tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("append audit: read chain head: %w", err)
	}

	hash, err := ir.AuditHash(prev, *ev)
	if err != nil {
		return false, fmt.Errorf("append audit: %w", err)
	}
	meta, err := marshalObject(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("append audit: metadata: %w", err)
	}

	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO audit_events
		(event_id, timestamp, actor_id, action, resource_type, resource_id, tenant_id, outcome, metadata, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.EventID, formatTime(ev.Timestamp), ev.ActorID, ev.Action, ev.ResourceType,
		ev.ResourceID, ev.TenantID, ev.Outcome, meta, prev, hash,
	)
	if err != nil {
		return false, fmt.Errorf("append audit: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("append audit: last insert id: %w", err)
	}

	ev.Seq = seq
	ev.PrevHash = prev
	ev.Hash = hash
	return true, nil
}

// AppendAudit appends a single event in its own transaction.
func (s *Store) AppendAudit(ctx context.Context, ev *ir.AuditEvent) (bool, error) {
	var inserted bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		inserted, err = tx.AppendAudit(ctx, ev)
		return err
	})
	return inserted, err
}

// GetAuditEvent loads one event by event_id.
func (s *Store) GetAuditEvent(ctx context.Context, eventID string) (*ir.AuditEvent, error) {
	return getAuditEvent(ctx, s.db, eventID)
}

const auditColumns = `seq, event_id, timestamp, actor_id, action, resource_type, resource_id,
	tenant_id, outcome, metadata, prev_hash, hash`

func getAuditEvent(ctx context.Context, q querier, eventID string) (*ir.AuditEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE event_id = ?`, eventID)
	ev, err := scanAuditEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit event %s: %w", eventID, ErrNotFound)
	}
	return ev, err
}

// AuditFilter selects ledger rows. Zero fields match everything; Since is
// inclusive and Until exclusive.
type AuditFilter struct {
	ResourceType string
	ResourceID   string
	ActorID      string
	TenantID     string
	Action       string
	Since        time.Time
	Until        time.Time
	AfterSeq     int64
	Limit        int
}

// QueryAudit returns matching events in ledger order (seq ascending).
// The query is always parameterized and always ordered.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]ir.AuditEvent, error) {
	query, args := compileAuditFilter(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := []ir.AuditEvent{}
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("query audit: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

func compileAuditFilter(f AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	eq := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	eq("resource_type", f.ResourceType)
	eq("resource_id", f.ResourceID)
	eq("actor_id", f.ActorID)
	eq("tenant_id", f.TenantID)
	eq("action", f.Action)
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, formatTime(f.Until))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(auditColumns)
	sb.WriteString(" FROM audit_events")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY seq ASC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return sb.String(), args
}

func scanAuditEvent(row rowScanner) (*ir.AuditEvent, error) {
	var (
		ev       ir.AuditEvent
		ts, meta string
	)
	err := row.Scan(&ev.Seq, &ev.EventID, &ts, &ev.ActorID, &ev.Action, &ev.ResourceType,
		&ev.ResourceID, &ev.TenantID, &ev.Outcome, &meta, &ev.PrevHash, &ev.Hash)
	if err != nil {
		return nil, err
	}
	if ev.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if ev.Metadata, err = unmarshalObject(meta); err != nil {
		return nil, fmt.Errorf("audit event %s: %w", ev.EventID, err)
	}
	return &ev, nil
}
