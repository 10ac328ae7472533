package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/warden/internal/ir"
)

// ClaimResult is the outcome of ClaimIdempotency.
type ClaimResult struct {
	// Claimed is true when the caller now owns the in-flight record and must
	// either complete or release it.
	Claimed bool

	// Record is the record as stored after the claim attempt.
	Record *ir.IdempotencyRecord
}

// ClaimIdempotency inserts an in-flight record for requestID, or returns the
// existing one. The caller also wins the claim when the existing record is
// a completed record past its retention, or an in-flight record whose owner
// has not touched it since staleBefore (a crashed first caller). Both
// takeovers are conditional updates, so exactly one caller wins each.
func (s *Store) ClaimIdempotency(ctx context.Context, requestID, payloadHash string, now, expiresAt, staleBefore time.Time) (ClaimResult, error) {
	var out ClaimResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO idempotency_records
			(request_id, payload_hash, status, result, created_at, updated_at, expires_at, record_version)
			VALUES (?, ?, 'in_flight', NULL, ?, ?, ?, ?)
			ON CONFLICT(request_id) DO NOTHING
		`, requestID, payloadHash, formatTime(now), formatTime(now), formatTime(expiresAt), ir.RecordVersion)
		if err != nil {
			return fmt.Errorf("claim idempotency: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim idempotency: rows affected: %w", err)
		}

		rec, err := getIdempotency(ctx, tx.tx, requestID)
		if err != nil {
			return err
		}
		if n > 0 {
			out = ClaimResult{Claimed: true, Record: rec}
			return nil
		}

		takeover := false
		switch {
		case rec.Status == ir.IdemCompleted && !rec.ExpiresAt.After(now):
			takeover = true
		case rec.Status == ir.IdemInFlight && rec.PayloadHash == payloadHash && rec.UpdatedAt.Before(staleBefore):
			takeover = true
		}
		if !takeover {
			out = ClaimResult{Record: rec}
			return nil
		}

		res, err = tx.tx.ExecContext(ctx, `
			UPDATE idempotency_records
			SET payload_hash = ?, status = 'in_flight', result = NULL,
			    created_at = ?, updated_at = ?, expires_at = ?
			WHERE request_id = ? AND status = ? AND updated_at = ?
		`, payloadHash, formatTime(now), formatTime(now), formatTime(expiresAt),
			requestID, string(rec.Status), formatTime(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("claim idempotency: takeover: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("claim idempotency: rows affected: %w", err)
		}
		if rec, err = getIdempotency(ctx, tx.tx, requestID); err != nil {
			return err
		}
		out = ClaimResult{Claimed: n == 1, Record: rec}
		return nil
	})
	return out, err
}

// GetIdempotency loads the record for requestID.
func (s *Store) GetIdempotency(ctx context.Context, requestID string) (*ir.IdempotencyRecord, error) {
	return getIdempotency(ctx, s.db, requestID)
}

// CompleteIdempotency stores the result of an in-flight request and extends
// its expiry to the durable retention window. Returns false if the record is
// no longer in flight under payloadHash.
func (s *Store) CompleteIdempotency(ctx context.Context, requestID, payloadHash string, result ir.Object, now, expiresAt time.Time) (bool, error) {
	data, err := marshalObject(result)
	if err != nil {
		return false, fmt.Errorf("complete idempotency: result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'completed', result = ?, updated_at = ?, expires_at = ?
		WHERE request_id = ? AND payload_hash = ? AND status = 'in_flight'
	`, data, formatTime(now), formatTime(expiresAt), requestID, payloadHash)
	if err != nil {
		return false, fmt.Errorf("complete idempotency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete idempotency: rows affected: %w", err)
	}
	return n == 1, nil
}

// TouchIdempotency refreshes updated_at of an in-flight record so its lease
// stays current while the owner works. Returns false if the record is no
// longer in flight under payloadHash.
func (s *Store) TouchIdempotency(ctx context.Context, requestID, payloadHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET updated_at = ?
		WHERE request_id = ? AND payload_hash = ? AND status = 'in_flight'
	`, formatTime(now), requestID, payloadHash)
	if err != nil {
		return false, fmt.Errorf("touch idempotency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch idempotency: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseIdempotency removes an in-flight record so a retry can proceed.
func (s *Store) ReleaseIdempotency(ctx context.Context, requestID, payloadHash string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE request_id = ? AND payload_hash = ? AND status = 'in_flight'
	`, requestID, payloadHash)
	if err != nil {
		return fmt.Errorf("release idempotency: %w", err)
	}
	return nil
}

// PruneIdempotency deletes completed records past their retention window.
func (s *Store) PruneIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE status = 'completed' AND expires_at <= ?
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune idempotency: %w", err)
	}
	return res.RowsAffected()
}

func getIdempotency(ctx context.Context, q querier, requestID string) (*ir.IdempotencyRecord, error) {
	var (
		rec                 ir.IdempotencyRecord
		status              string
		result              sql.NullString
		created, upd, expAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT request_id, payload_hash, status, result, created_at, updated_at, expires_at, record_version
		FROM idempotency_records WHERE request_id = ?
	`, requestID).Scan(&rec.RequestID, &rec.PayloadHash, &status, &result, &created, &upd, &expAt, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency record %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	if rec.Version != ir.RecordVersion {
		return nil, fmt.Errorf("idempotency record %s has version %d: %w", requestID, rec.Version, ErrIncompatibleRecord)
	}

	rec.Status = ir.IdempotencyStatus(status)
	if rec.Result, err = unmarshalNullObject(result); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = parseTime(expAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
