package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/warden/internal/ir"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore opens a fresh file-backed store for one test.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, _ := createTestStoreAt(t)
	return s
}

func createTestStoreAt(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

// createTestApproval builds a pending approval with minimal required fields.
func createTestApproval(id, requestID string) *ir.ApprovalRequest {
	plan := ir.Object{"steps": ir.Array{}}
	return &ir.ApprovalRequest{
		ID:           id,
		RequestID:    requestID,
		ActionIntent: "deploy",
		WorkspaceID:  "ws-1",
		OperatorID:   "op-1",
		Plan:         plan,
		PlanHash:     ir.MustPlanHash(plan),
		Status:       ir.StatusPending,
		RequireAll:   true,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
		ExpiresAt:    testNow.Add(48 * time.Hour),
	}
}

func mustInsertApproval(t *testing.T, s *Store, a *ir.ApprovalRequest) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, inserted, err := tx.InsertApproval(context.Background(), a)
		if err == nil && !inserted {
			t.Fatalf("approval %s already existed", a.ID)
		}
		return err
	})
	if err != nil {
		t.Fatalf("InsertApproval() failed: %v", err)
	}
}

func testEvent(id, action string) *ir.AuditEvent {
	return &ir.AuditEvent{
		EventID:      id,
		Timestamp:    testNow,
		ActorID:      "alice",
		Action:       action,
		ResourceType: "approval",
		ResourceID:   "a1",
		TenantID:     "ws-1",
		Outcome:      ir.OutcomeSuccess,
	}
}
