package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		pragma   string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "2"}, // FULL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.pragma, tt.expected); err != nil {
			t.Errorf("%v", err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	s, path := createTestStoreAt(t)
	if _, err := s.DB().Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("Open() succeeded on a newer schema version")
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() failed: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, _, err := tx.InsertApproval(ctx, createTestApproval("a1", "r1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	if _, err := s.GetApproval(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetApproval() after rollback error = %v, want ErrNotFound", err)
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{":memory:", "file::memory:?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate"},
		{"/tmp/w.db", "file:/tmp/w.db?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate"},
		{"file:w.db?cache=shared", "file:w.db?cache=shared&_busy_timeout=5000&_foreign_keys=1&_txlock=immediate"},
	}
	for _, tt := range tests {
		if got := dsn(tt.in); got != tt.want {
			t.Errorf("dsn(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
