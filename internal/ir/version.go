package ir

const (
	// RecordVersion tags persisted approval and idempotency rows. Rows written
	// with a different version are rejected instead of being reinterpreted.
	RecordVersion = 1

	// Version is the warden release string reported by the CLI.
	Version = "0.3.0"
)
