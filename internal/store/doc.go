// Package store provides the SQLite-backed authoritative store for warden.
//
// Tables:
//   - approvals: one row per governed request, unique on request_id
//   - chain_steps: instantiated approval chain steps
//   - audit_events: append-only, hash-chained ledger (triggers reject UPDATE/DELETE)
//   - idempotency_records: request fingerprints and cached results
//   - role_bindings, grants, chain_templates: policy for the embedded provider
//
// # Concurrency
//
// Every mutation is a single conditional statement or runs inside WithTx,
// which opens a BEGIN IMMEDIATE transaction. Correctness never depends on a
// process-local lock; two processes sharing the database file serialize on
// SQLite's write lock. The approved -> dispatching claim is an
// UPDATE ... WHERE status = 'approved' RETURNING, so at most one caller
// receives the row.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: an acknowledged commit survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Reads use deterministic ordering (seq, or a timestamp plus id COLLATE BINARY).
package store
