// Package engine is the entry point of the governance subsystem.
//
// Submission Flow:
//
//  1. Evaluate fingerprints the submission and passes it through the
//     idempotency guard. Duplicates wait for, or replay, the first result.
//  2. The operator is authorized for the action intent. A denial, or a
//     policy provider that cannot answer, ends the submission as denied.
//  3. The chain template for the form is resolved. Ungoverned and dry-run
//     submissions execute immediately; governed ones become a pending
//     approval with an instantiated chain.
//  4. Decide records chain step decisions until the chain is approved or
//     rejected.
//  5. Dispatch claims an approved approval with the store's conditional
//     update, executes its plan and records the result.
//
// Every outcome is in the audit ledger before it is returned. When the store
// cannot take an audit write the engine refuses to go further.
//
// Run drives the sweeper: it expires stale pending approvals and prunes
// idempotency records past retention. Any number of instances may sweep the
// same store at once.
package engine
