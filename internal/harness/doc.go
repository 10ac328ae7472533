// Package harness runs governance scenarios against a real engine.
//
// A scenario loads a CUE policy, drives submissions, decisions and
// dispatches through the engine on a manual clock, and asserts on the audit
// trail, the persisted approvals and the connector calls that resulted.
//
// # Scenario Format
//
//	name: governed_lifecycle
//	description: "What this scenario validates"
//	policy: policies/release.cue
//	connectors:
//	  - type: deploy
//	    fail: transient   # optional: transient or permanent
//	    failures: 1       # transient failures before success
//	flow:
//	  - invoke: submit
//	    args:
//	      request: r1
//	      intent: deploy
//	      workspace: ws-1
//	      operator: op-1
//	      plan:
//	        - {connector: deploy, operation: rollout, payload: {service: api}}
//	    expect: {case: pending}
//	  - invoke: decide
//	    args: {request: r1, actor: alice}
//	    expect: {case: approved}
//	  - invoke: dispatch
//	    args: {request: r1, actor: op-1}
//	    expect: {case: dispatched}
//	assertions:
//	  - type: audit_order
//	    actions: [approval.requested, dispatch.claimed, dispatch.completed]
//	  - type: final_state
//	    table: approvals
//	    where: {request_id: r1}
//	    expect: {status: dispatched}
//
// Approvals are referred to by their request id throughout; the harness
// resolves them to approval ids.
//
// # Invocations
//
//   - submit: evaluate a submission (request, intent, form, workspace,
//     operator, resource_type, resource_id, plan, context, dry_run)
//   - decide: decide a step (request, actor, approve, note, step)
//   - cancel: cancel an approval (request, actor, note)
//   - dispatch: dispatch an approval (request, actor, concurrency)
//   - advance: move the clock (by)
//   - sweep: run one expiry sweep
//
// The expect case is the outcome kind for submit, the resulting approval
// status for decide, cancel and dispatch, or an error code such as CONFLICT
// when the invocation is expected to fail.
//
// # Assertion Types
//
//   - audit_contains: an event with the action, optionally matching actor,
//     request and outcome
//   - audit_order: actions first appear in the given order
//   - audit_count: an action appears exactly N times
//   - audit_intact: the ledger hash chain verifies
//   - final_state: a row in a store table matches expected values
//   - connector_calls: a connector ran exactly N live calls
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory store, a manual clock starting at
// testutil.Epoch and sequential identifiers, so the same scenario always
// produces the same audit trail. RunWithGolden compares that trail against
// testdata/golden/{name}.golden.
package harness
