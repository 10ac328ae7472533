package ir

import "time"

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
//
//	pending -> approved -> dispatching -> dispatched | dispatch_failed
//	pending | approved -> rejected
//	pending -> expired
type ApprovalStatus string

const (
	StatusPending        ApprovalStatus = "pending"
	StatusApproved       ApprovalStatus = "approved"
	StatusDispatching    ApprovalStatus = "dispatching"
	StatusDispatched     ApprovalStatus = "dispatched"
	StatusDispatchFailed ApprovalStatus = "dispatch_failed"
	StatusRejected       ApprovalStatus = "rejected"
	StatusExpired        ApprovalStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case StatusDispatched, StatusDispatchFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// StepStatus is the state of one chain step.
//
// closed marks a step that was never decided because the chain ended
// (rejection, expiry, or an any-of group already satisfied).
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepClosed   StepStatus = "closed"
)

// Decided reports whether a human decision was recorded for the step.
func (s StepStatus) Decided() bool {
	return s == StepApproved || s == StepRejected
}

// Open reports whether the step can still change.
func (s StepStatus) Open() bool {
	return s == StepPending || s == StepActive
}

// ApprovalRequest is one governed action awaiting or past human approval.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	ActionIntent   string         `json:"action_intent"`
	FormKey        string         `json:"form_key,omitempty"`
	WorkspaceID    string         `json:"workspace_id"`
	OperatorID     string         `json:"operator_id"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Plan           Object         `json:"plan"`
	PlanHash       string         `json:"plan_hash"`
	Status         ApprovalStatus `json:"status"`
	RequireAll     bool           `json:"require_all"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ApproverID     string         `json:"approver_id,omitempty"`
	DecisionNote   string         `json:"decision_note,omitempty"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	DispatchResult Object         `json:"dispatch_result,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Steps          []ChainStep    `json:"steps,omitempty"`
}

// TemplateStep is one entry of a chain template.
type TemplateStep struct {
	Order        int    `json:"order" yaml:"order"`
	RequiredRole string `json:"required_role" yaml:"required_role"`
	Label        string `json:"label" yaml:"label"`
}

// ChainTemplate defines which roles must approve an action. Steps sharing an
// Order form a group that is decided in parallel; groups run in ascending order.
type ChainTemplate struct {
	FormKey             string         `json:"form_key"`
	TenantID            string         `json:"tenant_id"`
	Steps               []TemplateStep `json:"steps"`
	Timeout             time.Duration  `json:"timeout"`
	RequireAllApprovals bool           `json:"require_all_approvals"`
}

// Governed reports whether the template demands any human approval.
func (t *ChainTemplate) Governed() bool {
	return t != nil && len(t.Steps) > 0
}

// ChainStep is a persisted step of an instantiated chain.
type ChainStep struct {
	ID           string     `json:"id"`
	ApprovalID   string     `json:"approval_id"`
	Order        int        `json:"order"`
	RequiredRole string     `json:"required_role"`
	Label        string     `json:"label"`
	Status       StepStatus `json:"status"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Note         string     `json:"note,omitempty"`
}

// Audit outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeDenied   = "denied"
	OutcomeConflict = "conflict"
	OutcomeFailure  = "failure"
)

// AuditEvent is an immutable ledger entry. Seq, PrevHash and Hash are
// assigned by the ledger on append.
type AuditEvent struct {
	Seq          int64     `json:"seq"`
	EventID      string    `json:"event_id"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	TenantID     string    `json:"tenant_id"`
	Outcome      string    `json:"outcome"`
	Metadata     Object    `json:"metadata,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// IdempotencyStatus is the state of an idempotency record.
type IdempotencyStatus string

const (
	IdemInFlight  IdempotencyStatus = "in_flight"
	IdemCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord remembers the first submission of a request identifier.
type IdempotencyRecord struct {
	RequestID   string            `json:"request_id"`
	PayloadHash string            `json:"payload_hash"`
	Status      IdempotencyStatus `json:"status"`
	Result      Object            `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Version     int               `json:"version"`
}

// RoleBinding grants a user a role within a tenant. TenantID "*" applies to
// every tenant.
type RoleBinding struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	UserID   string `json:"user_id" yaml:"user_id"`
	Role     string `json:"role" yaml:"role"`
}

// Grant permits holders of Role to perform Action on ResourceType.
// ResourceType "*" matches any resource type.
type Grant struct {
	TenantID     string `json:"tenant_id" yaml:"tenant_id"`
	Role         string `json:"role" yaml:"role"`
	Action       string `json:"action" yaml:"action"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
}

// PolicyBundle is a complete set of embedded policy, replaced atomically.
type PolicyBundle struct {
	Bindings  []RoleBinding   `json:"bindings"`
	Grants    []Grant         `json:"grants"`
	Templates []ChainTemplate `json:"templates"`
}

// WildcardTenant matches every tenant in bindings, grants and templates.
const WildcardTenant = "*"
