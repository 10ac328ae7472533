package policy

import "github.com/roach88/warden/internal/ir"

// HTTP routes of the authority service.
const (
	PathAuthorize      = "/v1/authorize"
	PathChainTemplates = "/v1/chain-templates"
	PathAuditEvents    = "/v1/audit-events"
)

// TemplateQuery is the body of a chain template lookup.
type TemplateQuery struct {
	FormKey  string    `json:"form_key"`
	TenantID string    `json:"tenant_id"`
	Context  ir.Object `json:"context,omitempty"`
}

// TemplateAnswer carries a nil Template when the action is not governed.
type TemplateAnswer struct {
	Template *ir.ChainTemplate `json:"template"`
}

// AuditAck acknowledges an audit event write.
type AuditAck struct {
	EventID string `json:"event_id"`
}

// ErrorBody is the error envelope returned by the authority.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
