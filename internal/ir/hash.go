package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Hash domains. The version suffix allows a future algorithm change
// without colliding with existing digests.
const (
	DomainPlan    = "warden/plan/v1"
	DomainPayload = "warden/payload/v1"
	DomainAudit   = "warden/audit/v1"
)

// hashWithDomain computes hex(SHA-256(domain || 0x00 || data)).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PlanHash is the digest bound into an approval at creation and checked again
// before dispatch. It is invariant under key order and pure.
func PlanHash(plan Object) (string, error) {
	canonical, err := MarshalCanonical(plan)
	if err != nil {
		return "", fmt.Errorf("plan hash: %w", err)
	}
	return hashWithDomain(DomainPlan, canonical), nil
}

// PayloadHash fingerprints a submission for idempotency comparison.
func PayloadHash(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// MustPlanHash panics on error. Tests only.
func MustPlanHash(plan Object) string {
	h, err := PlanHash(plan)
	if err != nil {
		panic(err)
	}
	return h
}

// AuditHash links an event to its predecessor. Seq and Hash themselves are
// excluded; PrevHash is included so any rewrite breaks every later link.
func AuditHash(prevHash string, ev AuditEvent) (string, error) {
	obj := Object{
		"prev_hash":     String(prevHash),
		"event_id":      String(ev.EventID),
		"timestamp":     String(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
		"actor_id":      String(ev.ActorID),
		"action":        String(ev.Action),
		"resource_type": String(ev.ResourceType),
		"resource_id":   String(ev.ResourceID),
		"tenant_id":     String(ev.TenantID),
		"outcome":       String(ev.Outcome),
	}
	if len(ev.Metadata) > 0 {
		obj["metadata"] = ev.Metadata
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("audit hash: %w", err)
	}
	return hashWithDomain(DomainAudit, canonical), nil
}
