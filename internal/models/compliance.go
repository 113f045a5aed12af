package models

import "time"

// AuditEntry is one link of a tenant's hash chain.
type AuditEntry struct {
	AuditID    string         `json:"audit_id"`
	TenantID   string         `json:"tenant_id"`
	Action     string         `json:"action"`
	TraceID    string         `json:"trace_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
	PrevHash   string         `json:"prev_hash"`
	EntryHash  string         `json:"entry_hash"`
}

// AuditVerification is the result of walking a tenant's chain.
type AuditVerification struct {
	Valid        bool   `json:"valid"`
	CheckedCount int    `json:"checked_count"`
	Reason       string `json:"reason,omitempty"`
	AuditID      string `json:"audit_id,omitempty"`
	LastHash     string `json:"last_hash"`
}

// StorageObject describes a stored blob and its deletion guards.
type StorageObject struct {
	URI            string     `json:"storage_uri"`
	Backend        string     `json:"backend"`
	Bucket         string     `json:"bucket"`
	Key            string     `json:"key"`
	LegalHold      bool       `json:"legal_hold"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
}

// Legal hold statuses.
const (
	HoldActive   = "active"
	HoldReleased = "released"
)

// LegalHold is the compliance record behind a storage-level hold flag.
type LegalHold struct {
	HoldID     string     `json:"hold_id"`
	TenantID   string     `json:"tenant_id"`
	ObjectType string     `json:"object_type"`
	ObjectID   string     `json:"object_id"`
	StorageURI string     `json:"storage_uri,omitempty"`
	Reason     string     `json:"reason"`
	ImposedBy  string     `json:"imposed_by"`
	Status     string     `json:"status"`
	ReleasedBy []string   `json:"released_by,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
