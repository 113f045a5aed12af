package models

import "time"

// WorkflowCheckpoint is an immutable record of one step in a thread.
type WorkflowCheckpoint struct {
	CheckpointID string         `json:"checkpoint_id"`
	ThreadID     string         `json:"thread_id"`
	JobID        string         `json:"job_id"`
	TenantID     string         `json:"tenant_id"`
	Seq          int64          `json:"seq"`
	Node         string         `json:"node"`
	Status       string         `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// ResumeToken permits one continuation of an interrupted evaluation.
type ResumeToken struct {
	Token        string     `json:"resume_token"`
	EvaluationID string     `json:"evaluation_id"`
	TenantID     string     `json:"tenant_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Consumed     bool       `json:"consumed"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
}

// Usable reports whether the token can still be redeemed at now.
func (t ResumeToken) Usable(now time.Time) bool {
	return !t.Consumed && !now.After(t.ExpiresAt)
}

// EvaluationReport is the persisted outcome of an evaluation job.
type EvaluationReport struct {
	EvaluationID    string         `json:"evaluation_id"`
	TenantID        string         `json:"tenant_id"`
	ProjectID       string         `json:"project_id"`
	SupplierID      string         `json:"supplier_id"`
	RulePackVersion string         `json:"rule_pack_version"`
	JobID           string         `json:"job_id"`
	ThreadID        string         `json:"thread_id"`
	TraceID         string         `json:"trace_id"`
	ForceHITL       bool           `json:"force_hitl"`
	Resumed         bool           `json:"resumed"`
	Decision        string         `json:"decision,omitempty"`
	ReportURI       string         `json:"report_uri,omitempty"`
	Summary         map[string]any `json:"summary,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
