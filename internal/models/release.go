package models

import "time"

// ReleaseReadinessAssessment is an immutable snapshot of one readiness decision.
type ReleaseReadinessAssessment struct {
	AssessmentID   string          `json:"assessment_id"`
	ReleaseID      string          `json:"release_id"`
	TenantID       string          `json:"tenant_id"`
	DatasetVersion string          `json:"dataset_version"`
	Admitted       bool            `json:"admitted"`
	FailedChecks   []string        `json:"failed_checks"`
	ReplayPassed   bool            `json:"replay_passed"`
	GateResults    map[string]bool `json:"gate_results"`
	TraceID        string          `json:"trace_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RolloutPolicy gates which tenants and project sizes receive a release.
type RolloutPolicy struct {
	ReleaseID            string    `json:"release_id"`
	TenantID             string    `json:"tenant_id"`
	TenantWhitelist      []string  `json:"tenant_whitelist"`
	EnabledProjectSizes  []string  `json:"enabled_project_sizes"`
	HighRiskHITLEnforced bool      `json:"high_risk_hitl_enforced"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ReplayRun records an end-to-end replay used as release evidence.
type ReplayRun struct {
	ReplayRunID      string    `json:"replay_run_id"`
	ReleaseID        string    `json:"release_id"`
	TenantID         string    `json:"tenant_id"`
	ParseJobID       string    `json:"parse_job_id"`
	ParseStatus      string    `json:"parse_status"`
	EvaluationID     string    `json:"evaluation_id"`
	EvaluationJobID  string    `json:"evaluation_job_id"`
	ResumeJobID      string    `json:"resume_job_id,omitempty"`
	NeedsHumanReview bool      `json:"needs_human_review"`
	Passed           bool      `json:"passed"`
	TraceID          string    `json:"trace_id"`
	CreatedAt        time.Time `json:"created_at"`
}
