package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates lifecycle states of a job.
type JobStatus string

const (
	StatusQueued              JobStatus = "queued"
	StatusRunning             JobStatus = "running"
	StatusRetrying            JobStatus = "retrying"
	StatusSucceeded           JobStatus = "succeeded"
	StatusFailed              JobStatus = "failed"
	StatusNeedsManualDecision JobStatus = "needs_manual_decision"
	StatusDLQPending          JobStatus = "dlq_pending"
	StatusDLQRecorded         JobStatus = "dlq_recorded"
	StatusCancelled           JobStatus = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDLQRecorded, StatusCancelled:
		return true
	}
	return false
}

// Job types known to the core. Other types are accepted and routed to
// whatever handler the worker registers for them.
const (
	JobTypeEvaluation         = "evaluation"
	JobTypeResume             = "resume"
	JobTypeParse              = "parse"
	JobTypeRequeue            = "requeue"
	JobTypeReplayVerification = "replay_verification"
)

// Resource names the aggregate a job works on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// JobError records the last classified failure of a job.
type JobError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	Class      string    `json:"class"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Job is a unit of asynchronous work owned by a tenant.
type Job struct {
	ID          string         `json:"job_id"`
	Type        string         `json:"job_type"`
	TenantID    string         `json:"tenant_id"`
	Status      JobStatus      `json:"status"`
	RetryCount  int            `json:"retry_count"`
	ThreadID    string         `json:"thread_id"`
	TraceID     string         `json:"trace_id"`
	Resource    Resource       `json:"resource"`
	Payload     map[string]any `json:"payload"`
	LastError   *JobError      `json:"last_error,omitempty"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewID returns prefix_ followed by 12 random hex characters.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
