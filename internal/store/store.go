// Package store declares the narrow persistence interfaces the core composes.
// Implementations live in the memory and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"bid-evaluation-service/internal/models"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus is returned by compare-and-set updates whose expected status no longer holds.
	ErrStaleStatus = errors.New("record status changed concurrently")
)

type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, tenantID, endpoint, key string) (models.IdempotencyRecord, bool, error)
	// PutIdempotencyIfAbsent stores rec unless a record already exists for its
	// scope. It returns whichever record is stored after the call.
	PutIdempotencyIfAbsent(ctx context.Context, rec models.IdempotencyRecord) (models.IdempotencyRecord, bool, error)
}

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	TenantID string
	Status   models.JobStatus
	Type     string
	ThreadID string
	Limit    int
}

type JobStore interface {
	// CreateJob persists job together with events in one commit.
	CreateJob(ctx context.Context, job models.Job, events ...models.OutboxEvent) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	// UpdateJob writes job only if the stored status still equals from.
	UpdateJob(ctx context.Context, job models.Job, from models.JobStatus) error
	ListJobs(ctx context.Context, filter JobFilter) ([]models.Job, error)
}

type CheckpointStore interface {
	// AppendCheckpoint assigns the next sequence number within the thread.
	AppendCheckpoint(ctx context.Context, cp models.WorkflowCheckpoint) (models.WorkflowCheckpoint, error)
	ListCheckpoints(ctx context.Context, tenantID, threadID string) ([]models.WorkflowCheckpoint, error)
}

type ResumeTokenStore interface {
	// PutResumeToken stores tok unless a token already exists for the evaluation.
	PutResumeToken(ctx context.Context, tok models.ResumeToken) (models.ResumeToken, error)
	GetResumeToken(ctx context.Context, evaluationID string) (models.ResumeToken, error)
	// ConsumeResumeToken flips consumed exactly once for a matching usable token.
	ConsumeResumeToken(ctx context.Context, tenantID, evaluationID, token string, now time.Time) (bool, error)
	// RestoreResumeToken makes a consumed token usable again.
	RestoreResumeToken(ctx context.Context, tenantID, evaluationID, token string) error
}

type ReportStore interface {
	PutReport(ctx context.Context, report models.EvaluationReport) error
	GetReport(ctx context.Context, evaluationID string) (models.EvaluationReport, error)
}

type OutboxStore interface {
	AppendOutboxEvent(ctx context.Context, ev models.OutboxEvent) error
	GetOutboxEvent(ctx context.Context, tenantID, eventID string) (models.OutboxEvent, error)
	ListOutboxEvents(ctx context.Context, tenantID, status string, limit int) ([]models.OutboxEvent, error)
	PendingOutboxTenants(ctx context.Context) ([]string, error)
	MarkOutboxPublished(ctx context.Context, tenantID, eventID string, at time.Time) (models.OutboxEvent, error)
	GetDelivery(ctx context.Context, tenantID, eventID, consumer string) (models.OutboxDelivery, bool, error)
	// PutDelivery records d unless one exists; it returns the stored record.
	PutDelivery(ctx context.Context, d models.OutboxDelivery) (models.OutboxDelivery, bool, error)
	// LockOutboxTenant serialises relays of one tenant across callers. The
	// returned func releases the lock.
	LockOutboxTenant(ctx context.Context, tenantID string) (func(), error)
}

type DLQStore interface {
	CreateDLQItem(ctx context.Context, item models.DLQItem) error
	GetDLQItem(ctx context.Context, dlqID string) (models.DLQItem, error)
	// UpdateDLQItem writes item only if the stored status still equals from.
	UpdateDLQItem(ctx context.Context, item models.DLQItem, from string) error
	ListDLQItems(ctx context.Context, tenantID, status string) ([]models.DLQItem, error)
}

// AuditBuilder receives the tenant's current chain head and returns the entry to append.
type AuditBuilder func(prevHash string) (models.AuditEntry, error)

type AuditStore interface {
	// AppendAudit serializes appends per tenant so build always sees the latest head.
	AppendAudit(ctx context.Context, tenantID string, build AuditBuilder) (models.AuditEntry, error)
	ListAudit(ctx context.Context, tenantID string) ([]models.AuditEntry, error)
}

type LegalHoldStore interface {
	CreateLegalHold(ctx context.Context, hold models.LegalHold) error
	GetLegalHold(ctx context.Context, holdID string) (models.LegalHold, error)
	UpdateLegalHold(ctx context.Context, hold models.LegalHold, from string) error
	ListLegalHolds(ctx context.Context, tenantID, status string) ([]models.LegalHold, error)
	FindActiveLegalHold(ctx context.Context, tenantID, objectType, objectID string) (models.LegalHold, bool, error)
}

type ReleaseStore interface {
	PutAssessment(ctx context.Context, a models.ReleaseReadinessAssessment) error
	GetAssessment(ctx context.Context, assessmentID string) (models.ReleaseReadinessAssessment, error)
	PutRolloutPolicy(ctx context.Context, p models.RolloutPolicy) error
	GetRolloutPolicy(ctx context.Context, releaseID string) (models.RolloutPolicy, error)
	PutReplayRun(ctx context.Context, r models.ReplayRun) error
}

// Store is satisfied by backends that implement every narrow interface.
type Store interface {
	IdempotencyStore
	JobStore
	CheckpointStore
	ResumeTokenStore
	ReportStore
	OutboxStore
	DLQStore
	AuditStore
	LegalHoldStore
	ReleaseStore
	Close()
}
