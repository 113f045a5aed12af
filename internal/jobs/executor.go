// Package jobs owns the job lifecycle: creation with its outbox event,
// validated transitions, single-attempt execution and retry scheduling.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
	"bid-evaluation-service/internal/telemetry"
	"bid-evaluation-service/internal/workflow"
)

var tracer = otel.Tracer("jobs-executor")

// EventJobCreated is appended to the outbox with every new job.
const EventJobCreated = "job.created"

// Audit actions written by the executor.
const (
	AuditJobStatusChanged = "job_status_changed"
	AuditJobCancelled     = "job_cancelled"
)

// Outcome is what a handler reports for a completed attempt.
type Outcome string

const (
	OutcomeSucceeded           Outcome = "succeeded"
	OutcomeNeedsManualDecision Outcome = "needs_manual_decision"
)

// Handler executes the type-specific work of a job. Returning a tagged
// retryable error schedules a retry; any other error dead-letters the job.
type Handler func(ctx context.Context, job models.Job) (Outcome, error)

// Stores groups the persistence the executor writes to.
type Stores struct {
	Jobs        store.JobStore
	DLQ         store.DLQStore
	Checkpoints store.CheckpointStore
	Audit       store.AuditStore
}

// Executor runs jobs one attempt at a time.
type Executor struct {
	jobs        store.JobStore
	dlq         store.DLQStore
	checkpoints *workflow.Checkpoints
	audit       *audit.Log
	policy      RetryPolicy

	mu       sync.RWMutex
	handlers map[string]Handler

	now func() time.Time
}

func NewExecutor(st Stores, policy RetryPolicy) *Executor {
	return &Executor{
		jobs:        st.Jobs,
		dlq:         st.DLQ,
		checkpoints: workflow.NewCheckpoints(st.Checkpoints),
		audit:       audit.New(st.Audit),
		policy:      policy,
		handlers:    make(map[string]Handler),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RegisterHandler binds a handler to a job type. Types without a handler succeed immediately.
func (e *Executor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = handler
}

func (e *Executor) handler(jobType string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.handlers[jobType]; ok {
		return h
	}
	return func(context.Context, models.Job) (Outcome, error) { return OutcomeSucceeded, nil }
}

// Checkpoints exposes the thread history recorder shared with the executor.
func (e *Executor) Checkpoints() *workflow.Checkpoints { return e.checkpoints }

// Policy returns the retry policy in force.
func (e *Executor) Policy() RetryPolicy { return e.policy }

// NewJob describes a job to be accepted.
type NewJob struct {
	TenantID string
	Type     string
	Resource models.Resource
	Payload  map[string]any
	TraceID  string
	ThreadID string
}

// Create persists a queued job and its job.created outbox event in one commit.
func (e *Executor) Create(ctx context.Context, in NewJob) (models.Job, error) {
	if in.TenantID == "" || in.Type == "" {
		return models.Job{}, apperr.Validation(apperr.CodeReqValidationFailed, "tenant_id and job_type are required")
	}
	now := e.now()
	job := models.Job{
		ID:        models.NewID("job"),
		Type:      in.Type,
		TenantID:  in.TenantID,
		Status:    models.StatusQueued,
		ThreadID:  in.ThreadID,
		TraceID:   in.TraceID,
		Resource:  in.Resource,
		Payload:   in.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.ThreadID == "" {
		job.ThreadID = models.NewID("thr")
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	event := models.OutboxEvent{
		EventID:       models.NewID("evt"),
		TenantID:      job.TenantID,
		EventType:     EventJobCreated,
		AggregateType: "job",
		AggregateID:   job.ID,
		Payload: map[string]any{
			"job_id":    job.ID,
			"job_type":  job.Type,
			"trace_id":  job.TraceID,
			"thread_id": job.ThreadID,
		},
		Status:    models.OutboxPending,
		CreatedAt: now,
	}
	if err := e.jobs.CreateJob(ctx, job, event); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsCreated.WithLabelValues(job.Type).Inc()
	return job, nil
}

// Get returns a tenant's job. Jobs of other tenants are reported as not found.
func (e *Executor) Get(ctx context.Context, tenantID, jobID string) (models.Job, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.TenantID != tenantID) {
		return models.Job{}, apperr.NotFound(apperr.CodeJobNotFound, "job not found")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListOptions pages through a tenant's jobs in creation order.
type ListOptions struct {
	Status models.JobStatus
	Type   string
	Cursor string
	Limit  int
}

// Page is one page of jobs. NextCursor is empty on the last page.
type Page struct {
	Items      []models.Job `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

func (e *Executor) List(ctx context.Context, tenantID string, opts ListOptions) (Page, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	all, err := e.jobs.ListJobs(ctx, store.JobFilter{TenantID: tenantID, Status: opts.Status, Type: opts.Type})
	if err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}
	start := 0
	if opts.Cursor != "" {
		for i, j := range all {
			if j.ID == opts.Cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := Page{Items: all[start:end]}
	if end < len(all) {
		page.NextCursor = all[end-1].ID
	}
	return page, nil
}

// Transition applies a single validated edge. Operators and tests use it to
// drive jobs directly; it obeys the same table as the executor.
func (e *Executor) Transition(ctx context.Context, tenantID, jobID string, to models.JobStatus) (models.Job, error) {
	job, err := e.Get(ctx, tenantID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	return e.move(ctx, job, to, workflow.NodeJobTransition, map[string]any{"from": string(job.Status), "to": string(to)})
}

// move validates, persists with compare-and-set and checkpoints one transition.
func (e *Executor) move(ctx context.Context, job models.Job, to models.JobStatus, node string, payload map[string]any) (models.Job, error) {
	from := job.Status
	next, err := apply(job, to)
	if err != nil {
		return job, err
	}
	next.UpdatedAt = e.now()
	if err := e.jobs.UpdateJob(ctx, next, from); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return job, err
		}
		return job, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if _, err := e.checkpoints.Append(ctx, next, node, payload); err != nil {
		return next, err
	}
	entry := map[string]any{
		"job_id":      next.ID,
		"job_type":    next.Type,
		"from":        string(from),
		"to":          string(to),
		"retry_count": next.RetryCount,
	}
	if next.LastError != nil && to != models.StatusSucceeded {
		entry["error_code"] = next.LastError.Code
	}
	if _, err := e.audit.Append(ctx, audit.Record{
		TenantID: next.TenantID,
		Action:   AuditJobStatusChanged,
		TraceID:  next.TraceID,
		Payload:  entry,
	}); err != nil {
		return next, err
	}
	return next, nil
}

// Cancel moves a non-terminal job to cancelled. Cancelling an already
// cancelled job returns it unchanged.
func (e *Executor) Cancel(ctx context.Context, tenantID, jobID, traceID string) (models.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := e.Get(ctx, tenantID, jobID)
		if err != nil {
			return models.Job{}, err
		}
		if job.Status == models.StatusCancelled {
			return job, nil
		}
		cancelled, err := e.move(ctx, job, models.StatusCancelled, workflow.NodeJobCancelled, map[string]any{"from": string(job.Status)})
		if errors.Is(err, store.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return models.Job{}, err
		}
		if _, err := e.audit.Append(ctx, audit.Record{
			TenantID: tenantID,
			Action:   AuditJobCancelled,
			TraceID:  traceID,
			Payload:  map[string]any{"job_id": jobID},
		}); err != nil {
			return models.Job{}, err
		}
		return cancelled, nil
	}
	return models.Job{}, apperr.BusinessRule(apperr.CodeTransitionInvalid, http.StatusConflict, "job status kept changing during cancel")
}

// RunOptions injects failures for ops and tests.
type RunOptions struct {
	ForceFail      bool
	TransientFail  bool
	ForceErrorCode string
}

// RunResult summarises one attempt.
type RunResult struct {
	JobID        string     `json:"job_id"`
	FinalStatus  string     `json:"final_status"`
	RetryCount   int        `json:"retry_count"`
	DLQID        string     `json:"dlq_id,omitempty"`
	RetryAfterMS int64      `json:"retry_after_ms,omitempty"`
	RetryAt      *time.Time `json:"retry_at,omitempty"`
	ThreadID     string     `json:"thread_id"`
	ErrorCode    string     `json:"error_code,omitempty"`
}

// RunOnce executes exactly one attempt of a queued or retrying job.
func (e *Executor) RunOnce(ctx context.Context, tenantID, jobID string, opts RunOptions) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "jobs.run_once")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("job_id", jobID))

	job, err := e.Get(ctx, tenantID, jobID)
	if err != nil {
		return RunResult{}, err
	}
	if job.Status != models.StatusQueued && job.Status != models.StatusRetrying {
		telemetry.JobTransitionsDenied.Inc()
		return RunResult{}, apperr.BusinessRule(apperr.CodeTransitionInvalid, http.StatusConflict,
			fmt.Sprintf("job cannot run from status: %s", job.Status))
	}
	job, err = e.move(ctx, job, models.StatusRunning, workflow.NodeJobStarted, map[string]any{"job_type": job.Type})
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return RunResult{}, apperr.BusinessRule(apperr.CodeTransitionInvalid, http.StatusConflict, "job was claimed concurrently")
		}
		return RunResult{}, err
	}

	res, err := e.attempt(ctx, job, opts)
	if errors.Is(err, store.ErrStaleStatus) {
		// Cancelled while running; the attempt's result is dropped.
		cur, gerr := e.Get(ctx, tenantID, jobID)
		if gerr != nil {
			return RunResult{}, gerr
		}
		return RunResult{JobID: cur.ID, FinalStatus: string(cur.Status), RetryCount: cur.RetryCount, ThreadID: cur.ThreadID}, nil
	}
	if err != nil {
		return RunResult{}, err
	}
	span.SetAttributes(attribute.String("final_status", res.FinalStatus))
	telemetry.JobOutcomes.WithLabelValues(res.FinalStatus).Inc()
	return res, nil
}

func (e *Executor) attempt(ctx context.Context, job models.Job, opts RunOptions) (RunResult, error) {
	if opts.TransientFail && !opts.ForceFail {
		code := opts.ForceErrorCode
		if code == "" {
			code = CodeRAGUpstreamUnavailable
		}
		if job.RetryCount < e.policy.MaxRetries {
			return e.retry(ctx, job, code, Classify(code).Message)
		}
		return e.deadLetter(ctx, job, code, Classify(code))
	}
	if opts.ForceFail {
		code := opts.ForceErrorCode
		if code == "" {
			code = CodeInternalForcedFail
			if job.Type == models.JobTypeParse {
				code = CodeDocParseOutputNotFound
			}
		}
		return e.deadLetter(ctx, job, code, Classify(code))
	}

	outcome, herr := e.handler(job.Type)(ctx, job)
	if herr != nil {
		code, cls := classifyHandlerError(herr)
		if cls.Retryable && job.RetryCount < e.policy.MaxRetries {
			return e.retry(ctx, job, code, herr.Error())
		}
		cls.Message = herr.Error()
		return e.deadLetter(ctx, job, code, cls)
	}

	if outcome == OutcomeNeedsManualDecision {
		next, err := e.move(ctx, job, models.StatusNeedsManualDecision, workflow.NodeJobNeedsManualDecision, map[string]any{"job_type": job.Type})
		if err != nil {
			return RunResult{}, err
		}
		return resultOf(next), nil
	}
	job.NextRetryAt = nil
	job.LastError = nil
	next, err := e.move(ctx, job, models.StatusSucceeded, workflow.NodeJobSucceeded, map[string]any{"job_type": job.Type})
	if err != nil {
		return RunResult{}, err
	}
	return resultOf(next), nil
}

// classifyHandlerError maps a handler failure onto the code matrix. Known
// codes follow the matrix; other tagged errors follow their retryable flag;
// untagged errors are permanent.
func classifyHandlerError(err error) (string, Classification) {
	ae, ok := apperr.As(err)
	if !ok {
		return apperr.CodeInternal, Classification{Class: ClassPermanent, Retryable: false}
	}
	if knownCode(ae.Code) {
		return ae.Code, Classify(ae.Code)
	}
	if ae.Retryable {
		return ae.Code, Classification{Class: ClassTransient, Retryable: true}
	}
	return ae.Code, Classification{Class: ClassPermanent, Retryable: false}
}

func (e *Executor) retry(ctx context.Context, job models.Job, code, message string) (RunResult, error) {
	now := e.now()
	backoff := e.policy.BackoffMS(job.ID, job.RetryCount+1)
	retryAt := now.Add(time.Duration(backoff) * time.Millisecond)
	job.NextRetryAt = &retryAt
	job.LastError = &models.JobError{Code: code, Message: message, Retryable: true, Class: ClassTransient, OccurredAt: now}

	next, err := e.move(ctx, job, models.StatusRetrying, workflow.NodeJobRetrying, map[string]any{
		"retry_count":    job.RetryCount + 1,
		"error_code":     code,
		"retry_after_ms": backoff,
		"retry_at":       retryAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return RunResult{}, err
	}
	res := resultOf(next)
	res.RetryAfterMS = backoff
	res.RetryAt = &retryAt
	res.ErrorCode = code
	return res, nil
}

// deadLetter walks running -> failed -> dlq_pending -> dlq_recorded and
// records the DLQ item between the last two steps.
func (e *Executor) deadLetter(ctx context.Context, job models.Job, code string, cls Classification) (RunResult, error) {
	now := e.now()
	job.NextRetryAt = nil
	job.LastError = &models.JobError{Code: code, Message: cls.Message, Retryable: cls.Retryable, Class: cls.Class, OccurredAt: now}

	failed, err := e.move(ctx, job, models.StatusFailed, workflow.NodeJobFailed, map[string]any{
		"error_code":  code,
		"retry_count": job.RetryCount,
	})
	if err != nil {
		return RunResult{}, err
	}
	pending, err := e.move(ctx, failed, models.StatusDLQPending, workflow.NodeJobDLQPending, map[string]any{"error_code": code})
	if err != nil {
		return RunResult{}, err
	}
	item := models.DLQItem{
		DLQID:      models.NewID("dlq"),
		JobID:      job.ID,
		TenantID:   job.TenantID,
		ErrorClass: cls.Class,
		ErrorCode:  code,
		Reason:     cls.Message,
		Status:     models.DLQOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.dlq.CreateDLQItem(ctx, item); err != nil {
		return RunResult{}, fmt.Errorf("create dlq item: %w", err)
	}
	recorded, err := e.move(ctx, pending, models.StatusDLQRecorded, workflow.NodeJobDLQRecorded, map[string]any{"dlq_id": item.DLQID})
	if err != nil {
		return RunResult{}, err
	}
	res := resultOf(recorded)
	res.DLQID = item.DLQID
	res.ErrorCode = code
	return res, nil
}

func resultOf(job models.Job) RunResult {
	return RunResult{
		JobID:       job.ID,
		FinalStatus: string(job.Status),
		RetryCount:  job.RetryCount,
		ThreadID:    job.ThreadID,
	}
}
