// Package dlq manages dead-lettered jobs: listing, requeue into a fresh
// job, and dual-approved discard through the tool governor.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/approval"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/governor"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
)

// Actions as they appear in approval policy and audit entries.
const (
	ActionDiscard           = "dlq_discard"
	AuditRequeueSubmitted   = "dlq_requeue_submitted"
	AuditDiscardSubmitted   = "dlq_discard_submitted"
	AuditDiscardToolFailure = "dlq_discard_tool_failed"
)

// discard always needs two reviewers, whatever the configured policy says.
var discardPolicy = approval.NewPolicy(nil, []string{ActionDiscard})

type Manager struct {
	items     store.DLQStore
	executor  *jobs.Executor
	governor  *governor.Governor
	approvals approval.Policy
	audit     *audit.Log
	now       func() time.Time
}

func NewManager(items store.DLQStore, executor *jobs.Executor, gov *governor.Governor, approvals approval.Policy, log *audit.Log) *Manager {
	return &Manager{
		items:     items,
		executor:  executor,
		governor:  gov,
		approvals: approvals,
		audit:     log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List returns the tenant's items, optionally filtered by status.
func (m *Manager) List(ctx context.Context, tenantID, status string) ([]models.DLQItem, error) {
	items, err := m.items.ListDLQItems(ctx, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list dlq items: %w", err)
	}
	return items, nil
}

// Get returns a tenant's item; other tenants' items read as not found.
func (m *Manager) Get(ctx context.Context, tenantID, dlqID string) (models.DLQItem, error) {
	item, err := m.items.GetDLQItem(ctx, dlqID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && item.TenantID != tenantID) {
		return models.DLQItem{}, apperr.NotFound(apperr.CodeDLQItemNotFound, "dlq item not found")
	}
	if err != nil {
		return models.DLQItem{}, fmt.Errorf("get dlq item: %w", err)
	}
	return item, nil
}

// RequeueResult is returned by Requeue.
type RequeueResult struct {
	DLQID  string `json:"dlq_id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Requeue closes an open item and submits a new queued job for the same work.
// The new job keeps the source job's thread so history reads as one timeline.
func (m *Manager) Requeue(ctx context.Context, tenantID, dlqID, traceID string) (RequeueResult, error) {
	item, err := m.Get(ctx, tenantID, dlqID)
	if err != nil {
		return RequeueResult{}, err
	}
	if item.Status != models.DLQOpen {
		return RequeueResult{}, notOpen(item)
	}
	source, err := m.executor.Get(ctx, tenantID, item.JobID)
	if err != nil {
		return RequeueResult{}, err
	}

	closed := item
	closed.Status = models.DLQRequeued
	closed.UpdatedAt = m.now()
	if err := m.items.UpdateDLQItem(ctx, closed, models.DLQOpen); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return RequeueResult{}, notOpen(item)
		}
		return RequeueResult{}, fmt.Errorf("close dlq item: %w", err)
	}

	payload := make(map[string]any, len(source.Payload)+1)
	for k, v := range source.Payload {
		payload[k] = v
	}
	payload["source_dlq_id"] = dlqID
	job, err := m.executor.Create(ctx, jobs.NewJob{
		TenantID: tenantID,
		Type:     source.Type,
		Resource: models.Resource{Type: "job", ID: source.ID},
		Payload:  payload,
		TraceID:  traceID,
		ThreadID: source.ThreadID,
	})
	if err != nil {
		// reopen the item so the requeue can be retried
		if rerr := m.items.UpdateDLQItem(ctx, item, models.DLQRequeued); rerr != nil {
			return RequeueResult{}, errors.Join(err, fmt.Errorf("reopen dlq item: %w", rerr))
		}
		return RequeueResult{}, err
	}
	if _, err := m.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditRequeueSubmitted,
		TraceID:  traceID,
		Payload: map[string]any{
			"dlq_id":        dlqID,
			"source_job_id": source.ID,
			"new_job_id":    job.ID,
		},
	}); err != nil {
		return RequeueResult{}, err
	}
	return RequeueResult{DLQID: dlqID, JobID: job.ID, Status: string(job.Status)}, nil
}

// DiscardResult is returned by Discard.
type DiscardResult struct {
	DLQID  string `json:"dlq_id"`
	Status string `json:"status"`
}

// Discard permanently closes an open item once two distinct reviewers approve.
// The mutation runs as the dlq_discard tool.
func (m *Manager) Discard(ctx context.Context, tenantID, dlqID, traceID string, env approval.Envelope) (DiscardResult, error) {
	if err := m.approvals.Check(ActionDiscard, env); err != nil {
		return DiscardResult{}, err
	}
	if err := discardPolicy.Check(ActionDiscard, env); err != nil {
		return DiscardResult{}, err
	}
	if _, err := m.Get(ctx, tenantID, dlqID); err != nil {
		return DiscardResult{}, err
	}

	input := map[string]any{
		"item_id":       dlqID,
		"reason":        env.Reason,
		"reviewer_id":   env.ReviewerID,
		"reviewer_id_2": env.ReviewerID2,
	}
	out, err := m.governor.Execute(ctx, ActionDiscard, input, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return m.discard(ctx, tenantID, dlqID, traceID, env)
	})
	if err != nil {
		code := "error"
		if ae, ok := apperr.As(err); ok {
			code = ae.Code
		}
		if _, aerr := m.audit.Append(ctx, audit.Record{
			TenantID: tenantID,
			Action:   AuditDiscardToolFailure,
			TraceID:  traceID,
			Payload:  map[string]any{"dlq_id": dlqID, "tool_name": ActionDiscard, "result": code},
		}); aerr != nil {
			return DiscardResult{}, errors.Join(err, aerr)
		}
		return DiscardResult{}, err
	}
	status, _ := out["status"].(string)
	return DiscardResult{DLQID: dlqID, Status: status}, nil
}

func (m *Manager) discard(ctx context.Context, tenantID, dlqID, traceID string, env approval.Envelope) (map[string]any, error) {
	item, err := m.Get(ctx, tenantID, dlqID)
	if err != nil {
		return nil, err
	}
	if item.Status != models.DLQOpen {
		return nil, notOpen(item)
	}
	next := item
	next.Status = models.DLQDiscarded
	next.UpdatedAt = m.now()
	if err := m.items.UpdateDLQItem(ctx, next, models.DLQOpen); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, notOpen(item)
		}
		return nil, fmt.Errorf("discard dlq item: %w", err)
	}
	reviewers := env.Reviewers()
	if _, err := m.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditDiscardSubmitted,
		TraceID:  traceID,
		Payload: map[string]any{
			"dlq_id":             dlqID,
			"job_id":             item.JobID,
			"reason":             env.Reason,
			"approval_reviewers": reviewers,
		},
	}); err != nil {
		return nil, err
	}
	return map[string]any{"item_id": dlqID, "status": next.Status}, nil
}

func notOpen(item models.DLQItem) error {
	return apperr.BusinessRule(apperr.CodeDLQItemNotOpen, http.StatusConflict, "dlq item is not open").
		WithDetails(map[string]any{"dlq_id": item.DLQID, "status": item.Status})
}
