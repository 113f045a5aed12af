// Package compliance keeps legal-hold records in step with the storage-level
// hold flag and runs guarded storage cleanup.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/approval"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/governor"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/storage"
	"bid-evaluation-service/internal/store"
)

const (
	ActionRelease = "legal_hold_release"

	AuditHoldImposed   = "legal_hold_imposed"
	AuditHoldReleased  = "legal_hold_released"
	AuditCleanupBlock  = "storage_cleanup_blocked"
	AuditCleanupDone   = "storage_cleanup_executed"
	AuditReleaseFailed = "legal_hold_release_tool_failed"
)

var releasePolicy = approval.NewPolicy(nil, []string{ActionRelease})

// Resolver finds the stored artifact behind a business object, if any.
type Resolver func(ctx context.Context, tenantID, objectType, objectID string) (string, bool, error)

// ReportResolver resolves "report" objects to their archived report URI.
func ReportResolver(reports store.ReportStore) Resolver {
	return func(ctx context.Context, tenantID, objectType, objectID string) (string, bool, error) {
		if objectType != "report" {
			return "", false, nil
		}
		r, err := reports.GetReport(ctx, objectID)
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if r.TenantID != tenantID || r.ReportURI == "" {
			return "", false, nil
		}
		return r.ReportURI, true, nil
	}
}

type Manager struct {
	holds     store.LegalHoldStore
	objects   *storage.Storage
	resolve   Resolver
	governor  *governor.Governor
	approvals approval.Policy
	audit     *audit.Log
	now       func() time.Time

	// imposeMu serializes the find-or-create of active holds.
	imposeMu sync.Mutex
}

func NewManager(holds store.LegalHoldStore, objects *storage.Storage, resolve Resolver, gov *governor.Governor, approvals approval.Policy, log *audit.Log) *Manager {
	if resolve == nil {
		resolve = func(context.Context, string, string, string) (string, bool, error) { return "", false, nil }
	}
	return &Manager{
		holds:     holds,
		objects:   objects,
		resolve:   resolve,
		governor:  gov,
		approvals: approvals,
		audit:     log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ImposeRequest describes a new hold. StorageURI is optional; when empty the
// resolver is asked for the object's artifact.
type ImposeRequest struct {
	TenantID   string
	ObjectType string
	ObjectID   string
	StorageURI string
	Reason     string
	ImposedBy  string
	TraceID    string
}

// Impose places a hold, or returns the hold already active on the object.
func (m *Manager) Impose(ctx context.Context, req ImposeRequest) (models.LegalHold, error) {
	objectType := strings.TrimSpace(req.ObjectType)
	objectID := strings.TrimSpace(req.ObjectID)
	reason := strings.TrimSpace(req.Reason)
	imposedBy := strings.TrimSpace(req.ImposedBy)
	if objectType == "" || objectID == "" || reason == "" || imposedBy == "" {
		return models.LegalHold{}, apperr.Validation(apperr.CodeReqValidationFailed, "object_type, object_id, reason and imposed_by are required")
	}

	m.imposeMu.Lock()
	defer m.imposeMu.Unlock()

	existing, found, err := m.holds.FindActiveLegalHold(ctx, req.TenantID, objectType, objectID)
	if err != nil {
		return models.LegalHold{}, fmt.Errorf("find legal hold: %w", err)
	}
	if found {
		return existing, nil
	}

	uri := strings.TrimSpace(req.StorageURI)
	if uri != "" && !m.objects.OwnedBy(uri, req.TenantID) {
		return models.LegalHold{}, apperr.ErrTenantScopeViolation.WithDetails(map[string]any{"storage_uri": uri})
	}
	if uri == "" {
		if uri, _, err = m.resolve(ctx, req.TenantID, objectType, objectID); err != nil {
			return models.LegalHold{}, fmt.Errorf("resolve storage uri: %w", err)
		}
	}
	hold := models.LegalHold{
		HoldID:     models.NewID("hold"),
		TenantID:   req.TenantID,
		ObjectType: objectType,
		ObjectID:   objectID,
		StorageURI: uri,
		Reason:     reason,
		ImposedBy:  imposedBy,
		Status:     models.HoldActive,
		CreatedAt:  m.now(),
	}
	if uri != "" {
		if _, err := m.objects.ApplyLegalHold(ctx, uri); err != nil {
			return models.LegalHold{}, err
		}
	}
	if err := m.holds.CreateLegalHold(ctx, hold); err != nil {
		return models.LegalHold{}, fmt.Errorf("create legal hold: %w", err)
	}
	if _, err := m.audit.Append(ctx, audit.Record{
		TenantID: req.TenantID,
		Action:   AuditHoldImposed,
		TraceID:  req.TraceID,
		Payload: map[string]any{
			"hold_id":     hold.HoldID,
			"object_type": objectType,
			"object_id":   objectID,
			"storage_uri": uri,
			"reason":      reason,
			"imposed_by":  imposedBy,
		},
	}); err != nil {
		return models.LegalHold{}, err
	}
	return hold, nil
}

// List returns the tenant's holds newest first.
func (m *Manager) List(ctx context.Context, tenantID, status string) ([]models.LegalHold, error) {
	items, err := m.holds.ListLegalHolds(ctx, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list legal holds: %w", err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (m *Manager) get(ctx context.Context, tenantID, holdID string) (models.LegalHold, error) {
	h, err := m.holds.GetLegalHold(ctx, holdID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && h.TenantID != tenantID) {
		return models.LegalHold{}, apperr.NotFound(apperr.CodeLegalHoldNotFound, "legal hold not found")
	}
	if err != nil {
		return models.LegalHold{}, fmt.Errorf("get legal hold: %w", err)
	}
	return h, nil
}

func releaseConflict(holdID string) error {
	return apperr.BusinessRule(apperr.CodeLegalHoldReleaseConflict, http.StatusConflict, "legal hold already released").
		WithDetails(map[string]any{"hold_id": holdID})
}

// Release lifts an active hold after dual approval. The mutation runs as the
// legal_hold_release tool.
func (m *Manager) Release(ctx context.Context, tenantID, holdID, traceID string, env approval.Envelope) (models.LegalHold, error) {
	hold, err := m.get(ctx, tenantID, holdID)
	if err != nil {
		return models.LegalHold{}, err
	}
	if hold.Status != models.HoldActive {
		return models.LegalHold{}, releaseConflict(holdID)
	}
	if err := m.approvals.Check(ActionRelease, env); err != nil {
		return models.LegalHold{}, err
	}
	if err := releasePolicy.Check(ActionRelease, env); err != nil {
		return models.LegalHold{}, err
	}

	var released models.LegalHold
	input := map[string]any{
		"hold_id":       holdID,
		"reason":        env.Reason,
		"reviewer_id":   env.ReviewerID,
		"reviewer_id_2": env.ReviewerID2,
	}
	_, err = m.governor.Execute(ctx, ActionRelease, input, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		h, err := m.release(ctx, tenantID, holdID, traceID, env)
		if err != nil {
			return nil, err
		}
		released = h
		return map[string]any{"hold_id": h.HoldID, "status": h.Status}, nil
	})
	if err != nil {
		code := "error"
		if ae, ok := apperr.As(err); ok {
			code = ae.Code
		}
		if _, aerr := m.audit.Append(ctx, audit.Record{
			TenantID: tenantID,
			Action:   AuditReleaseFailed,
			TraceID:  traceID,
			Payload:  map[string]any{"hold_id": holdID, "tool_name": ActionRelease, "result": code},
		}); aerr != nil {
			return models.LegalHold{}, errors.Join(err, aerr)
		}
		return models.LegalHold{}, err
	}
	return released, nil
}

func (m *Manager) release(ctx context.Context, tenantID, holdID, traceID string, env approval.Envelope) (models.LegalHold, error) {
	hold, err := m.get(ctx, tenantID, holdID)
	if err != nil {
		return models.LegalHold{}, err
	}
	if hold.Status != models.HoldActive {
		return models.LegalHold{}, releaseConflict(holdID)
	}
	if hold.StorageURI == "" {
		uri, _, err := m.resolve(ctx, tenantID, hold.ObjectType, hold.ObjectID)
		if err != nil {
			return models.LegalHold{}, fmt.Errorf("resolve storage uri: %w", err)
		}
		hold.StorageURI = uri
	}

	now := m.now()
	next := hold
	next.Status = models.HoldReleased
	next.ReleasedBy = env.Reviewers()
	next.ReleasedAt = &now
	if err := m.holds.UpdateLegalHold(ctx, next, models.HoldActive); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return models.LegalHold{}, releaseConflict(holdID)
		}
		return models.LegalHold{}, fmt.Errorf("update legal hold: %w", err)
	}
	if next.StorageURI != "" {
		if _, err := m.objects.ReleaseLegalHold(ctx, next.StorageURI); err != nil {
			return models.LegalHold{}, err
		}
	}
	if _, err := m.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditHoldReleased,
		TraceID:  traceID,
		Payload: map[string]any{
			"hold_id":            holdID,
			"object_type":        next.ObjectType,
			"object_id":          next.ObjectID,
			"reason":             strings.TrimSpace(env.Reason),
			"approval_reviewers": next.ReleasedBy,
		},
	}); err != nil {
		return models.LegalHold{}, err
	}
	return next, nil
}
