package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/audit"
)

// CleanupRequest names the business object whose artifact should be removed.
type CleanupRequest struct {
	TenantID   string
	ObjectType string
	ObjectID   string
	Reason     string
	TraceID    string
}

type CleanupResult struct {
	TenantID   string `json:"tenant_id"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Reason     string `json:"reason"`
	Cleaned    bool   `json:"cleaned"`
	Deleted    bool   `json:"deleted"`
	StorageURI string `json:"storage_uri,omitempty"`
}

// Cleanup deletes the object's artifact unless a legal hold or retention
// window blocks it. Blocked attempts are audited before the error returns.
func (m *Manager) Cleanup(ctx context.Context, req CleanupRequest) (CleanupResult, error) {
	objectType := strings.TrimSpace(req.ObjectType)
	objectID := strings.TrimSpace(req.ObjectID)
	if objectType == "" || objectID == "" || strings.TrimSpace(req.Reason) == "" {
		return CleanupResult{}, apperr.Validation(apperr.CodeReqValidationFailed, "object_type, object_id and reason are required")
	}

	uri, _, err := m.resolve(ctx, req.TenantID, objectType, objectID)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("resolve storage uri: %w", err)
	}
	hold, held, err := m.holds.FindActiveLegalHold(ctx, req.TenantID, objectType, objectID)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("find legal hold: %w", err)
	}
	if held {
		if uri == "" {
			uri = hold.StorageURI
		}
		return CleanupResult{}, m.blocked(ctx, req, uri, "legal_hold", nil, apperr.ErrLegalHoldActive)
	}

	if uri != "" {
		until, err := m.objects.Retention(ctx, uri)
		if err != nil {
			return CleanupResult{}, err
		}
		if until != nil && m.now().Before(*until) {
			return CleanupResult{}, m.blocked(ctx, req, uri, "retention", until, apperr.ErrRetentionActive)
		}
	}

	deleted := false
	if uri != "" {
		deleted, err = m.objects.Delete(ctx, uri)
		if err != nil {
			if apperr.HasCode(err, apperr.CodeLegalHoldActive) {
				return CleanupResult{}, m.blocked(ctx, req, uri, "legal_hold", nil, err)
			}
			if apperr.HasCode(err, apperr.CodeRetentionActive) {
				return CleanupResult{}, m.blocked(ctx, req, uri, "retention", nil, err)
			}
			return CleanupResult{}, err
		}
	}
	if _, err := m.audit.Append(ctx, audit.Record{
		TenantID: req.TenantID,
		Action:   AuditCleanupDone,
		TraceID:  req.TraceID,
		Payload: map[string]any{
			"object_type": objectType,
			"object_id":   objectID,
			"storage_uri": uri,
			"reason":      req.Reason,
			"deleted":     deleted,
		},
	}); err != nil {
		return CleanupResult{}, err
	}
	return CleanupResult{
		TenantID:   req.TenantID,
		ObjectType: objectType,
		ObjectID:   objectID,
		Reason:     req.Reason,
		Cleaned:    true,
		Deleted:    deleted,
		StorageURI: uri,
	}, nil
}

func (m *Manager) blocked(ctx context.Context, req CleanupRequest, uri, by string, until *time.Time, cause error) error {
	payload := map[string]any{
		"object_type": req.ObjectType,
		"object_id":   req.ObjectID,
		"storage_uri": uri,
		"reason":      req.Reason,
		"blocked_by":  by,
	}
	if until != nil {
		payload["retention_until"] = until.UTC().Format(time.RFC3339)
	}
	if _, err := m.audit.Append(ctx, audit.Record{
		TenantID: req.TenantID,
		Action:   AuditCleanupBlock,
		TraceID:  req.TraceID,
		Payload:  payload,
	}); err != nil {
		return err
	}
	return cause
}
