// Package audit appends tamper-evident, per-tenant hash-chained entries and
// verifies chain integrity on demand.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"bid-evaluation-service/internal/canonical"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
	"bid-evaluation-service/internal/telemetry"
)

var tracer = otel.Tracer("audit-log")

// Verification failure reasons.
const (
	ReasonPrevHashMismatch  = "prev_hash_mismatch"
	ReasonEntryHashMismatch = "entry_hash_mismatch"
)

// Log is the audit facade used by every mutating component.
type Log struct {
	store store.AuditStore
	now   func() time.Time
}

func New(st store.AuditStore) *Log {
	return &Log{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record names one audit action.
type Record struct {
	TenantID string
	Action   string
	TraceID  string
	Payload  map[string]any
}

// Append links rec onto the tenant's chain.
func (l *Log) Append(ctx context.Context, rec Record) (models.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "audit.append")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", rec.TenantID), attribute.String("action", rec.Action))

	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	entry, err := l.store.AppendAudit(ctx, rec.TenantID, func(prevHash string) (models.AuditEntry, error) {
		e := models.AuditEntry{
			AuditID:    models.NewID("audit"),
			TenantID:   rec.TenantID,
			Action:     rec.Action,
			TraceID:    rec.TraceID,
			OccurredAt: l.now().Truncate(time.Microsecond),
			Payload:    payload,
			PrevHash:   prevHash,
		}
		h, err := EntryHash(e)
		if err != nil {
			return models.AuditEntry{}, err
		}
		e.EntryHash = h
		return e, nil
	})
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit %s: %w", rec.Action, err)
	}
	telemetry.AuditAppends.WithLabelValues(rec.Action).Inc()
	return entry, nil
}

// EntryHash hashes the canonical form of e with entry_hash excluded and prev_hash included.
func EntryHash(e models.AuditEntry) (string, error) {
	material := map[string]any{
		"audit_id":    e.AuditID,
		"tenant_id":   e.TenantID,
		"action":      e.Action,
		"trace_id":    e.TraceID,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     e.Payload,
		"prev_hash":   e.PrevHash,
	}
	data, err := canonical.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("canonical audit entry: %w", err)
	}
	return canonical.HashWithDomain(canonical.DomainAudit, data), nil
}

// List returns the tenant's entries in append order.
func (l *Log) List(ctx context.Context, tenantID string) ([]models.AuditEntry, error) {
	return l.store.ListAudit(ctx, tenantID)
}

// ListByAction filters List to one action.
func (l *Log) ListByAction(ctx context.Context, tenantID, action string) ([]models.AuditEntry, error) {
	entries, err := l.store.ListAudit(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]models.AuditEntry, 0)
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify walks the tenant's chain and reports the first broken link.
func (l *Log) Verify(ctx context.Context, tenantID string) (models.AuditVerification, error) {
	entries, err := l.store.ListAudit(ctx, tenantID)
	if err != nil {
		return models.AuditVerification{}, fmt.Errorf("list audit: %w", err)
	}
	return VerifyChain(entries), nil
}

// VerifyChain checks linkage and recomputes every hash.
func VerifyChain(entries []models.AuditEntry) models.AuditVerification {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return models.AuditVerification{Valid: false, CheckedCount: i, Reason: ReasonPrevHashMismatch, AuditID: e.AuditID, LastHash: prev}
		}
		h, err := EntryHash(e)
		if err != nil || h != e.EntryHash {
			return models.AuditVerification{Valid: false, CheckedCount: i, Reason: ReasonEntryHashMismatch, AuditID: e.AuditID, LastHash: prev}
		}
		prev = e.EntryHash
	}
	return models.AuditVerification{Valid: true, CheckedCount: len(entries), LastHash: prev}
}
