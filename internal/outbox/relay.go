// Package outbox relays committed outbox events into the queue backend with
// one delivery record per (tenant, event, consumer).
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/queue"
	"bid-evaluation-service/internal/store"
	"bid-evaluation-service/internal/telemetry"
)

var tracer = otel.Tracer("outbox-relay")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Result summarises one relay pass.
type Result struct {
	PublishedCount int      `json:"published_count"`
	QueuedCount    int      `json:"queued_count"`
	SkippedCount   int      `json:"skipped_count"`
	MessageIDs     []string `json:"message_ids"`
}

// Relay bridges the outbox store and the queue backend.
type Relay struct {
	store store.OutboxStore
	jobs  store.JobStore
	queue queue.Backend
	now   func() time.Time
}

func NewRelay(st store.OutboxStore, jobs store.JobStore, q queue.Backend) *Relay {
	return &Relay{store: st, jobs: jobs, queue: q, now: func() time.Time { return time.Now().UTC() }}
}

// ClampLimit bounds a caller supplied page size to [1, 1000].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// List returns a tenant's outbox events filtered by status.
func (r *Relay) List(ctx context.Context, tenantID, status string, limit int) ([]models.OutboxEvent, error) {
	events, err := r.store.ListOutboxEvents(ctx, tenantID, status, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return events, nil
}

// MarkPublished flags one event published without enqueuing anything.
func (r *Relay) MarkPublished(ctx context.Context, tenantID, eventID string) (models.OutboxEvent, error) {
	ev, err := r.store.MarkOutboxPublished(ctx, tenantID, eventID, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return models.OutboxEvent{}, apperr.NotFound(apperr.CodeOutboxEventNotFound, "outbox event not found")
	}
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("mark outbox event published: %w", err)
	}
	return ev, nil
}

// Relay publishes up to limit pending events of one tenant to queueName for
// consumer. Relays of one tenant run one at a time, so an event is enqueued
// at most once per consumer even when the worker loop and an operator relay
// overlap.
func (r *Relay) Relay(ctx context.Context, tenantID, queueName, consumer string, limit int) (Result, error) {
	ctx, span := tracer.Start(ctx, "outbox.relay")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("consumer", consumer))

	unlock, err := r.store.LockOutboxTenant(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("lock outbox tenant: %w", err)
	}
	defer unlock()

	events, err := r.store.ListOutboxEvents(ctx, tenantID, models.OutboxPending, ClampLimit(limit))
	if err != nil {
		return Result{}, fmt.Errorf("list pending outbox events: %w", err)
	}
	res := Result{MessageIDs: make([]string, 0)}
	for _, ev := range events {
		if _, found, err := r.store.GetDelivery(ctx, tenantID, ev.EventID, consumer); err != nil {
			return res, fmt.Errorf("load delivery: %w", err)
		} else if found {
			if _, err := r.store.MarkOutboxPublished(ctx, tenantID, ev.EventID, r.now()); err != nil {
				return res, fmt.Errorf("mark outbox event published: %w", err)
			}
			res.SkippedCount++
			res.PublishedCount++
			telemetry.OutboxRelayed.WithLabelValues("skipped").Inc()
			continue
		}

		msg, err := r.queue.Enqueue(ctx, tenantID, queueName, r.payload(ctx, ev, consumer))
		if err != nil {
			return res, fmt.Errorf("enqueue outbox event %s: %w", ev.EventID, err)
		}
		stored, created, err := r.store.PutDelivery(ctx, models.OutboxDelivery{
			TenantID:     tenantID,
			EventID:      ev.EventID,
			ConsumerName: consumer,
			MessageID:    msg.MessageID,
			CreatedAt:    r.now(),
		})
		if err != nil {
			return res, fmt.Errorf("record delivery: %w", err)
		}
		if !created {
			slog.Warn("outbox delivery recorded by another relay",
				"event_id", ev.EventID, "message_id", msg.MessageID, "recorded_message_id", stored.MessageID)
		}
		if _, err := r.store.MarkOutboxPublished(ctx, tenantID, ev.EventID, r.now()); err != nil {
			return res, fmt.Errorf("mark outbox event published: %w", err)
		}
		res.QueuedCount++
		res.PublishedCount++
		res.MessageIDs = append(res.MessageIDs, msg.MessageID)
		telemetry.OutboxRelayed.WithLabelValues("queued").Inc()
	}
	return res, nil
}

// RelayAll runs Relay for every tenant with pending events.
func (r *Relay) RelayAll(ctx context.Context, queueName, consumer string, limit int) (Result, error) {
	tenants, err := r.store.PendingOutboxTenants(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list outbox tenants: %w", err)
	}
	total := Result{MessageIDs: make([]string, 0)}
	for _, t := range tenants {
		res, err := r.Relay(ctx, t, queueName, consumer, limit)
		total.PublishedCount += res.PublishedCount
		total.QueuedCount += res.QueuedCount
		total.SkippedCount += res.SkippedCount
		total.MessageIDs = append(total.MessageIDs, res.MessageIDs...)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// payload builds the queue message body for ev. Job fields are read from the
// job when the event's aggregate is a job.
func (r *Relay) payload(ctx context.Context, ev models.OutboxEvent, consumer string) map[string]any {
	p := map[string]any{
		"event_id":      ev.EventID,
		"event_type":    ev.EventType,
		"tenant_id":     ev.TenantID,
		"consumer_name": consumer,
		"job_id":        ev.Payload["job_id"],
		"job_type":      ev.Payload["job_type"],
		"trace_id":      ev.Payload["trace_id"],
		"attempt":       0,
	}
	if ev.AggregateType != "job" || r.jobs == nil {
		return p
	}
	job, err := r.jobs.GetJob(ctx, ev.AggregateID)
	if err != nil {
		slog.Warn("outbox job lookup failed", "event_id", ev.EventID, "job_id", ev.AggregateID, "err", err)
		return p
	}
	p["job_id"] = job.ID
	p["job_type"] = job.Type
	p["trace_id"] = job.TraceID
	p["attempt"] = job.RetryCount
	return p
}
