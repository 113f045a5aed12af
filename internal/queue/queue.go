// Package queue provides tenant-scoped named queues with visibility delays.
// Memory, Redis and SQLite backends share one contract.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/models"
)

var (
	// ErrTenantMismatch is returned when a caller acks or nacks another tenant's message.
	ErrTenantMismatch = errors.New("tenant mismatch for queue message")
	// ErrNotFound is returned for unknown messages or messages that are not in flight.
	ErrNotFound = errors.New("queue message not found or not in flight")
)

// Backend is the queue contract consumed by the outbox relay, the worker and ops tooling.
type Backend interface {
	Enqueue(ctx context.Context, tenantID, queueName string, payload map[string]any) (models.QueueMessage, error)
	// Dequeue returns the next visible message and marks it in flight. ok is
	// false when the queue is empty or every message is still delayed.
	Dequeue(ctx context.Context, tenantID, queueName string) (msg models.QueueMessage, ok bool, err error)
	Ack(ctx context.Context, tenantID, messageID string) error
	// Nack drops the message or, with requeue, returns it with attempt+1
	// after delay.
	Nack(ctx context.Context, tenantID, messageID string, requeue bool, delay time.Duration) (models.QueueMessage, error)
	// PendingCount counts messages waiting to be dequeued, delayed ones included.
	PendingCount(ctx context.Context, tenantID, queueName string) (int, error)
	// ListTenants returns tenants with pending messages on queueName, sorted.
	ListTenants(ctx context.Context, queueName string) ([]string, error)
	Reset(ctx context.Context) error
	Close() error
}

// New builds the backend selected by QUEUE_BACKEND.
func New(cfg config.Config) (Backend, error) {
	switch strings.ToLower(cfg.QueueBackend) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedisQueue(cfg), nil
	case "sqlite":
		return OpenSQLite(cfg.QueueSQLitePath)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// newMessageID returns msg_ followed by a time-ordered hex id.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "msg_" + strings.ReplaceAll(id.String(), "-", "")
}

// initialAttempt honours an attempt counter carried in the payload.
func initialAttempt(payload map[string]any) int {
	switch v := payload["attempt"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
