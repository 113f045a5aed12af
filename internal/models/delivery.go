package models

import "time"

// Outbox event statuses.
const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
)

// OutboxEvent is written in the same commit as the state change it describes.
type OutboxEvent struct {
	EventID       string         `json:"event_id"`
	TenantID      string         `json:"tenant_id"`
	EventType     string         `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
}

// OutboxDelivery marks an event as enqueued for one consumer.
type OutboxDelivery struct {
	TenantID     string    `json:"tenant_id"`
	EventID      string    `json:"event_id"`
	ConsumerName string    `json:"consumer_name"`
	MessageID    string    `json:"message_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueueMessage is a tenant-scoped message on a named queue.
type QueueMessage struct {
	MessageID  string         `json:"message_id"`
	TenantID   string         `json:"tenant_id"`
	QueueName  string         `json:"queue_name"`
	Payload    map[string]any `json:"payload"`
	Attempt    int            `json:"attempt"`
	VisibleAt  time.Time      `json:"visible_at"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// DLQ item statuses.
const (
	DLQOpen      = "open"
	DLQRequeued  = "requeued"
	DLQDiscarded = "discarded"
)

// DLQItem is the terminal projection of a job that could not complete.
type DLQItem struct {
	DLQID      string    `json:"dlq_id"`
	JobID      string    `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	ErrorClass string    `json:"error_class"`
	ErrorCode  string    `json:"error_code"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
