package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"bid-evaluation-service/internal/models"
)

// Memory is an in-process backend for tests and single-node runs.
type Memory struct {
	mu       sync.Mutex
	pending  map[memQueueKey][]models.QueueMessage
	inflight map[string]models.QueueMessage
	now      func() time.Time
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		pending:  make(map[memQueueKey][]models.QueueMessage),
		inflight: make(map[string]models.QueueMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// memQueueKey keeps tenant and queue apart so no pair of ids can alias another.
type memQueueKey struct {
	tenant string
	queue  string
}

func memKey(tenantID, queueName string) memQueueKey {
	return memQueueKey{tenant: tenantID, queue: queueName}
}

func (m *Memory) Enqueue(_ context.Context, tenantID, queueName string, payload map[string]any) (models.QueueMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	msg := models.QueueMessage{
		MessageID:  newMessageID(),
		TenantID:   tenantID,
		QueueName:  queueName,
		Payload:    payload,
		Attempt:    initialAttempt(payload),
		VisibleAt:  now,
		EnqueuedAt: now,
	}
	k := memKey(tenantID, queueName)
	m.pending[k] = append(m.pending[k], msg)
	return msg, nil
}

func (m *Memory) Dequeue(_ context.Context, tenantID, queueName string) (models.QueueMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenantID, queueName)
	now := m.now()
	q := m.pending[k]
	for i, msg := range q {
		if msg.VisibleAt.After(now) {
			continue
		}
		m.pending[k] = append(q[:i:i], q[i+1:]...)
		m.inflight[msg.MessageID] = msg
		return msg, true, nil
	}
	return models.QueueMessage{}, false, nil
}

func (m *Memory) Ack(_ context.Context, tenantID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.inflight[messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.TenantID != tenantID {
		return ErrTenantMismatch
	}
	delete(m.inflight, messageID)
	return nil
}

func (m *Memory) Nack(_ context.Context, tenantID, messageID string, requeue bool, delay time.Duration) (models.QueueMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.inflight[messageID]
	if !ok {
		return models.QueueMessage{}, ErrNotFound
	}
	if msg.TenantID != tenantID {
		return models.QueueMessage{}, ErrTenantMismatch
	}
	delete(m.inflight, messageID)
	msg.Attempt++
	if requeue {
		msg.VisibleAt = m.now().Add(clampDelay(delay))
		k := memKey(msg.TenantID, msg.QueueName)
		m.pending[k] = append([]models.QueueMessage{msg}, m.pending[k]...)
	}
	return msg, nil
}

func (m *Memory) PendingCount(_ context.Context, tenantID, queueName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[memKey(tenantID, queueName)]), nil
}

func (m *Memory) ListTenants(_ context.Context, queueName string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for k, q := range m.pending {
		if len(q) > 0 && k.queue == queueName {
			out = append(out, k.tenant)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[memQueueKey][]models.QueueMessage)
	m.inflight = make(map[string]models.QueueMessage)
	return nil
}

func (m *Memory) Close() error { return nil }
