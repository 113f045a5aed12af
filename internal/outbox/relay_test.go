package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/queue"
	"bid-evaluation-service/internal/store/memory"
)

func seedJob(t *testing.T, st *memory.Store, tenant, jobID string) models.OutboxEvent {
	t.Helper()
	ev := models.OutboxEvent{
		EventID:       "evt_" + jobID,
		TenantID:      tenant,
		EventType:     "job.created",
		AggregateType: "job",
		AggregateID:   jobID,
		Payload:       map[string]any{"job_id": jobID},
		Status:        models.OutboxPending,
		CreatedAt:     time.Now().UTC(),
	}
	job := models.Job{ID: jobID, TenantID: tenant, Type: "parse", Status: models.StatusQueued, TraceID: "tr_" + jobID}
	require.NoError(t, st.CreateJob(context.Background(), job, ev))
	return ev
}

func TestRelayEnqueuesOncePerConsumer(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRelay(st, st, q)
	seedJob(t, st, "tenant_a", "job_1")

	res, err := r.Relay(ctx, "tenant_a", "jobs", "worker", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.QueuedCount)
	assert.Equal(t, 1, res.PublishedCount)
	require.Len(t, res.MessageIDs, 1)

	msg, ok, err := q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job_1", msg.Payload["job_id"])
	assert.Equal(t, "parse", msg.Payload["job_type"])
	assert.Equal(t, "tr_job_1", msg.Payload["trace_id"])
	assert.Equal(t, "worker", msg.Payload["consumer_name"])

	again, err := r.Relay(ctx, "tenant_a", "jobs", "worker", 10)
	require.NoError(t, err)
	assert.Zero(t, again.QueuedCount)
	assert.Zero(t, again.PublishedCount)
}

func TestRelayAfterCrashDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRelay(st, st, q)
	ev := seedJob(t, st, "tenant_a", "job_1")

	// Simulate a crash after enqueue and delivery record but before publish.
	msg, err := q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_1"})
	require.NoError(t, err)
	_, _, err = st.PutDelivery(ctx, models.OutboxDelivery{TenantID: "tenant_a", EventID: ev.EventID, ConsumerName: "worker", MessageID: msg.MessageID})
	require.NoError(t, err)

	res, err := r.Relay(ctx, "tenant_a", "jobs", "worker", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 1, res.PublishedCount)
	assert.Zero(t, res.QueuedCount)

	n, err := q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := st.GetOutboxEvent(ctx, "tenant_a", ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPublished, stored.Status)
	assert.NotNil(t, stored.PublishedAt)
}

// slowQueue stalls every enqueue so overlapping relays race on the same events.
type slowQueue struct {
	*queue.Memory
}

func (q slowQueue) Enqueue(ctx context.Context, tenantID, queueName string, payload map[string]any) (models.QueueMessage, error) {
	time.Sleep(time.Millisecond)
	return q.Memory.Enqueue(ctx, tenantID, queueName, payload)
}

func TestConcurrentRelaysEnqueueOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := slowQueue{Memory: queue.NewMemory()}
	r := NewRelay(st, st, q)
	for i := 0; i < 20; i++ {
		seedJob(t, st, "tenant_a", fmt.Sprintf("job_%d", i))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		queued int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Relay(ctx, "tenant_a", "jobs", "worker", 100)
			assert.NoError(t, err)
			mu.Lock()
			queued += res.QueuedCount
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, queued)
	n, err := q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestRelayAllCoversTenants(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := queue.NewMemory()
	r := NewRelay(st, st, q)
	seedJob(t, st, "tenant_a", "job_1")
	seedJob(t, st, "tenant_b", "job_2")

	res, err := r.RelayAll(ctx, "jobs", "worker", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.QueuedCount)

	tenants, err := q.ListTenants(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant_a", "tenant_b"}, tenants)
}

func TestMarkPublishedUnknownEvent(t *testing.T) {
	r := NewRelay(memory.New(), nil, queue.NewMemory())
	_, err := r.MarkPublished(context.Background(), "tenant_a", "evt_missing")
	assert.True(t, apperr.HasCode(err, apperr.CodeOutboxEventNotFound))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 100, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(1))
	assert.Equal(t, 1000, ClampLimit(5000))
}
