package queue

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rq := NewRedisQueueWithClient(client, "bea")

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.sqlite3"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = rq.Close()
		_ = sq.Close()
	})
	return map[string]Backend{
		"memory": NewMemory(),
		"redis":  rq,
		"sqlite": sq,
	}
}

func TestQueueContract(t *testing.T) {
	for name, q := range backends(t) {
		q := q
		t.Run(name, func(t *testing.T) {
			t.Run("fifo and ack", func(t *testing.T) { testFIFOAndAck(t, q) })
			t.Run("tenant isolation", func(t *testing.T) { testTenantIsolation(t, q) })
			t.Run("nack requeue with delay", func(t *testing.T) { testNackDelay(t, q) })
			t.Run("nack drop", func(t *testing.T) { testNackDrop(t, q) })
			t.Run("list tenants", func(t *testing.T) { testListTenants(t, q) })
		})
	}
}

func testFIFOAndAck(t *testing.T, q Backend) {
	ctx := context.Background()
	require.NoError(t, q.Reset(ctx))

	first, err := q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_2"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first.MessageID, "msg_"))
	assert.Equal(t, 0, first.Attempt)

	n, err := q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok, err := q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.MessageID, got.MessageID)
	assert.Equal(t, "job_1", got.Payload["job_id"])

	require.NoError(t, q.Ack(ctx, "tenant_a", got.MessageID))
	assert.ErrorIs(t, q.Ack(ctx, "tenant_a", got.MessageID), ErrNotFound)

	n, err = q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testTenantIsolation(t *testing.T, q Backend) {
	ctx := context.Background()
	require.NoError(t, q.Reset(ctx))

	_, err := q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_1"})
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, "tenant_b", "jobs")
	require.NoError(t, err)
	assert.False(t, ok)

	msg, ok, err := q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, q.Ack(ctx, "tenant_b", msg.MessageID), ErrTenantMismatch)
	_, err = q.Nack(ctx, "tenant_b", msg.MessageID, true, 0)
	assert.ErrorIs(t, err, ErrTenantMismatch)
	assert.NoError(t, q.Ack(ctx, "tenant_a", msg.MessageID))
}

func testNackDelay(t *testing.T, q Backend) {
	ctx := context.Background()
	require.NoError(t, q.Reset(ctx))

	_, err := q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_1"})
	require.NoError(t, err)
	msg, ok, err := q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	require.True(t, ok)

	requeued, err := q.Nack(ctx, "tenant_a", msg.MessageID, true, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Attempt)

	_, ok, err = q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.False(t, ok, "delayed message must stay invisible")

	n, err := q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_2"})
	require.NoError(t, err)
	next, ok, err := q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job_2", next.Payload["job_id"])

	again, err := q.Nack(ctx, "tenant_a", next.MessageID, true, 0)
	require.NoError(t, err)
	back, ok, err := q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, again.MessageID, back.MessageID)
	assert.Equal(t, 1, back.Attempt)
}

func testNackDrop(t *testing.T, q Backend) {
	ctx := context.Background()
	require.NoError(t, q.Reset(ctx))

	_, err := q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_1"})
	require.NoError(t, err)
	msg, ok, err := q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	require.True(t, ok)

	dropped, err := q.Nack(ctx, "tenant_a", msg.MessageID, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped.Attempt)

	n, err := q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = q.Nack(ctx, "tenant_a", msg.MessageID, true, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testListTenants(t *testing.T, q Backend) {
	ctx := context.Background()
	require.NoError(t, q.Reset(ctx))

	for _, tenant := range []string{"tenant_c", "tenant_a", "tenant_b"} {
		_, err := q.Enqueue(ctx, tenant, "jobs", map[string]any{})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, "tenant_z", "other", map[string]any{})
	require.NoError(t, err)

	tenants, err := q.ListTenants(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant_a", "tenant_b", "tenant_c"}, tenants)

	msg, ok, err := q.Dequeue(ctx, "tenant_b", "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Ack(ctx, "tenant_b", msg.MessageID))

	tenants, err = q.ListTenants(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant_a", "tenant_c"}, tenants)
}

func TestPayloadAttemptSeedsCounter(t *testing.T) {
	q := NewMemory()
	msg, err := q.Enqueue(context.Background(), "t", "jobs", map[string]any{"attempt": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Attempt)
}

func TestMemoryKeysDoNotAliasAcrossTenants(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_, err := q.Enqueue(ctx, "a:queue:b", "c", map[string]any{"owner": "first"})
	require.NoError(t, err)

	n, err := q.PendingCount(ctx, "a", "b:queue:c")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, found, err := q.Dequeue(ctx, "a", "b:queue:c")
	require.NoError(t, err)
	assert.False(t, found)

	msg, found, err := q.Dequeue(ctx, "a:queue:b", "c")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", msg.Payload["owner"])
}
