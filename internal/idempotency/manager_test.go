package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/store/memory"
)

func TestReplayReturnsIdenticalBytes(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New())
	var calls atomic.Int32
	exec := func(context.Context) (any, error) {
		n := calls.Add(1)
		return map[string]any{"job_id": "job_1", "call": n}, nil
	}
	payload := map[string]any{"project_id": "prj_1"}

	first, err := m.Run(ctx, "POST /evaluations", "tenant_a", "key-1", payload, exec)
	require.NoError(t, err)
	second, err := m.Run(ctx, "POST /evaluations", "tenant_a", "key-1", map[string]any{"project_id": "prj_1"}, exec)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.Response, second.Response)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
}

func TestConflictNeverExecutes(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New())
	_, err := m.Run(ctx, "POST /evaluations", "tenant_a", "key-1", map[string]any{"a": 1}, func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	executed := false
	_, err = m.Run(ctx, "POST /evaluations", "tenant_a", "key-1", map[string]any{"a": 2}, func(context.Context) (any, error) {
		executed = true
		return "other", nil
	})
	assert.ErrorIs(t, err, apperr.ErrIdempotencyConflict)
	assert.False(t, executed)
}

func TestMissingKey(t *testing.T) {
	m := NewManager(memory.New())
	_, err := m.Run(context.Background(), "POST /x", "tenant_a", "  ", nil, func(context.Context) (any, error) {
		t.Fatal("execute must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, apperr.ErrIdempotencyMissing)
}

func TestScopeIsolatesTenantsAndEndpoints(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New())
	var calls atomic.Int32
	exec := func(context.Context) (any, error) { calls.Add(1); return "ok", nil }

	_, err := m.Run(ctx, "POST /a", "tenant_a", "k", 1, exec)
	require.NoError(t, err)
	_, err = m.Run(ctx, "POST /a", "tenant_b", "k", 2, exec)
	require.NoError(t, err)
	_, err = m.Run(ctx, "POST /b", "tenant_a", "k", 3, exec)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
}

func TestFailedExecuteIsNotStored(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New())
	boom := errors.New("boom")

	_, err := m.Run(ctx, "POST /a", "t", "k", 1, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	res, err := m.Run(ctx, "POST /a", "t", "k", 1, func(context.Context) (any, error) { return "second", nil })
	require.NoError(t, err)
	assert.JSONEq(t, `"second"`, string(res.Response))
}

func TestConcurrentSameKeyExecutesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New())
	var calls atomic.Int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	responses := make([]string, 20)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := m.Run(ctx, "POST /jobs", "t", "same", map[string]any{"x": 1}, func(context.Context) (any, error) {
				return map[string]any{"n": calls.Add(1)}, nil
			})
			if assert.NoError(t, err) {
				responses[i] = string(res.Response)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range responses {
		assert.Equal(t, responses[0], r)
	}
}
