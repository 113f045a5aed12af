package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store/memory"
)

func TestAppendChainsPerTenant(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	log := New(st)

	first, err := log.Append(ctx, Record{TenantID: "tenant_a", Action: "job_created", TraceID: "tr_1"})
	require.NoError(t, err)
	second, err := log.Append(ctx, Record{TenantID: "tenant_a", Action: "job_cancelled", TraceID: "tr_2"})
	require.NoError(t, err)
	other, err := log.Append(ctx, Record{TenantID: "tenant_b", Action: "job_created"})
	require.NoError(t, err)

	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Empty(t, other.PrevHash, "tenant chains are independent")

	res, err := log.Verify(ctx, "tenant_a")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.CheckedCount)
	assert.Equal(t, second.EntryHash, res.LastHash)
}

func TestVerifyDetectsPayloadTamper(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	log := New(st)
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, Record{TenantID: "tenant_a", Action: "dlq_discard", Payload: map[string]any{"n": i}})
		require.NoError(t, err)
	}

	st.TamperAudit("tenant_a", 1, func(e *models.AuditEntry) { e.Payload = map[string]any{"n": 99} })

	res, err := log.Verify(ctx, "tenant_a")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonEntryHashMismatch, res.Reason)
	assert.Equal(t, 1, res.CheckedCount)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	log := New(st)
	for i := 0; i < 2; i++ {
		_, err := log.Append(ctx, Record{TenantID: "tenant_a", Action: "a"})
		require.NoError(t, err)
	}
	st.TamperAudit("tenant_a", 1, func(e *models.AuditEntry) { e.PrevHash = "deadbeef" })

	res, err := log.Verify(ctx, "tenant_a")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonPrevHashMismatch, res.Reason)
}

func TestConcurrentAppendsKeepChainValid(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := log.Append(ctx, Record{TenantID: "tenant_a", Action: fmt.Sprintf("action_%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := log.Verify(ctx, "tenant_a")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 50, res.CheckedCount)
}

func TestListByAction(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New())
	_, _ = log.Append(ctx, Record{TenantID: "t", Action: "x"})
	_, _ = log.Append(ctx, Record{TenantID: "t", Action: "y"})
	_, _ = log.Append(ctx, Record{TenantID: "t", Action: "x"})

	xs, err := log.ListByAction(ctx, "t", "x")
	require.NoError(t, err)
	assert.Len(t, xs, 2)
}
