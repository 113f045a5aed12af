package worker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/outbox"
	"bid-evaluation-service/internal/queue"
	"bid-evaluation-service/internal/store/memory"
)

type fixture struct {
	q     *queue.Memory
	ex    *jobs.Executor
	relay *outbox.Relay
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memory.New()
	q := queue.NewMemory()
	ex := jobs.NewExecutor(jobs.Stores{Jobs: st, DLQ: st, Checkpoints: st, Audit: st}, jobs.DefaultRetryPolicy())
	return fixture{q: q, ex: ex, relay: outbox.NewRelay(st, st, q)}
}

func (f fixture) createJob(t *testing.T, tenant, jobType string) models.Job {
	t.Helper()
	job, err := f.ex.Create(context.Background(), jobs.NewJob{
		TenantID: tenant,
		Type:     jobType,
		Resource: models.Resource{Type: "document", ID: models.NewID("doc")},
	})
	require.NoError(t, err)
	return job
}

func (f fixture) relayAll(t *testing.T) {
	t.Helper()
	_, err := f.relay.RelayAll(context.Background(), "jobs", "worker", 0)
	require.NoError(t, err)
}

func TestRunOnceExecutesRelayedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.createJob(t, "tenant_a", models.JobTypeParse)
	f.relayAll(t)

	p := NewProcessor(f.q, f.ex, f.relay, Options{}, "w1")
	st, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 1, st.Succeeded)
	assert.Equal(t, 1, st.Acked)
	assert.Len(t, st.MessageIDs, 1)

	got, err := f.ex.Get(ctx, "tenant_a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)

	n, err := f.q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceIsTenantFair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.createJob(t, "tenant_a", models.JobTypeParse)
	}
	f.createJob(t, "tenant_b", models.JobTypeParse)
	f.relayAll(t)

	p := NewProcessor(f.q, f.ex, nil, Options{TenantBurstLimit: 1, MaxPerIteration: 2}, "w1")
	st, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Processed)

	a, err := f.q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	b, err := f.q.PendingCount(ctx, "tenant_b", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, a)
	assert.Zero(t, b)

	total, err := p.DrainUntilIdle(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total.Processed)
	assert.Equal(t, 2, total.Succeeded)
}

func TestRunOnceRequeuesRetryingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ex.RegisterHandler("flaky", func(context.Context, models.Job) (jobs.Outcome, error) {
		return "", apperr.Availability("UPSTREAM_FLAKY", http.StatusServiceUnavailable, "upstream down")
	})
	job := f.createJob(t, "tenant_a", "flaky")
	f.relayAll(t)

	p := NewProcessor(f.q, f.ex, nil, Options{}, "w1")
	st, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Retrying)
	assert.Equal(t, 1, st.Requeued)
	assert.Zero(t, st.Acked)

	got, err := f.ex.Get(ctx, "tenant_a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// The message is back but not yet visible.
	n, err := f.q.PendingCount(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, err := f.q.Dequeue(ctx, "tenant_a", "jobs")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunOnceSkipsCancelledAndUnknownJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.createJob(t, "tenant_a", models.JobTypeParse)
	_, err := f.ex.Cancel(ctx, "tenant_a", job.ID, "tr_cancel")
	require.NoError(t, err)
	f.relayAll(t)
	_, err = f.q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"job_id": "job_missing"})
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, "tenant_a", "jobs", map[string]any{"event_type": "noise"})
	require.NoError(t, err)

	p := NewProcessor(f.q, f.ex, nil, Options{}, "w1")
	st, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Processed)
	assert.Equal(t, 3, st.Skipped)
	assert.Equal(t, 3, st.Acked)

	got, err := f.ex.Get(ctx, "tenant_a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestRunOnceCountsManualDecisionAsSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ex.RegisterHandler("review", func(context.Context, models.Job) (jobs.Outcome, error) {
		return jobs.OutcomeNeedsManualDecision, nil
	})
	job := f.createJob(t, "tenant_a", "review")
	f.relayAll(t)

	st, err := NewProcessor(f.q, f.ex, nil, Options{}, "w1").RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Succeeded)

	got, err := f.ex.Get(ctx, "tenant_a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsManualDecision, got.Status)
}

func TestDrainTenantInjectsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.createJob(t, "tenant_a", models.JobTypeParse)
	f.createJob(t, "tenant_b", models.JobTypeParse)
	f.relayAll(t)

	p := NewProcessor(f.q, f.ex, nil, Options{}, "w1")
	st, err := p.DrainTenant(ctx, "tenant_a", "jobs", 5, jobs.RunOptions{TransientFail: true})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 1, st.Requeued)

	got, err := f.ex.Get(ctx, "tenant_a", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, got.Status)
	assert.Equal(t, jobs.CodeRAGUpstreamUnavailable, got.LastError.Code)

	b, err := f.q.PendingCount(ctx, "tenant_b", "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, b)
}

func TestRunRelaysAndStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "tenant_a", models.JobTypeParse)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProcessor(f.q, f.ex, f.relay, Options{
		Concurrency:   2,
		PollInterval:  5 * time.Millisecond,
		RelayInterval: 5 * time.Millisecond,
	}, "w1")
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.ex.Get(context.Background(), "tenant_a", job.ID)
		return err == nil && got.Status == models.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}
