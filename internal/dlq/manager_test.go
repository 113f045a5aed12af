package dlq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/approval"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/governor"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store/memory"
)

type fixture struct {
	st  *memory.Store
	ex  *jobs.Executor
	mgr *Manager
	log *audit.Log
}

func newFixture(t *testing.T, opts governor.Options) fixture {
	t.Helper()
	st := memory.New()
	ex := jobs.NewExecutor(jobs.Stores{Jobs: st, DLQ: st, Checkpoints: st, Audit: st}, jobs.RetryPolicy{MaxRetries: 0, Base: time.Millisecond, Max: time.Millisecond})
	reg, err := governor.DefaultRegistry()
	require.NoError(t, err)
	gov := governor.New(reg, governor.NewState(5, time.Minute), opts)
	log := audit.New(st)
	return fixture{st: st, ex: ex, log: log, mgr: NewManager(st, ex, gov, approval.NewPolicy(nil, nil), log)}
}

// deadLetter creates a job and force-fails it into the DLQ.
func deadLetter(t *testing.T, f fixture) (models.Job, string) {
	t.Helper()
	ctx := context.Background()
	job, err := f.ex.Create(ctx, jobs.NewJob{TenantID: "tenant_a", Type: models.JobTypeParse, Payload: map[string]any{"document_id": "doc_1"}})
	require.NoError(t, err)
	res, err := f.ex.RunOnce(ctx, "tenant_a", job.ID, jobs.RunOptions{ForceFail: true})
	require.NoError(t, err)
	require.Equal(t, string(models.StatusDLQRecorded), res.FinalStatus)
	require.NotEmpty(t, res.DLQID)
	return job, res.DLQID
}

func TestRequeueCreatesFreshJobOnSameThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governor.Options{})
	source, dlqID := deadLetter(t, f)

	res, err := f.mgr.Requeue(ctx, "tenant_a", dlqID, "tr_requeue")
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)
	assert.NotEqual(t, source.ID, res.JobID)

	job, err := f.ex.Get(ctx, "tenant_a", res.JobID)
	require.NoError(t, err)
	assert.Equal(t, source.ThreadID, job.ThreadID)
	assert.Equal(t, source.Type, job.Type)
	assert.Zero(t, job.RetryCount)
	assert.Equal(t, dlqID, job.Payload["source_dlq_id"])
	assert.Equal(t, "doc_1", job.Payload["document_id"])

	item, err := f.mgr.Get(ctx, "tenant_a", dlqID)
	require.NoError(t, err)
	assert.Equal(t, models.DLQRequeued, item.Status)

	_, err = f.mgr.Requeue(ctx, "tenant_a", dlqID, "tr_requeue")
	assert.True(t, apperr.HasCode(err, apperr.CodeDLQItemNotOpen))

	entries, err := f.log.ListByAction(ctx, "tenant_a", AuditRequeueSubmitted)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.JobID, entries[0].Payload["new_job_id"])
}

func TestRequeueIsTenantScoped(t *testing.T) {
	f := newFixture(t, governor.Options{})
	_, dlqID := deadLetter(t, f)

	_, err := f.mgr.Requeue(context.Background(), "tenant_b", dlqID, "")
	assert.True(t, apperr.HasCode(err, apperr.CodeDLQItemNotFound))
}

func TestDiscardRequiresDualApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governor.Options{})
	_, dlqID := deadLetter(t, f)

	for _, env := range []approval.Envelope{
		{Reason: "dup", ReviewerID: "alice"},
		{Reason: "dup", ReviewerID: "alice", ReviewerID2: "alice"},
		{ReviewerID: "alice", ReviewerID2: "bob"},
	} {
		_, err := f.mgr.Discard(ctx, "tenant_a", dlqID, "", env)
		assert.True(t, apperr.HasCode(err, apperr.CodeApprovalRequired))
	}
	item, err := f.mgr.Get(ctx, "tenant_a", dlqID)
	require.NoError(t, err)
	assert.Equal(t, models.DLQOpen, item.Status)
}

func TestDiscardRunsThroughGovernor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governor.Options{})
	_, dlqID := deadLetter(t, f)
	env := approval.Envelope{Reason: "poison message", ReviewerID: "alice", ReviewerID2: "bob"}

	res, err := f.mgr.Discard(ctx, "tenant_a", dlqID, "tr_discard", env)
	require.NoError(t, err)
	assert.Equal(t, models.DLQDiscarded, res.Status)

	entries, err := f.log.ListByAction(ctx, "tenant_a", AuditDiscardSubmitted)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"alice", "bob"}, entries[0].Payload["approval_reviewers"])

	_, err = f.mgr.Discard(ctx, "tenant_a", dlqID, "tr_discard", env)
	assert.True(t, apperr.HasCode(err, apperr.CodeDLQItemNotOpen))
	_, err = f.mgr.Requeue(ctx, "tenant_a", dlqID, "")
	assert.True(t, apperr.HasCode(err, apperr.CodeDLQItemNotOpen))

	v, err := f.log.Verify(ctx, "tenant_a")
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestDiscardDisabledTool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governor.Options{DisabledRiskLevels: []string{"L3"}})
	_, dlqID := deadLetter(t, f)

	_, err := f.mgr.Discard(ctx, "tenant_a", dlqID, "", approval.Envelope{Reason: "r", ReviewerID: "a", ReviewerID2: "b"})
	assert.True(t, apperr.HasCode(err, apperr.CodeToolDisabled))

	item, err := f.mgr.Get(ctx, "tenant_a", dlqID)
	require.NoError(t, err)
	assert.Equal(t, models.DLQOpen, item.Status)

	failures, err := f.log.ListByAction(ctx, "tenant_a", AuditDiscardToolFailure)
	require.NoError(t, err)
	assert.Len(t, failures, 1)
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governor.Options{})
	_, first := deadLetter(t, f)
	deadLetter(t, f)
	_, err := f.mgr.Requeue(ctx, "tenant_a", first, "")
	require.NoError(t, err)

	open, err := f.mgr.List(ctx, "tenant_a", models.DLQOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	all, err := f.mgr.List(ctx, "tenant_a", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	other, err := f.mgr.List(ctx, "tenant_b", "")
	require.NoError(t, err)
	assert.Empty(t, other)
}

type flakyJobs struct {
	*memory.Store
	fail atomic.Bool
}

func (f *flakyJobs) CreateJob(ctx context.Context, job models.Job, events ...models.OutboxEvent) error {
	if f.fail.Load() {
		return errors.New("connection reset")
	}
	return f.Store.CreateJob(ctx, job, events...)
}

func TestRequeueReopensItemWhenJobCreateFails(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	jobStore := &flakyJobs{Store: st}
	ex := jobs.NewExecutor(jobs.Stores{Jobs: jobStore, DLQ: st, Checkpoints: st, Audit: st}, jobs.RetryPolicy{MaxRetries: 0, Base: time.Millisecond, Max: time.Millisecond})
	reg, err := governor.DefaultRegistry()
	require.NoError(t, err)
	log := audit.New(st)
	f := fixture{st: st, ex: ex, log: log, mgr: NewManager(st, ex, governor.New(reg, governor.NewState(5, time.Minute), governor.Options{}), approval.NewPolicy(nil, nil), log)}
	_, dlqID := deadLetter(t, f)

	jobStore.fail.Store(true)
	_, err = f.mgr.Requeue(ctx, "tenant_a", dlqID, "tr_requeue")
	require.Error(t, err)

	item, err := f.mgr.Get(ctx, "tenant_a", dlqID)
	require.NoError(t, err)
	assert.Equal(t, models.DLQOpen, item.Status)

	jobStore.fail.Store(false)
	res, err := f.mgr.Requeue(ctx, "tenant_a", dlqID, "tr_requeue")
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)
}
