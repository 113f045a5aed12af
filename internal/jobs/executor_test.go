package jobs

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store/memory"
	"bid-evaluation-service/internal/workflow"
)

func newTestExecutor(t *testing.T) (*Executor, *memory.Store) {
	t.Helper()
	st := memory.New()
	ex := NewExecutor(Stores{Jobs: st, DLQ: st, Checkpoints: st, Audit: st}, RetryPolicy{MaxRetries: 2, Base: 100 * time.Millisecond, Max: time.Second})
	return ex, st
}

func createJob(t *testing.T, ex *Executor, jobType string) models.Job {
	t.Helper()
	job, err := ex.Create(context.Background(), NewJob{TenantID: "tenant_a", Type: jobType, TraceID: "tr_1"})
	require.NoError(t, err)
	return job
}

func TestCreateAppendsOutboxEvent(t *testing.T) {
	ctx := context.Background()
	ex, st := newTestExecutor(t)
	job := createJob(t, ex, models.JobTypeEvaluation)

	assert.Equal(t, models.StatusQueued, job.Status)
	assert.NotEmpty(t, job.ThreadID)

	events, err := st.ListOutboxEvents(ctx, "tenant_a", models.OutboxPending, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventJobCreated, events[0].EventType)
	assert.Equal(t, job.ID, events[0].AggregateID)
	assert.Equal(t, "tr_1", events[0].Payload["trace_id"])
}

func TestGetHidesOtherTenants(t *testing.T) {
	ex, _ := newTestExecutor(t)
	job := createJob(t, ex, "parse")

	_, err := ex.Get(context.Background(), "tenant_b", job.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeJobNotFound))
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.JobStatus
		ok       bool
	}{
		{models.StatusQueued, models.StatusRunning, true},
		{models.StatusQueued, models.StatusFailed, false},
		{models.StatusQueued, models.StatusSucceeded, false},
		{models.StatusRunning, models.StatusSucceeded, true},
		{models.StatusRunning, models.StatusNeedsManualDecision, true},
		{models.StatusRunning, models.StatusDLQPending, false},
		{models.StatusRetrying, models.StatusRunning, true},
		{models.StatusFailed, models.StatusDLQPending, true},
		{models.StatusDLQPending, models.StatusDLQRecorded, true},
		{models.StatusNeedsManualDecision, models.StatusCancelled, true},
		{models.StatusSucceeded, models.StatusCancelled, false},
		{models.StatusDLQRecorded, models.StatusQueued, false},
		{models.StatusCancelled, models.StatusCancelled, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			ae, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.CodeTransitionInvalid, ae.Code)
			assert.Equal(t, http.StatusConflict, ae.HTTPStatus)
		})
	}
}

func TestForcedTransitionIsValidated(t *testing.T) {
	ex, _ := newTestExecutor(t)
	job := createJob(t, ex, "parse")

	_, err := ex.Transition(context.Background(), "tenant_a", job.ID, models.StatusFailed)
	assert.True(t, apperr.HasCode(err, apperr.CodeTransitionInvalid))

	moved, err := ex.Transition(context.Background(), "tenant_a", job.ID, models.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, moved.Status)
}

func TestRunOnceSucceeds(t *testing.T) {
	ctx := context.Background()
	ex, st := newTestExecutor(t)
	job := createJob(t, ex, "parse")

	res, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusSucceeded), res.FinalStatus)

	cps, err := st.ListCheckpoints(ctx, "tenant_a", job.ThreadID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, workflow.NodeJobStarted, cps[0].Node)
	assert.Equal(t, workflow.NodeJobSucceeded, cps[1].Node)

	_, err = ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{})
	assert.True(t, apperr.HasCode(err, apperr.CodeTransitionInvalid))
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	ex, st := newTestExecutor(t)
	job := createJob(t, ex, "parse")

	for i := 1; i <= 2; i++ {
		res, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{TransientFail: true})
		require.NoError(t, err)
		assert.Equal(t, string(models.StatusRetrying), res.FinalStatus)
		assert.Equal(t, i, res.RetryCount)
		assert.Equal(t, ex.Policy().BackoffMS(job.ID, i), res.RetryAfterMS)
		assert.Equal(t, CodeRAGUpstreamUnavailable, res.ErrorCode)
	}

	res, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{TransientFail: true})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusDLQRecorded), res.FinalStatus)
	assert.NotEmpty(t, res.DLQID)

	item, err := st.GetDLQItem(ctx, res.DLQID)
	require.NoError(t, err)
	assert.Equal(t, models.DLQOpen, item.Status)
	assert.Equal(t, CodeRAGUpstreamUnavailable, item.ErrorCode)

	stored, err := ex.Get(ctx, "tenant_a", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, CodeRAGUpstreamUnavailable, stored.LastError.Code)
}

func TestForceFailDefaultsByJobType(t *testing.T) {
	ctx := context.Background()
	ex, st := newTestExecutor(t)
	parse := createJob(t, ex, models.JobTypeParse)
	eval := createJob(t, ex, models.JobTypeEvaluation)

	pr, err := ex.RunOnce(ctx, "tenant_a", parse.ID, RunOptions{ForceFail: true})
	require.NoError(t, err)
	er, err := ex.RunOnce(ctx, "tenant_a", eval.ID, RunOptions{ForceFail: true, TransientFail: true})
	require.NoError(t, err)

	pi, err := st.GetDLQItem(ctx, pr.DLQID)
	require.NoError(t, err)
	assert.Equal(t, CodeDocParseOutputNotFound, pi.ErrorCode)
	assert.Equal(t, ClassPermanent, pi.ErrorClass)

	ei, err := st.GetDLQItem(ctx, er.DLQID)
	require.NoError(t, err)
	assert.Equal(t, CodeInternalForcedFail, ei.ErrorCode)
}

func TestDeadLetterCheckpointsEveryStep(t *testing.T) {
	ctx := context.Background()
	ex, st := newTestExecutor(t)
	job := createJob(t, ex, models.JobTypeParse)
	_, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{ForceFail: true})
	require.NoError(t, err)

	cps, err := st.ListCheckpoints(ctx, "tenant_a", job.ThreadID)
	require.NoError(t, err)
	nodes := make([]string, 0, len(cps))
	for _, cp := range cps {
		nodes = append(nodes, cp.Node)
	}
	assert.Equal(t, []string{workflow.NodeJobStarted, workflow.NodeJobFailed, workflow.NodeJobDLQPending, workflow.NodeJobDLQRecorded}, nodes)
}

func TestHandlerErrorsAreClassified(t *testing.T) {
	ctx := context.Background()
	ex, _ := newTestExecutor(t)
	ex.RegisterHandler("flaky", func(context.Context, models.Job) (Outcome, error) {
		return "", apperr.Availability(CodeRAGUpstreamUnavailable, http.StatusServiceUnavailable, "retrieval down")
	})
	ex.RegisterHandler("broken", func(context.Context, models.Job) (Outcome, error) {
		return "", errors.New("nil pointer in scorer")
	})
	ex.RegisterHandler("bbox", func(context.Context, models.Job) (Outcome, error) {
		return "", apperr.New(CodeMineruBBoxFormatInvalid, apperr.KindValidation, http.StatusUnprocessableEntity, true, "bad bbox")
	})

	flaky := createJob(t, ex, "flaky")
	res, err := ex.RunOnce(ctx, "tenant_a", flaky.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusRetrying), res.FinalStatus)

	broken := createJob(t, ex, "broken")
	res, err = ex.RunOnce(ctx, "tenant_a", broken.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusDLQRecorded), res.FinalStatus)
	assert.Equal(t, apperr.CodeInternal, res.ErrorCode)

	bbox := createJob(t, ex, "bbox")
	res, err = ex.RunOnce(ctx, "tenant_a", bbox.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusDLQRecorded), res.FinalStatus, "matrix overrides the error's own flag")
}

func TestHandlerCanRequestManualDecision(t *testing.T) {
	ctx := context.Background()
	ex, _ := newTestExecutor(t)
	ex.RegisterHandler("review", func(context.Context, models.Job) (Outcome, error) {
		return OutcomeNeedsManualDecision, nil
	})
	job := createJob(t, ex, "review")
	res, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusNeedsManualDecision), res.FinalStatus)
}

func TestCancelIsIdempotentAndDropsLateResults(t *testing.T) {
	ctx := context.Background()
	ex, st := newTestExecutor(t)
	ex.RegisterHandler("slow", func(ctx context.Context, job models.Job) (Outcome, error) {
		_, err := ex.Cancel(ctx, job.TenantID, job.ID, "tr_cancel")
		require.NoError(t, err)
		return OutcomeSucceeded, nil
	})
	job := createJob(t, ex, "slow")

	res, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusCancelled), res.FinalStatus)

	again, err := ex.Cancel(ctx, "tenant_a", job.ID, "tr_cancel")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, again.Status)

	entries, err := st.ListAudit(ctx, "tenant_a")
	require.NoError(t, err)
	var cancels int
	for _, e := range entries {
		if e.Action == AuditJobCancelled {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestTransitionsAreAudited(t *testing.T) {
	ctx := context.Background()
	ex, st := newTestExecutor(t)
	job := createJob(t, ex, "parse")

	_, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{TransientFail: true})
	require.NoError(t, err)
	res, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{ForceFail: true})
	require.NoError(t, err)
	require.Equal(t, string(models.StatusDLQRecorded), res.FinalStatus)

	entries, err := st.ListAudit(ctx, "tenant_a")
	require.NoError(t, err)
	var edges []string
	for _, e := range entries {
		if e.Action != AuditJobStatusChanged {
			continue
		}
		assert.Equal(t, job.ID, e.Payload["job_id"])
		assert.Equal(t, "tr_1", e.TraceID)
		edges = append(edges, e.Payload["from"].(string)+">"+e.Payload["to"].(string))
	}
	assert.Equal(t, []string{
		"queued>running",
		"running>retrying",
		"retrying>running",
		"running>failed",
		"failed>dlq_pending",
		"dlq_pending>dlq_recorded",
	}, edges)

	last := entries[len(entries)-1]
	assert.Equal(t, CodeDocParseOutputNotFound, last.Payload["error_code"])
}

func TestCancelRejectsTerminalJobs(t *testing.T) {
	ctx := context.Background()
	ex, _ := newTestExecutor(t)
	job := createJob(t, ex, "parse")
	_, err := ex.RunOnce(ctx, "tenant_a", job.ID, RunOptions{})
	require.NoError(t, err)

	_, err = ex.Cancel(ctx, "tenant_a", job.ID, "")
	assert.True(t, apperr.HasCode(err, apperr.CodeTransitionInvalid))
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	ex, _ := newTestExecutor(t)
	for i := 0; i < 5; i++ {
		createJob(t, ex, "parse")
	}
	first, err := ex.List(ctx, "tenant_a", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	second, err := ex.List(ctx, "tenant_a", ListOptions{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.NotEqual(t, first.Items[1].ID, second.Items[0].ID)

	last, err := ex.List(ctx, "tenant_a", ListOptions{Limit: 2, Cursor: second.NextCursor})
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)
	assert.Empty(t, last.NextCursor)
}
