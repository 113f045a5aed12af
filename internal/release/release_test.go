package release

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/evaluation"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store/memory"
	"bid-evaluation-service/internal/workflow"
)

type fixture struct {
	st  *memory.Store
	ex  *jobs.Executor
	svc *Service
	log *audit.Log
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	st := memory.New()
	ex := jobs.NewExecutor(jobs.Stores{Jobs: st, DLQ: st, Checkpoints: st, Audit: st}, jobs.DefaultRetryPolicy())
	log := audit.New(st)
	evals := evaluation.New(ex, st, workflow.NewTokens(st, time.Hour), nil, log)
	return fixture{st: st, ex: ex, log: log, svc: New(st, ex, evals, log, opts)}
}

func allGates(pass bool) map[string]bool {
	out := map[string]bool{}
	for _, g := range DefaultRequiredGates {
		out[g] = pass
	}
	return out
}

func TestAssessListsEveryFailure(t *testing.T) {
	gates := allGates(true)
	delete(gates, "ops")
	gates["security"] = false
	gates["canary"] = false

	admitted, failed, results := Assess(DefaultRequiredGates, ReadinessRequest{GateResults: gates})
	assert.False(t, admitted)
	assert.Equal(t, []string{
		"DATASET_VERSION_REQUIRED",
		"SECURITY_GATE_FAILED",
		"OPS_GATE_FAILED",
		"CANARY_GATE_FAILED",
		"REPLAY_E2E_FAILED",
	}, failed)
	assert.False(t, results["ops"])
	assert.Len(t, results, len(DefaultRequiredGates)+1)

	admitted, failed, _ = Assess(DefaultRequiredGates, ReadinessRequest{DatasetVersion: "v1.0.0", ReplayPassed: true, GateResults: allGates(true)})
	assert.True(t, admitted)
	assert.Empty(t, failed)
}

func TestEvaluateReadinessPersistsAndAudits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	a, err := f.svc.EvaluateReadiness(ctx, "tenant_a", ReadinessRequest{
		ReleaseID:      "rel_1",
		DatasetVersion: "v1.0.0",
		ReplayPassed:   false,
		GateResults:    allGates(true),
		TraceID:        "tr_ready",
	})
	require.NoError(t, err)
	assert.Contains(t, a.AssessmentID, "ra_")
	assert.Equal(t, []string{"REPLAY_E2E_FAILED"}, a.FailedChecks)

	stored, ok, err := f.svc.Assessment(ctx, "tenant_a", a.AssessmentID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.AssessmentID, stored.AssessmentID)
	_, ok, err = f.svc.Assessment(ctx, "tenant_b", a.AssessmentID)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := f.log.ListByAction(ctx, "tenant_a", AuditReadinessEvaluated)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRolloutPlanAndDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.svc.DecideRollout(ctx, "rel_1", "tenant_a", "small", false)
	assert.True(t, apperr.HasCode(err, apperr.CodeReleasePolicyNotFound))

	p, err := f.svc.PlanRollout(ctx, "tenant_a", PlanRequest{
		ReleaseID:            "rel_1",
		TenantWhitelist:      []string{" tenant_b", "tenant_a", "tenant_a"},
		EnabledProjectSizes:  []string{"large", "small", "unknown"},
		HighRiskHITLEnforced: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant_a", "tenant_b"}, p.TenantWhitelist)
	assert.Equal(t, []string{"small", "large", "unknown"}, p.EnabledProjectSizes)

	d, err := f.svc.DecideRollout(ctx, "rel_1", "tenant_a", "small", true)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.True(t, d.ForceHITL)
	assert.Empty(t, d.Reasons)

	d, err = f.svc.DecideRollout(ctx, "rel_1", "tenant_c", "medium", false)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.False(t, d.ForceHITL)
	assert.Equal(t, []string{"TENANT_NOT_IN_WHITELIST", "PROJECT_SIZE_NOT_ENABLED"}, d.Reasons)
}

func TestPipelineReachesReleaseReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ReadinessRequired: true, CanaryRatio: 0.1, CanaryDurationMin: 30, RollbackMaxMinutes: 30})
	_, err := f.svc.PlanRollout(ctx, "tenant_a", PlanRequest{ReleaseID: "rel_1", TenantWhitelist: []string{"tenant_a"}, EnabledProjectSizes: []string{"small"}, HighRiskHITLEnforced: true})
	require.NoError(t, err)

	req := PipelineRequest{
		ReadinessRequest: ReadinessRequest{ReleaseID: "rel_1", DatasetVersion: "v1.0.0", ReplayPassed: true, GateResults: allGates(true)},
		ProjectSize:      "small",
		HighRisk:         true,
	}
	res, err := f.svc.ExecutePipeline(ctx, "tenant_a", req)
	require.NoError(t, err)
	assert.Equal(t, StageReady, res.Stage)
	assert.True(t, res.Admitted)
	assert.NotEmpty(t, res.ReadinessAssessmentID)
	require.NotNil(t, res.Rollout)
	assert.True(t, res.Rollout.ForceHITL)
	assert.Equal(t, 0.1, res.Canary.Ratio)

	req.ReplayPassed = false
	res, err = f.svc.ExecutePipeline(ctx, "tenant_a", req)
	require.NoError(t, err)
	assert.Equal(t, StageBlocked, res.Stage)
	assert.Contains(t, res.FailedChecks, "REPLAY_E2E_FAILED")
	assert.False(t, res.Rollout.ForceHITL)

	entries, err := f.log.ListByAction(ctx, "tenant_a", AuditPipelineExecuted)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPipelineWithoutReadinessRequirement(t *testing.T) {
	f := newFixture(t, Options{ReadinessRequired: false})
	res, err := f.svc.ExecutePipeline(context.Background(), "tenant_a", PipelineRequest{ReadinessRequest: ReadinessRequest{ReleaseID: "rel_2"}})
	require.NoError(t, err)
	assert.Equal(t, StageReady, res.Stage)
	assert.Nil(t, res.Readiness)
	assert.Empty(t, res.ReadinessAssessmentID)
}

func TestReplayE2EResumesAndPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	run, err := f.svc.RunReplayE2E(ctx, "tenant_a", ReplayRequest{ReleaseID: "rel_1", ProjectID: "prj_replay", SupplierID: "sup_replay", TraceID: "tr_replay"})
	require.NoError(t, err)
	assert.Contains(t, run.ReplayRunID, "rpy_")
	assert.Equal(t, "succeeded", run.ParseStatus)
	assert.NotEmpty(t, run.ResumeJobID)
	assert.False(t, run.NeedsHumanReview)
	assert.True(t, run.Passed)

	resume, err := f.ex.Get(ctx, "tenant_a", run.ResumeJobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, resume.Status)
	evalJob, err := f.ex.Get(ctx, "tenant_a", run.EvaluationJobID)
	require.NoError(t, err)
	assert.Equal(t, evalJob.ThreadID, resume.ThreadID)
}

func TestRollbackTriggersOnThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{RollbackMaxMinutes: 30})

	res, err := f.svc.ExecuteRollback(ctx, "tenant_a", RollbackRequest{ReleaseID: "rel_1", ConsecutiveThreshold: 2, Breaches: []Breach{{Gate: "quality", ConsecutiveFailures: 1}}})
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Nil(t, res.ReplayVerification)

	res, err = f.svc.ExecuteRollback(ctx, "tenant_a", RollbackRequest{ReleaseID: "rel_1", ConsecutiveThreshold: 2, Breaches: []Breach{
		{Gate: "quality", ConsecutiveFailures: 1},
		{Gate: "performance", ConsecutiveFailures: 2},
	}})
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, "performance", res.TriggerGate)
	require.NotNil(t, res.ReplayVerification)
	assert.Equal(t, "succeeded", res.ReplayVerification.Status)
	assert.True(t, res.ServiceRestored)
	assert.True(t, res.WithinMaxMinutes)
	assert.Equal(t, RollbackOrder, res.RollbackOrder)

	for _, action := range []string{AuditRollbackExecuted, AuditRollbackVerified} {
		entries, err := f.log.ListByAction(ctx, "tenant_a", action)
		require.NoError(t, err)
		assert.Len(t, entries, 1, action)
	}
}
