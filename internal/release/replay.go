package release

import (
	"context"
	"errors"
	"fmt"
	"math"

	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/evaluation"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
)

const replayReviewer = "system_replay"

// ReplayRequest drives one parse, evaluate and resume pass for a release.
type ReplayRequest struct {
	ReleaseID  string `json:"release_id"`
	ProjectID  string `json:"project_id"`
	SupplierID string `json:"supplier_id"`
	DocType    string `json:"doc_type"`
	ForceHITL  *bool  `json:"force_hitl,omitempty"`
	Decision   string `json:"decision"`
	TraceID    string `json:"-"`
}

// RunReplayE2E replays the evaluation path through the executor and
// records whether it completed without a pending human review.
func (s *Service) RunReplayE2E(ctx context.Context, tenantID string, req ReplayRequest) (models.ReplayRun, error) {
	if req.DocType == "" {
		req.DocType = "bid"
	}
	if req.Decision == "" {
		req.Decision = "approve"
	}
	forceHITL := req.ForceHITL == nil || *req.ForceHITL

	parse, err := s.executor.Create(ctx, jobs.NewJob{
		TenantID: tenantID,
		Type:     models.JobTypeParse,
		Resource: models.Resource{Type: "document", ID: models.NewID("doc")},
		Payload: map[string]any{
			"project_id":  req.ProjectID,
			"supplier_id": req.SupplierID,
			"doc_type":    req.DocType,
			"filename":    req.ReleaseID + ".pdf",
		},
		TraceID: req.TraceID,
	})
	if err != nil {
		return models.ReplayRun{}, err
	}
	parsed, err := s.executor.RunOnce(ctx, tenantID, parse.ID, jobs.RunOptions{})
	if err != nil {
		return models.ReplayRun{}, err
	}

	acc, err := s.evaluations.Create(ctx, evaluation.CreateRequest{
		TenantID:        tenantID,
		ProjectID:       req.ProjectID,
		SupplierID:      req.SupplierID,
		RulePackVersion: "v1.0.0",
		Scope:           evaluation.Scope{ForceHITL: forceHITL, IncludeDocTypes: []string{req.DocType}},
		TraceID:         req.TraceID,
	})
	if err != nil {
		return models.ReplayRun{}, err
	}
	if _, err := s.executor.RunOnce(ctx, tenantID, acc.JobID, jobs.RunOptions{}); err != nil {
		return models.ReplayRun{}, err
	}
	run := models.ReplayRun{
		ReplayRunID:     models.NewID("rpy"),
		ReleaseID:       req.ReleaseID,
		TenantID:        tenantID,
		ParseJobID:      parse.ID,
		ParseStatus:     parsed.FinalStatus,
		EvaluationID:    acc.EvaluationID,
		EvaluationJobID: acc.JobID,
		TraceID:         req.TraceID,
		CreatedAt:       s.now(),
	}

	report, err := s.evaluations.Report(ctx, tenantID, acc.EvaluationID)
	if err != nil {
		return models.ReplayRun{}, err
	}
	if forceHITL && report.Interrupt != nil {
		resumed, err := s.evaluations.Resume(ctx, evaluation.ResumeRequest{
			TenantID:     tenantID,
			EvaluationID: acc.EvaluationID,
			ResumeToken:  report.Interrupt.ResumeToken,
			ReviewerID:   replayReviewer,
			Decision:     req.Decision,
			Comment:      "release replay auto resume",
			TraceID:      req.TraceID,
		})
		if err != nil {
			return models.ReplayRun{}, err
		}
		run.ResumeJobID = resumed.JobID
		if _, err := s.executor.RunOnce(ctx, tenantID, resumed.JobID, jobs.RunOptions{}); err != nil {
			return models.ReplayRun{}, err
		}
		if report, err = s.evaluations.Report(ctx, tenantID, acc.EvaluationID); err != nil {
			return models.ReplayRun{}, err
		}
	}
	run.NeedsHumanReview = report.NeedsHumanReview
	run.Passed = run.ParseStatus == string(models.StatusSucceeded) && !run.NeedsHumanReview

	if err := s.releases.PutReplayRun(ctx, run); err != nil {
		return models.ReplayRun{}, fmt.Errorf("put replay run: %w", err)
	}
	if _, err := s.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditReplayExecuted,
		TraceID:  req.TraceID,
		Payload: map[string]any{
			"release_id":    req.ReleaseID,
			"replay_run_id": run.ReplayRunID,
			"passed":        run.Passed,
		},
	}); err != nil {
		return models.ReplayRun{}, err
	}
	return run, nil
}

// RollbackOrder is the order components are reverted in.
var RollbackOrder = []string{"model_config", "retrieval_params", "workflow_version", "release_version"}

// Breach reports consecutive failures of one gate in production.
type Breach struct {
	Gate                string `json:"gate"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type RollbackRequest struct {
	ReleaseID            string   `json:"release_id"`
	ConsecutiveThreshold int      `json:"consecutive_threshold"`
	Breaches             []Breach `json:"breaches"`
	TraceID              string   `json:"-"`
}

type ReplayVerification struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type RollbackResult struct {
	ReleaseID          string              `json:"release_id"`
	Triggered          bool                `json:"triggered"`
	TriggerGate        string              `json:"trigger_gate,omitempty"`
	RollbackOrder      []string            `json:"rollback_order"`
	ReplayVerification *ReplayVerification `json:"replay_verification"`
	ElapsedMinutes     int                 `json:"elapsed_minutes"`
	WithinMaxMinutes   bool                `json:"within_max_minutes"`
	ServiceRestored    bool                `json:"service_restored"`
}

// ExecuteRollback rolls back when any breach reaches the threshold and
// verifies the result with a replay_verification job.
func (s *Service) ExecuteRollback(ctx context.Context, tenantID string, req RollbackRequest) (RollbackResult, error) {
	res := RollbackResult{
		ReleaseID:        req.ReleaseID,
		RollbackOrder:    append([]string(nil), RollbackOrder...),
		WithinMaxMinutes: true,
		ServiceRestored:  true,
	}
	threshold := req.ConsecutiveThreshold
	if threshold <= 0 {
		threshold = 1
	}
	var trigger *Breach
	for i := range req.Breaches {
		if req.Breaches[i].ConsecutiveFailures >= threshold {
			trigger = &req.Breaches[i]
			break
		}
	}
	if trigger == nil {
		return res, nil
	}
	started := s.now()
	res.Triggered = true
	res.TriggerGate = trigger.Gate

	if _, err := s.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditRollbackExecuted,
		TraceID:  req.TraceID,
		Payload: map[string]any{
			"release_id":            req.ReleaseID,
			"trigger_gate":          trigger.Gate,
			"consecutive_threshold": threshold,
		},
	}); err != nil {
		return RollbackResult{}, err
	}
	job, err := s.executor.Create(ctx, jobs.NewJob{
		TenantID: tenantID,
		Type:     models.JobTypeReplayVerification,
		Resource: models.Resource{Type: "job", ID: req.ReleaseID},
		Payload:  map[string]any{"release_id": req.ReleaseID, "trigger_gate": trigger.Gate},
		TraceID:  req.TraceID,
	})
	if err != nil {
		return RollbackResult{}, err
	}
	run, err := s.executor.RunOnce(ctx, tenantID, job.ID, jobs.RunOptions{})
	if err != nil {
		return RollbackResult{}, err
	}
	if _, err := s.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditRollbackVerified,
		TraceID:  req.TraceID,
		Payload:  map[string]any{"release_id": req.ReleaseID, "replay_job_id": job.ID},
	}); err != nil {
		return RollbackResult{}, err
	}
	res.ReplayVerification = &ReplayVerification{JobID: job.ID, Status: run.FinalStatus}
	res.ServiceRestored = run.FinalStatus == string(models.StatusSucceeded)
	res.ElapsedMinutes = int(math.Ceil(s.now().Sub(started).Minutes()))
	res.WithinMaxMinutes = s.opts.RollbackMaxMinutes <= 0 || res.ElapsedMinutes <= s.opts.RollbackMaxMinutes
	return res, nil
}

// Assessment returns a stored readiness decision of the tenant.
func (s *Service) Assessment(ctx context.Context, tenantID, assessmentID string) (models.ReleaseReadinessAssessment, bool, error) {
	a, err := s.releases.GetAssessment(ctx, assessmentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.TenantID != tenantID) {
		return models.ReleaseReadinessAssessment{}, false, nil
	}
	if err != nil {
		return models.ReleaseReadinessAssessment{}, false, fmt.Errorf("get assessment: %w", err)
	}
	return a, true, nil
}
