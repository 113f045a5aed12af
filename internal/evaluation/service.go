// Package evaluation accepts evaluation requests, serves their reports and
// resumes evaluations paused for human review.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/storage"
	"bid-evaluation-service/internal/store"
	"bid-evaluation-service/internal/workflow"
)

// Workflow nodes checkpointed by the evaluation and resume handlers.
const (
	NodeLoadContext      = "load_context"
	NodeRetrieveEvidence = "retrieve_evidence"
	NodeEvaluateRules    = "evaluate_rules"
	NodeGenerateReport   = "generate_report"
	NodeHumanReview      = "human_review_interrupt"
	NodeResumeReceived   = "resume_received"
	NodeFinalizeReport   = "finalize_report"
	NodePersistResult    = "persist_result"

	AuditResumeSubmitted = "resume_submitted"

	interruptType = "human_review"
)

var decisions = map[string]bool{"approve": true, "reject": true, "edit_scores": true}

// Scope narrows what an evaluation covers.
type Scope struct {
	ForceHITL       bool     `json:"force_hitl"`
	IncludeDocTypes []string `json:"include_doc_types,omitempty"`
}

// CreateRequest is the body of an evaluation request.
type CreateRequest struct {
	TenantID        string `json:"-"`
	ProjectID       string `json:"project_id"`
	SupplierID      string `json:"supplier_id"`
	RulePackVersion string `json:"rule_pack_version"`
	Scope           Scope  `json:"evaluation_scope"`
	TraceID         string `json:"-"`
}

// Accepted is returned once the evaluation job is queued.
type Accepted struct {
	EvaluationID string `json:"evaluation_id"`
	JobID        string `json:"job_id"`
	ThreadID     string `json:"thread_id"`
	Status       string `json:"status"`
}

// Interrupt tells a reviewer how to resume a paused evaluation.
type Interrupt struct {
	Type         string    `json:"type"`
	ResumeToken  string    `json:"resume_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	EvaluationID string    `json:"evaluation_id"`
}

// Report is the tenant-facing view of an evaluation.
type Report struct {
	EvaluationID     string         `json:"evaluation_id"`
	SupplierID       string         `json:"supplier_id"`
	JobID            string         `json:"job_id"`
	ThreadID         string         `json:"thread_id"`
	NeedsHumanReview bool           `json:"needs_human_review"`
	Decision         string         `json:"decision,omitempty"`
	Summary          map[string]any `json:"summary,omitempty"`
	Interrupt        *Interrupt     `json:"interrupt"`
	ReportURI        string         `json:"report_uri,omitempty"`
	TraceID          string         `json:"trace_id"`
}

// ResumeRequest carries a reviewer's decision.
type ResumeRequest struct {
	TenantID     string `json:"-"`
	EvaluationID string `json:"-"`
	ResumeToken  string `json:"resume_token"`
	ReviewerID   string `json:"reviewer_id"`
	Decision     string `json:"decision"`
	Comment      string `json:"comment"`
	TraceID      string `json:"-"`
}

type Service struct {
	executor *jobs.Executor
	reports  store.ReportStore
	tokens   *workflow.Tokens
	objects  *storage.Storage
	audit    *audit.Log
	now      func() time.Time
}

// New wires the service and registers its job handlers on executor.
// objects may be nil, in which case reports are not archived.
func New(executor *jobs.Executor, reports store.ReportStore, tokens *workflow.Tokens, objects *storage.Storage, log *audit.Log) *Service {
	s := &Service{
		executor: executor,
		reports:  reports,
		tokens:   tokens,
		objects:  objects,
		audit:    log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	executor.RegisterHandler(models.JobTypeEvaluation, s.runEvaluation)
	executor.RegisterHandler(models.JobTypeResume, s.runResume)
	return s
}

// Create queues an evaluation job and stores its report stub.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Accepted, error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.SupplierID) == "" || strings.TrimSpace(req.RulePackVersion) == "" {
		return Accepted{}, apperr.Validation(apperr.CodeReqValidationFailed, "project_id, supplier_id and rule_pack_version are required")
	}
	evaluationID := models.NewID("ev")
	job, err := s.executor.Create(ctx, jobs.NewJob{
		TenantID: req.TenantID,
		Type:     models.JobTypeEvaluation,
		Resource: models.Resource{Type: "evaluation", ID: evaluationID},
		Payload: map[string]any{
			"evaluation_id":     evaluationID,
			"project_id":        req.ProjectID,
			"supplier_id":       req.SupplierID,
			"rule_pack_version": req.RulePackVersion,
			"force_hitl":        req.Scope.ForceHITL,
			"include_doc_types": req.Scope.IncludeDocTypes,
		},
		TraceID: req.TraceID,
	})
	if err != nil {
		return Accepted{}, err
	}
	now := s.now()
	report := models.EvaluationReport{
		EvaluationID:    evaluationID,
		TenantID:        req.TenantID,
		ProjectID:       req.ProjectID,
		SupplierID:      req.SupplierID,
		RulePackVersion: req.RulePackVersion,
		JobID:           job.ID,
		ThreadID:        job.ThreadID,
		TraceID:         req.TraceID,
		ForceHITL:       req.Scope.ForceHITL,
		Summary:         map[string]any{"status": "pending", "include_doc_types": req.Scope.IncludeDocTypes},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if report, err = s.archive(ctx, report); err != nil {
		return Accepted{}, err
	}
	if err := s.reports.PutReport(ctx, report); err != nil {
		return Accepted{}, fmt.Errorf("put report: %w", err)
	}
	slog.Info("evaluation accepted", "tenant_id", req.TenantID, "evaluation_id", evaluationID, "job_id", job.ID)
	return Accepted{EvaluationID: evaluationID, JobID: job.ID, ThreadID: job.ThreadID, Status: string(job.Status)}, nil
}

// archive writes report to object storage and records its URI. Archiving
// is skipped when no storage is configured.
func (s *Service) archive(ctx context.Context, report models.EvaluationReport) (models.EvaluationReport, error) {
	if s.objects == nil {
		return report, nil
	}
	report.ReportURI = ""
	body, err := json.Marshal(report)
	if err != nil {
		return report, fmt.Errorf("encode report: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return report, fmt.Errorf("decode report: %w", err)
	}
	name, err := storage.ReportFilename(doc)
	if err != nil {
		return report, err
	}
	uri, err := s.objects.Put(ctx, storage.PutInput{
		TenantID:    report.TenantID,
		ObjectType:  "report",
		ObjectID:    report.EvaluationID,
		Filename:    name,
		Content:     body,
		ContentType: "application/json",
	})
	if err != nil {
		return report, fmt.Errorf("archive report: %w", err)
	}
	report.ReportURI = uri
	return report, nil
}

func (s *Service) load(ctx context.Context, tenantID, evaluationID string) (models.EvaluationReport, error) {
	report, err := s.reports.GetReport(ctx, evaluationID)
	if errors.Is(err, store.ErrNotFound) {
		return models.EvaluationReport{}, apperr.NotFound(apperr.CodeEvaluationNotFound, "evaluation report not found")
	}
	if err != nil {
		return models.EvaluationReport{}, fmt.Errorf("get report: %w", err)
	}
	if report.TenantID != tenantID {
		return models.EvaluationReport{}, apperr.ErrTenantScopeViolation
	}
	return report, nil
}

func needsReview(r models.EvaluationReport) bool { return r.ForceHITL && !r.Resumed }

// Report returns the evaluation's report, minting a resume token the first
// time a report awaiting human review is read.
func (s *Service) Report(ctx context.Context, tenantID, evaluationID string) (Report, error) {
	r, err := s.load(ctx, tenantID, evaluationID)
	if err != nil {
		return Report{}, err
	}
	out := Report{
		EvaluationID:     r.EvaluationID,
		SupplierID:       r.SupplierID,
		JobID:            r.JobID,
		ThreadID:         r.ThreadID,
		NeedsHumanReview: needsReview(r),
		Decision:         r.Decision,
		Summary:          r.Summary,
		ReportURI:        r.ReportURI,
		TraceID:          r.TraceID,
	}
	if !out.NeedsHumanReview {
		return out, nil
	}
	tok, err := s.tokens.Issue(ctx, tenantID, evaluationID)
	if err != nil {
		return Report{}, err
	}
	out.Interrupt = &Interrupt{
		Type:         interruptType,
		ResumeToken:  tok.Token,
		ExpiresAt:    tok.ExpiresAt,
		EvaluationID: evaluationID,
	}
	return out, nil
}

// Resume redeems the resume token and queues a resume job that continues
// the evaluation's thread.
func (s *Service) Resume(ctx context.Context, req ResumeRequest) (Accepted, error) {
	if strings.TrimSpace(req.ReviewerID) == "" {
		return Accepted{}, apperr.ErrResumeInvalid.WithDetails(map[string]any{"reason": "reviewer_id is required"})
	}
	if req.Decision != "" && !decisions[req.Decision] {
		return Accepted{}, apperr.Validation(apperr.CodeReqValidationFailed, "decision must be approve, reject or edit_scores")
	}
	r, err := s.load(ctx, req.TenantID, req.EvaluationID)
	if err != nil {
		return Accepted{}, err
	}
	if err := s.tokens.Consume(ctx, req.TenantID, req.EvaluationID, req.ResumeToken); err != nil {
		return Accepted{}, err
	}
	job, err := s.executor.Create(ctx, jobs.NewJob{
		TenantID: req.TenantID,
		Type:     models.JobTypeResume,
		Resource: models.Resource{Type: "evaluation", ID: req.EvaluationID},
		Payload: map[string]any{
			"evaluation_id": req.EvaluationID,
			"decision":      req.Decision,
			"comment":       req.Comment,
			"reviewer_id":   req.ReviewerID,
		},
		TraceID:  req.TraceID,
		ThreadID: r.ThreadID,
	})
	if err != nil {
		if rerr := s.tokens.Restore(ctx, req.TenantID, req.EvaluationID, req.ResumeToken); rerr != nil {
			return Accepted{}, errors.Join(err, rerr)
		}
		return Accepted{}, err
	}
	r.Resumed = true
	r.Decision = req.Decision
	r.UpdatedAt = s.now()
	if err := s.reports.PutReport(ctx, r); err != nil {
		return Accepted{}, fmt.Errorf("put report: %w", err)
	}
	if _, err := s.audit.Append(ctx, audit.Record{
		TenantID: req.TenantID,
		Action:   AuditResumeSubmitted,
		TraceID:  req.TraceID,
		Payload: map[string]any{
			"evaluation_id": req.EvaluationID,
			"job_id":        job.ID,
			"reviewer_id":   req.ReviewerID,
			"decision":      req.Decision,
			"comment":       req.Comment,
		},
	}); err != nil {
		return Accepted{}, err
	}
	return Accepted{EvaluationID: req.EvaluationID, JobID: job.ID, ThreadID: job.ThreadID, Status: string(job.Status)}, nil
}

func (s *Service) checkpoint(ctx context.Context, job models.Job, nodes ...string) error {
	for _, node := range nodes {
		if _, err := s.executor.Checkpoints().Append(ctx, job, node, nil); err != nil {
			return err
		}
	}
	return nil
}

func evaluationID(job models.Job) string {
	if id, ok := job.Payload["evaluation_id"].(string); ok && id != "" {
		return id
	}
	return job.Resource.ID
}

// runEvaluation walks the evaluation nodes and pauses for review when the
// scope forces it.
func (s *Service) runEvaluation(ctx context.Context, job models.Job) (jobs.Outcome, error) {
	if err := s.checkpoint(ctx, job, NodeLoadContext, NodeRetrieveEvidence, NodeEvaluateRules, NodeGenerateReport); err != nil {
		return "", err
	}
	r, err := s.reports.GetReport(ctx, evaluationID(job))
	if err != nil {
		return "", fmt.Errorf("get report: %w", err)
	}
	risk := "low"
	if r.ForceHITL {
		risk = "high"
	}
	r.Summary = map[string]any{
		"status":     "generated",
		"risk_level": risk,
		"job_id":     job.ID,
	}
	r.UpdatedAt = s.now()
	if err := s.reports.PutReport(ctx, r); err != nil {
		return "", fmt.Errorf("put report: %w", err)
	}
	if needsReview(r) {
		if _, err := s.executor.Checkpoints().Append(ctx, job, NodeHumanReview, map[string]any{"evaluation_id": r.EvaluationID}); err != nil {
			return "", err
		}
		return jobs.OutcomeNeedsManualDecision, nil
	}
	return jobs.OutcomeSucceeded, nil
}

func (s *Service) runResume(ctx context.Context, job models.Job) (jobs.Outcome, error) {
	if err := s.checkpoint(ctx, job, NodeResumeReceived, NodeFinalizeReport, NodePersistResult); err != nil {
		return "", err
	}
	r, err := s.reports.GetReport(ctx, evaluationID(job))
	if errors.Is(err, store.ErrNotFound) {
		return jobs.OutcomeSucceeded, nil
	}
	if err != nil {
		return "", fmt.Errorf("get report: %w", err)
	}
	summary := make(map[string]any, len(r.Summary)+3)
	for k, v := range r.Summary {
		summary[k] = v
	}
	summary["status"] = "finalized"
	summary["reviewer_id"] = job.Payload["reviewer_id"]
	summary["decision"] = job.Payload["decision"]
	r.Summary = summary
	r.UpdatedAt = s.now()
	if err := s.reports.PutReport(ctx, r); err != nil {
		return "", fmt.Errorf("put report: %w", err)
	}
	return jobs.OutcomeSucceeded, nil
}
