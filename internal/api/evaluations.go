package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bid-evaluation-service/internal/approval"
	"bid-evaluation-service/internal/dlq"
	"bid-evaluation-service/internal/evaluation"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
)

func (s *Server) handleCreateEvaluation(w http.ResponseWriter, r *http.Request) {
	var req evaluation.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TenantID = tenantID(r.Context())
	req.TraceID = traceID(r.Context())
	s.runIdempotent(w, r, "POST:/api/v1/evaluations", http.StatusAccepted, req, func(ctx context.Context) (any, error) {
		return s.core.Evaluations.Create(ctx, req)
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.core.Evaluations.Report(r.Context(), tenantID(r.Context()), chi.URLParam(r, "evaluationID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, report)
}

type resumeBody struct {
	ResumeToken string `json:"resume_token"`
	Decision    string `json:"decision"`
	Comment     string `json:"comment"`
	ReviewerID  string `json:"reviewer_id,omitempty"`
	Editor      struct {
		ReviewerID string `json:"reviewer_id"`
	} `json:"editor"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "evaluationID")
	reviewer := body.Editor.ReviewerID
	if reviewer == "" {
		reviewer = body.ReviewerID
	}
	req := evaluation.ResumeRequest{
		TenantID:     tenantID(r.Context()),
		EvaluationID: id,
		ResumeToken:  body.ResumeToken,
		ReviewerID:   reviewer,
		Decision:     body.Decision,
		Comment:      body.Comment,
		TraceID:      traceID(r.Context()),
	}
	s.runIdempotent(w, r, "POST:/api/v1/evaluations/"+id+"/resume", http.StatusAccepted, body, func(ctx context.Context) (any, error) {
		return s.core.Evaluations.Resume(ctx, req)
	})
}

// handleEvaluationAudit lists the tenant's audit entries that mention the evaluation.
func (s *Server) handleEvaluationAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluationID")
	entries, err := s.core.Audit.List(r.Context(), tenantID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]models.AuditEntry, 0)
	for _, e := range entries {
		if e.Payload["evaluation_id"] == id {
			items = append(items, e)
		}
	}
	writeData(w, r, http.StatusOK, map[string]any{"evaluation_id": id, "items": items, "total": len(items)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := s.core.Executor.List(r.Context(), tenantID(r.Context()), jobs.ListOptions{
		Status: models.JobStatus(q.Get("status")),
		Type:   q.Get("type"),
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.core.Executor.Get(r.Context(), tenantID(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	tenant, trace := tenantID(r.Context()), traceID(r.Context())
	s.runIdempotent(w, r, "POST:/api/v1/jobs/"+id+"/cancel", http.StatusAccepted, map[string]string{"job_id": id}, func(ctx context.Context) (any, error) {
		job, err := s.core.Executor.Cancel(ctx, tenant, id, trace)
		if err != nil {
			return nil, err
		}
		return map[string]any{"job_id": job.ID, "status": job.Status}, nil
	})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.core.DLQ.List(r.Context(), tenantID(r.Context()), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleRequeueDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dlqID")
	tenant, trace := tenantID(r.Context()), traceID(r.Context())
	s.runIdempotent(w, r, "POST:/api/v1/dlq/items/"+id+"/requeue", http.StatusAccepted, map[string]string{"dlq_id": id}, func(ctx context.Context) (any, error) {
		return s.core.DLQ.Requeue(ctx, tenant, id, trace)
	})
}

func (s *Server) handleDiscardDLQ(w http.ResponseWriter, r *http.Request) {
	var env approval.Envelope
	if err := decode(r, &env); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "dlqID")
	tenant, trace := tenantID(r.Context()), traceID(r.Context())
	// The approval envelope is checked before the key so a rejected request
	// does not consume it.
	if err := s.core.Approvals.Check(dlq.ActionDiscard, env); err != nil {
		writeError(w, r, err)
		return
	}
	s.runIdempotent(w, r, "POST:/api/v1/dlq/items/"+id+"/discard", http.StatusOK, env, func(ctx context.Context) (any, error) {
		return s.core.DLQ.Discard(ctx, tenant, id, trace, env)
	})
}
