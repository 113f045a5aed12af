package api

import (
	"context"
	"net/http"
	"strings"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/release"
)

type gateBody[M any] struct {
	DatasetID string `json:"dataset_id"`
	Metrics   M      `json:"metrics"`
}

// gateHandler decodes {dataset_id, metrics} and answers with the gate verdict.
func gateHandler[M any](eval func(string, M) (release.GateResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body gateBody[M]
		if err := decode(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		if strings.TrimSpace(body.DatasetID) == "" {
			writeError(w, r, apperr.Validation(apperr.CodeReqValidationFailed, "dataset_id is required"))
			return
		}
		res, err := eval(body.DatasetID, body.Metrics)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, res)
	}
}

func infallible[M any](f func(string, M) release.GateResult) func(string, M) (release.GateResult, error) {
	return func(id string, m M) (release.GateResult, error) { return f(id, m), nil }
}

func (s *Server) handleQualityGate(w http.ResponseWriter, r *http.Request) {
	gateHandler(infallible(release.EvaluateQuality))(w, r)
}

func (s *Server) handlePerformanceGate(w http.ResponseWriter, r *http.Request) {
	gateHandler(infallible(release.EvaluatePerformance))(w, r)
}

func (s *Server) handleSecurityGate(w http.ResponseWriter, r *http.Request) {
	gateHandler(infallible(release.EvaluateSecurity))(w, r)
}

func (s *Server) handleCostGate(w http.ResponseWriter, r *http.Request) {
	gateHandler(release.EvaluateCost)(w, r)
}

func (s *Server) handlePlanRollout(w http.ResponseWriter, r *http.Request) {
	var req release.PlanRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	policy, err := s.core.Releases.PlanRollout(r.Context(), tenantID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, policy)
}

func (s *Server) handleDecideRollout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReleaseID   string `json:"release_id"`
		TenantID    string `json:"tenant_id"`
		ProjectSize string `json:"project_size"`
		HighRisk    bool   `json:"high_risk"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	tenant := body.TenantID
	if tenant == "" {
		tenant = tenantID(r.Context())
	}
	decision, err := s.core.Releases.DecideRollout(r.Context(), body.ReleaseID, tenant, body.ProjectSize, body.HighRisk)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, decision)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req release.ReplayRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TraceID = traceID(r.Context())
	tenant := tenantID(r.Context())
	s.runIdempotent(w, r, "POST:/api/v1/internal/release/replay/e2e", http.StatusOK, req, func(ctx context.Context) (any, error) {
		return s.core.Releases.RunReplayE2E(ctx, tenant, req)
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var req release.ReadinessRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TraceID = traceID(r.Context())
	assessment, err := s.core.Releases.EvaluateReadiness(r.Context(), tenantID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, assessment)
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	var req release.PipelineRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TraceID = traceID(r.Context())
	tenant := tenantID(r.Context())
	s.runIdempotent(w, r, "POST:/api/v1/internal/release/pipeline/execute", http.StatusOK, req, func(ctx context.Context) (any, error) {
		return s.core.Releases.ExecutePipeline(ctx, tenant, req)
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req release.RollbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TraceID = traceID(r.Context())
	tenant := tenantID(r.Context())
	s.runIdempotent(w, r, "POST:/api/v1/internal/release/rollback/execute", http.StatusOK, req, func(ctx context.Context) (any, error) {
		return s.core.Releases.ExecuteRollback(ctx, tenant, req)
	})
}
