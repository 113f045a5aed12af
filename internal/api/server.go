// Package api exposes the core over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bid-evaluation-service/internal/auth"
	"bid-evaluation-service/internal/core"
	"bid-evaluation-service/internal/ratelimit"
	"bid-evaluation-service/internal/telemetry"
	"bid-evaluation-service/internal/worker"
)

// Server wires HTTP handlers onto the core.
type Server struct {
	core      *core.Core
	verifier  *auth.Verifier
	limiter   ratelimit.Limiter
	processor *worker.Processor
	origins   []string
}

// Options carries the optional collaborators of New.
type Options struct {
	Verifier *auth.Verifier
	Limiter  ratelimit.Limiter
}

// New constructs the API server.
func New(c *core.Core, opts Options) *Server {
	return &Server{
		core:      c,
		verifier:  opts.Verifier,
		limiter:   opts.Limiter,
		processor: worker.NewProcessor(c.Queue, c.Executor, c.Relay, worker.OptionsFromConfig(c.Config), "api"),
		origins:   c.Config.CORSAllowedOrigins,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withTrace)
	r.Use(logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", headerTenantID, headerTraceID, headerIdempotencyKey, headerInternalDebug},
		ExposedHeaders:   []string{headerTraceID},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.withTenant(true))
			r.Use(s.rateLimit)

			r.Post("/evaluations", s.handleCreateEvaluation)
			r.Get("/evaluations/{evaluationID}/report", s.handleGetReport)
			r.Post("/evaluations/{evaluationID}/resume", s.handleResume)
			r.Get("/evaluations/{evaluationID}/audit-logs", s.handleEvaluationAudit)

			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)

			r.Get("/dlq/items", s.handleListDLQ)
			r.Post("/dlq/items/{dlqID}/requeue", s.handleRequeueDLQ)
			r.Post("/dlq/items/{dlqID}/discard", s.handleDiscardDLQ)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(requireInternal)
			r.Use(s.withTenant(false))
			r.Use(s.rateLimit)

			r.Post("/jobs/{jobID}/transition", s.handleTransitionJob)
			r.Post("/jobs/{jobID}/run", s.handleRunJob)
			r.Get("/workflows/{threadID}/checkpoints", s.handleCheckpoints)

			r.Get("/outbox/events", s.handleListOutbox)
			r.Post("/outbox/events/{eventID}/publish", s.handlePublishOutbox)
			r.Post("/outbox/relay", s.handleRelayOutbox)

			r.Post("/queue/{queue}/enqueue", s.handleEnqueue)
			r.Post("/queue/{queue}/dequeue", s.handleDequeue)
			r.Post("/queue/{queue}/ack", s.handleAck)
			r.Post("/queue/{queue}/nack", s.handleNack)
			r.Post("/worker/queues/{queue}/drain-once", s.handleDrainOnce)

			r.Post("/legal-hold/impose", s.handleImposeHold)
			r.Get("/legal-hold/items", s.handleListHolds)
			r.Post("/legal-hold/{holdID}/release", s.handleReleaseHold)
			r.Post("/storage/cleanup", s.handleStorageCleanup)
			r.Get("/audit/integrity", s.handleAuditIntegrity)
			r.Get("/tools/registry", s.handleToolRegistry)

			r.Post("/quality-gates/evaluate", s.handleQualityGate)
			r.Post("/performance-gates/evaluate", s.handlePerformanceGate)
			r.Post("/security-gates/evaluate", s.handleSecurityGate)
			r.Post("/cost-gates/evaluate", s.handleCostGate)

			r.Post("/release/rollout/plan", s.handlePlanRollout)
			r.Post("/release/rollout/decision", s.handleDecideRollout)
			r.Post("/release/replay/e2e", s.handleReplay)
			r.Post("/release/readiness/evaluate", s.handleReadiness)
			r.Post("/release/pipeline/execute", s.handlePipeline)
			r.Post("/release/rollback/execute", s.handleRollback)
		})
	})
	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.origins) == 0 {
		return []string{"*"}
	}
	return s.origins
}
