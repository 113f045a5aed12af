package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bea_jobs_created_total", Help: "Jobs accepted by type"}, []string{"job_type"})
	JobOutcomes          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bea_job_attempt_outcomes_total", Help: "Single-attempt outcomes by final status"}, []string{"status"})
	JobTransitionsDenied = prometheus.NewCounter(prometheus.CounterOpts{Name: "bea_job_transitions_rejected_total", Help: "Transition requests rejected by the state machine"})
	QueueOps             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bea_queue_operations_total", Help: "Queue operations by kind"}, []string{"op"})
	QueueDepthGauge      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "bea_queue_pending", Help: "Pending messages per queue observed by the worker"}, []string{"queue"})
	OutboxRelayed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bea_outbox_relayed_total", Help: "Outbox events relayed, by result"}, []string{"result"})
	ToolCalls            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bea_tool_calls_total", Help: "Governed tool invocations by outcome"}, []string{"tool", "outcome"})
	CircuitState         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "bea_tool_circuit_state", Help: "Breaker state per tool (0 closed, 1 half-open, 2 open)"}, []string{"tool"})
	AuditAppends         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bea_audit_appends_total", Help: "Audit entries appended by action"}, []string{"action"})
	IdempotentReplays    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bea_idempotent_replays_total", Help: "Requests answered from a stored idempotent response"})
	IdempotencyConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "bea_idempotency_conflicts_total", Help: "Requests rejected for reusing a key with a different payload"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bea_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	HTTPRequests         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bea_http_requests_total", Help: "HTTP requests by route and status"}, []string{"method", "route", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobOutcomes,
			JobTransitionsDenied,
			QueueOps,
			QueueDepthGauge,
			OutboxRelayed,
			ToolCalls,
			CircuitState,
			AuditAppends,
			IdempotentReplays,
			IdempotencyConflicts,
			RateLimitRejects,
			HTTPRequests,
		)
	})
	return promhttp.Handler()
}
