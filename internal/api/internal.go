package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/approval"
	"bid-evaluation-service/internal/compliance"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/outbox"
	"bid-evaluation-service/internal/queue"
	"bid-evaluation-service/internal/telemetry"
)

func (s *Server) handleTransitionJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewStatus models.JobStatus `json:"new_status"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.NewStatus == "" {
		writeError(w, r, apperr.Validation(apperr.CodeReqValidationFailed, "new_status is required"))
		return
	}
	job, err := s.core.Executor.Transition(r.Context(), tenantID(r.Context()), chi.URLParam(r, "jobID"), body.NewStatus)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"job_id": job.ID, "status": job.Status, "retry_count": job.RetryCount})
}

func runOptions(r *http.Request) jobs.RunOptions {
	return jobs.RunOptions{
		ForceFail:      queryBool(r, "force_fail"),
		TransientFail:  queryBool(r, "transient_fail"),
		ForceErrorCode: r.URL.Query().Get("error_code"),
	}
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.core.Executor.RunOnce(r.Context(), tenantID(r.Context()), chi.URLParam(r, "jobID"), runOptions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, err)
		return
	}
	thread := chi.URLParam(r, "threadID")
	items, err := s.core.Executor.Checkpoints().List(r.Context(), tenantID(r.Context()), thread)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(items) > limit {
		items = items[:limit]
	}
	writeData(w, r, http.StatusOK, map[string]any{"thread_id": thread, "items": items, "total": len(items)})
}

func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.core.Relay.List(r.Context(), tenantID(r.Context()), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handlePublishOutbox(w http.ResponseWriter, r *http.Request) {
	ev, err := s.core.Relay.MarkPublished(r.Context(), tenantID(r.Context()), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, ev)
}

func (s *Server) handleRelayOutbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, err)
		return
	}
	consumer := queryDefault(r, "consumer_name", "default")
	res, err := s.core.Relay.Relay(r.Context(), tenantID(r.Context()), queryDefault(r, "queue_name", "jobs"), consumer, outbox.ClampLimit(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"published_count": res.PublishedCount,
		"queued_count":    res.QueuedCount,
		"skipped_count":   res.SkippedCount,
		"message_ids":     res.MessageIDs,
		"consumer_name":   consumer,
	})
}

// queueError maps backend sentinels onto API errors.
func queueError(err error) error {
	switch {
	case errors.Is(err, queue.ErrTenantMismatch):
		return apperr.ErrTenantScopeViolation.WithDetails(map[string]any{"reason": "tenant mismatch"})
	case errors.Is(err, queue.ErrNotFound):
		return apperr.NotFound(apperr.CodeQueueMessageNotFound, "queue message not found or not in flight")
	default:
		return err
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if err := decode(r, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := s.core.Queue.Enqueue(r.Context(), tenantID(r.Context()), chi.URLParam(r, "queue"), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.QueueOps.WithLabelValues("enqueue").Inc()
	writeData(w, r, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	msg, ok, err := s.core.Queue.Dequeue(r.Context(), tenantID(r.Context()), chi.URLParam(r, "queue"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.QueueOps.WithLabelValues("dequeue").Inc()
	if !ok {
		writeData(w, r, http.StatusOK, map[string]any{"message": nil})
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"message": msg})
}

type messageBody struct {
	MessageID string `json:"message_id"`
	Requeue   *bool  `json:"requeue"`
	DelayMS   int64  `json:"delay_ms"`
}

func (b messageBody) validate() error {
	if strings.TrimSpace(b.MessageID) == "" {
		return apperr.Validation(apperr.CodeReqValidationFailed, "message_id is required")
	}
	if b.DelayMS < 0 {
		return apperr.Validation(apperr.CodeReqValidationFailed, "delay_ms must not be negative")
	}
	return nil
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.core.Queue.Ack(r.Context(), tenantID(r.Context()), body.MessageID); err != nil {
		writeError(w, r, queueError(err))
		return
	}
	telemetry.QueueOps.WithLabelValues("ack").Inc()
	writeData(w, r, http.StatusOK, map[string]any{"queue_name": chi.URLParam(r, "queue"), "message_id": body.MessageID, "acked": true})
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	requeue := body.Requeue == nil || *body.Requeue
	msg, err := s.core.Queue.Nack(r.Context(), tenantID(r.Context()), body.MessageID, requeue, time.Duration(body.DelayMS)*time.Millisecond)
	if err != nil {
		writeError(w, r, queueError(err))
		return
	}
	telemetry.QueueOps.WithLabelValues("nack").Inc()
	if !requeue {
		writeData(w, r, http.StatusOK, map[string]any{"message": nil})
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleDrainOnce(w http.ResponseWriter, r *http.Request) {
	max, err := queryInt(r, "max_messages", 1, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "queue")
	st, err := s.processor.DrainTenant(r.Context(), tenantID(r.Context()), name, max, runOptions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"queue_name":  name,
		"processed":   st.Processed,
		"succeeded":   st.Succeeded,
		"retrying":    st.Retrying,
		"failed":      st.Failed,
		"skipped":     st.Skipped,
		"acked":       st.Acked,
		"requeued":    st.Requeued,
		"message_ids": st.MessageIDs,
	})
}

type imposeBody struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	StorageURI string `json:"storage_uri,omitempty"`
	Reason     string `json:"reason"`
	ImposedBy  string `json:"imposed_by"`
}

func (s *Server) handleImposeHold(w http.ResponseWriter, r *http.Request) {
	var body imposeBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	hold, err := s.core.Compliance.Impose(r.Context(), compliance.ImposeRequest{
		TenantID:   tenantID(r.Context()),
		ObjectType: body.ObjectType,
		ObjectID:   body.ObjectID,
		StorageURI: body.StorageURI,
		Reason:     body.Reason,
		ImposedBy:  body.ImposedBy,
		TraceID:    traceID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, hold)
}

func (s *Server) handleListHolds(w http.ResponseWriter, r *http.Request) {
	items, err := s.core.Compliance.List(r.Context(), tenantID(r.Context()), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	var env approval.Envelope
	if err := decode(r, &env); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "holdID")
	tenant, trace := tenantID(r.Context()), traceID(r.Context())
	s.runIdempotent(w, r, "POST:/api/v1/internal/legal-hold/"+id+"/release", http.StatusOK, env, func(ctx context.Context) (any, error) {
		return s.core.Compliance.Release(ctx, tenant, id, trace, env)
	})
}

func (s *Server) handleStorageCleanup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ObjectType string `json:"object_type"`
		ObjectID   string `json:"object_id"`
		Reason     string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.core.Compliance.Cleanup(r.Context(), compliance.CleanupRequest{
		TenantID:   tenantID(r.Context()),
		ObjectType: body.ObjectType,
		ObjectID:   body.ObjectID,
		Reason:     body.Reason,
		TraceID:    traceID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res)
}

func (s *Server) handleAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	v, err := s.core.Audit.Verify(r.Context(), tenantID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !v.Valid {
		writeError(w, r, apperr.ErrAuditIntegrityBroken.WithDetails(map[string]any{
			"reason":        v.Reason,
			"audit_id":      v.AuditID,
			"checked_count": v.CheckedCount,
		}))
		return
	}
	writeData(w, r, http.StatusOK, v)
}

func (s *Server) handleToolRegistry(w http.ResponseWriter, r *http.Request) {
	tools := s.core.Governor.Registry().List()
	items := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		items = append(items, map[string]any{
			"tool":    t,
			"circuit": s.core.Governor.State().Snapshot(t.Name),
		})
	}
	writeData(w, r, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}
