package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bid-evaluation-service/internal/auth"
	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/core"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/queue"
	"bid-evaluation-service/internal/ratelimit"
	"bid-evaluation-service/internal/storage"
	"bid-evaluation-service/internal/store/memory"
)

func testConfig() config.Config {
	return config.Config{
		WorkerMaxRetries:         3,
		WorkerBackoffBase:        time.Millisecond,
		WorkerBackoffMax:         10 * time.Millisecond,
		WorkerQueueNames:         []string{"jobs"},
		WorkerConcurrency:        1,
		WorkerTenantBurstLimit:   1,
		OutboxQueueName:          "jobs",
		OutboxConsumerName:       "worker",
		ResumeTokenTTL:           time.Hour,
		ReleaseRequiredGates:     []string{"quality", "performance", "security", "cost"},
		ReleaseReadinessRequired: true,
		ReleaseCanaryRatio:       0.1,
		ReleaseCanaryDurationMin: 30,
		RollbackMaxMinutes:       30,
	}
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	ts, _ := newTestServerWithStore(t, opts)
	return ts
}

func newTestServerWithStore(t *testing.T, opts Options) (*httptest.Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	objects, err := storage.NewLocal(t.TempDir(), storage.Options{WORM: true})
	require.NoError(t, err)
	c, err := core.New(context.Background(), testConfig(), core.Deps{
		Store:   st,
		Queue:   queue.NewMemory(),
		Objects: objects,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ts := httptest.NewServer(New(c, opts).Router())
	t.Cleanup(ts.Close)
	return ts, st
}

type response struct {
	status  int
	header  http.Header
	raw     []byte
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code      string `json:"code"`
		Class     string `json:"class"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
	Meta struct {
		TraceID string `json:"trace_id"`
	} `json:"meta"`
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any, headers map[string]string) response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenantID, "tenant_a")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	out := response{status: resp.StatusCode, header: resp.Header, raw: buf.Bytes()}
	require.NoError(t, json.Unmarshal(out.raw, &out), string(out.raw))
	return out
}

func decodeData(t *testing.T, r response, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Data, v), string(r.raw))
}

func idem(key string) map[string]string { return map[string]string{headerIdempotencyKey: key} }

var internalHeaders = map[string]string{headerInternalDebug: "true"}

func evaluationBody(forceHITL bool) map[string]any {
	return map[string]any{
		"project_id":        "prj_report",
		"supplier_id":       "sup_report",
		"rule_pack_version": "v1.0.0",
		"evaluation_scope":  map[string]any{"force_hitl": forceHITL, "include_doc_types": []string{"bid"}},
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	r := call(t, ts, http.MethodGet, "/api/v1/health", nil, map[string]string{headerTraceID: "tr_health"})
	assert.Equal(t, http.StatusOK, r.status)
	assert.True(t, r.Success)
	assert.Equal(t, "tr_health", r.Meta.TraceID)
	assert.Equal(t, "tr_health", r.header.Get(headerTraceID))
}

func TestCreateEvaluationRequiresIdempotencyKey(t *testing.T) {
	ts := newTestServer(t, Options{})
	r := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(false), nil)
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.False(t, r.Success)
	assert.Equal(t, "IDEMPOTENCY_MISSING", r.Error.Code)
	assert.NotEmpty(t, r.Meta.TraceID)
}

func TestCreateEvaluationReplaysAndDetectsConflict(t *testing.T) {
	ts := newTestServer(t, Options{})
	first := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(false), idem("idem_1"))
	require.Equal(t, http.StatusAccepted, first.status, string(first.raw))

	second := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(false), idem("idem_1"))
	require.Equal(t, http.StatusAccepted, second.status)
	assert.Equal(t, "true", second.header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first.Data), string(second.Data))

	conflict := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(true), idem("idem_1"))
	assert.Equal(t, http.StatusConflict, conflict.status)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", conflict.Error.Code)
}

func TestHumanReviewFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, Options{})

	created := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(true), idem("idem_hitl"))
	require.Equal(t, http.StatusAccepted, created.status, string(created.raw))
	var acc struct {
		EvaluationID string `json:"evaluation_id"`
		JobID        string `json:"job_id"`
		ThreadID     string `json:"thread_id"`
	}
	decodeData(t, created, &acc)

	relay := call(t, ts, http.MethodPost, "/api/v1/internal/outbox/relay", nil, internalHeaders)
	require.Equal(t, http.StatusOK, relay.status, string(relay.raw))
	drain := call(t, ts, http.MethodPost, "/api/v1/internal/worker/queues/jobs/drain-once?max_messages=10", nil, internalHeaders)
	require.Equal(t, http.StatusOK, drain.status, string(drain.raw))
	var st struct {
		Processed int `json:"processed"`
		Succeeded int `json:"succeeded"`
	}
	decodeData(t, drain, &st)
	assert.Equal(t, 1, st.Processed)

	job := call(t, ts, http.MethodGet, "/api/v1/jobs/"+acc.JobID, nil, nil)
	require.Equal(t, http.StatusOK, job.status)
	var jobView struct {
		Status string `json:"status"`
	}
	decodeData(t, job, &jobView)
	assert.Equal(t, "needs_manual_decision", jobView.Status)

	report := call(t, ts, http.MethodGet, "/api/v1/evaluations/"+acc.EvaluationID+"/report", nil, nil)
	require.Equal(t, http.StatusOK, report.status)
	var rep struct {
		NeedsHumanReview bool `json:"needs_human_review"`
		Interrupt        *struct {
			ResumeToken string `json:"resume_token"`
		} `json:"interrupt"`
	}
	decodeData(t, report, &rep)
	require.True(t, rep.NeedsHumanReview)
	require.NotNil(t, rep.Interrupt)

	resumeBody := map[string]any{
		"resume_token": rep.Interrupt.ResumeToken,
		"decision":     "approve",
		"comment":      "ok",
		"editor":       map[string]any{"reviewer_id": "reviewer_1"},
	}
	resumed := call(t, ts, http.MethodPost, "/api/v1/evaluations/"+acc.EvaluationID+"/resume", resumeBody, idem("idem_resume"))
	require.Equal(t, http.StatusAccepted, resumed.status, string(resumed.raw))
	var ra struct {
		ThreadID string `json:"thread_id"`
	}
	decodeData(t, resumed, &ra)
	assert.Equal(t, acc.ThreadID, ra.ThreadID)

	reused := call(t, ts, http.MethodPost, "/api/v1/evaluations/"+acc.EvaluationID+"/resume", resumeBody, idem("idem_resume_2"))
	assert.Equal(t, http.StatusConflict, reused.status)
	assert.Equal(t, "WF_INTERRUPT_RESUME_INVALID", reused.Error.Code)

	call(t, ts, http.MethodPost, "/api/v1/internal/outbox/relay", nil, internalHeaders)
	call(t, ts, http.MethodPost, "/api/v1/internal/worker/queues/jobs/drain-once?max_messages=10", nil, internalHeaders)

	cps := call(t, ts, http.MethodGet, "/api/v1/internal/workflows/"+acc.ThreadID+"/checkpoints", nil, internalHeaders)
	require.Equal(t, http.StatusOK, cps.status)
	var cpView struct {
		Total int `json:"total"`
	}
	decodeData(t, cps, &cpView)
	assert.Positive(t, cpView.Total)

	audit := call(t, ts, http.MethodGet, "/api/v1/internal/audit/integrity", nil, internalHeaders)
	assert.Equal(t, http.StatusOK, audit.status, string(audit.raw))
}

func TestReportOfOtherTenantIsForbidden(t *testing.T) {
	ts := newTestServer(t, Options{})
	created := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(false), idem("idem_scope"))
	require.Equal(t, http.StatusAccepted, created.status)
	var acc struct {
		EvaluationID string `json:"evaluation_id"`
	}
	decodeData(t, created, &acc)

	r := call(t, ts, http.MethodGet, "/api/v1/evaluations/"+acc.EvaluationID+"/report", nil, map[string]string{headerTenantID: "tenant_b"})
	assert.Equal(t, http.StatusForbidden, r.status)
	assert.Equal(t, "TENANT_SCOPE_VIOLATION", r.Error.Code)
}

func TestInternalRoutesNeedDebugHeader(t *testing.T) {
	ts := newTestServer(t, Options{})
	r := call(t, ts, http.MethodGet, "/api/v1/internal/tools/registry", nil, nil)
	assert.Equal(t, http.StatusForbidden, r.status)
	assert.Equal(t, "AUTH_FORBIDDEN", r.Error.Code)

	ok := call(t, ts, http.MethodGet, "/api/v1/internal/tools/registry", nil, internalHeaders)
	require.Equal(t, http.StatusOK, ok.status)
	var reg struct {
		Total int `json:"total"`
	}
	decodeData(t, ok, &reg)
	assert.Positive(t, reg.Total)
}

func TestQueueAckChecksTenant(t *testing.T) {
	ts := newTestServer(t, Options{})
	enq := call(t, ts, http.MethodPost, "/api/v1/internal/queue/jobs/enqueue", map[string]any{"job_id": "job_x"}, internalHeaders)
	require.Equal(t, http.StatusOK, enq.status, string(enq.raw))

	deq := call(t, ts, http.MethodPost, "/api/v1/internal/queue/jobs/dequeue", nil, internalHeaders)
	require.Equal(t, http.StatusOK, deq.status)
	var msg struct {
		Message struct {
			MessageID string `json:"message_id"`
		} `json:"message"`
	}
	decodeData(t, deq, &msg)
	require.NotEmpty(t, msg.Message.MessageID)

	headers := map[string]string{headerInternalDebug: "true", headerTenantID: "tenant_b"}
	wrong := call(t, ts, http.MethodPost, "/api/v1/internal/queue/jobs/ack", map[string]any{"message_id": msg.Message.MessageID}, headers)
	assert.Equal(t, http.StatusForbidden, wrong.status)
	assert.Equal(t, "TENANT_SCOPE_VIOLATION", wrong.Error.Code)

	missing := call(t, ts, http.MethodPost, "/api/v1/internal/queue/jobs/ack", map[string]any{}, internalHeaders)
	assert.Equal(t, http.StatusBadRequest, missing.status)

	acked := call(t, ts, http.MethodPost, "/api/v1/internal/queue/jobs/ack", map[string]any{"message_id": msg.Message.MessageID}, internalHeaders)
	assert.Equal(t, http.StatusOK, acked.status)

	again := call(t, ts, http.MethodPost, "/api/v1/internal/queue/jobs/ack", map[string]any{"message_id": msg.Message.MessageID}, internalHeaders)
	assert.Equal(t, http.StatusNotFound, again.status)
	assert.Equal(t, "QUEUE_MESSAGE_NOT_FOUND", again.Error.Code)
}

func TestAuditIntegrityDetectsTamper(t *testing.T) {
	ts, st := newTestServerWithStore(t, Options{})
	readiness := map[string]any{
		"release_id":      "rel_1",
		"dataset_version": "ds_v1",
		"replay_passed":   true,
		"gate_results":    map[string]bool{"quality": true, "performance": true, "security": true, "cost": true},
	}
	for i := 0; i < 2; i++ {
		r := call(t, ts, http.MethodPost, "/api/v1/internal/release/readiness/evaluate", readiness, internalHeaders)
		require.Equal(t, http.StatusOK, r.status, string(r.raw))
		var a struct {
			Admitted bool `json:"admitted"`
		}
		decodeData(t, r, &a)
		assert.True(t, a.Admitted)
	}
	ok := call(t, ts, http.MethodGet, "/api/v1/internal/audit/integrity", nil, internalHeaders)
	require.Equal(t, http.StatusOK, ok.status, string(ok.raw))

	st.TamperAudit("tenant_a", 0, func(e *models.AuditEntry) { e.Payload["release_id"] = "rel_forged" })
	broken := call(t, ts, http.MethodGet, "/api/v1/internal/audit/integrity", nil, internalHeaders)
	assert.Equal(t, http.StatusConflict, broken.status)
	assert.Equal(t, "AUDIT_INTEGRITY_BROKEN", broken.Error.Code)
}

func TestDrainOnceValidatesMaxMessages(t *testing.T) {
	ts := newTestServer(t, Options{})
	r := call(t, ts, http.MethodPost, "/api/v1/internal/worker/queues/jobs/drain-once?max_messages=101", nil, internalHeaders)
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, "REQ_VALIDATION_FAILED", r.Error.Code)
}

func TestQualityGateOverHTTP(t *testing.T) {
	ts := newTestServer(t, Options{})
	body := map[string]any{
		"dataset_id": "ds_1",
		"metrics": map[string]any{
			"context_precision":        0.9,
			"context_recall":           0.9,
			"faithfulness":             0.95,
			"response_relevancy":       0.9,
			"hallucination_rate":       0.01,
			"citation_resolvable_rate": 0.99,
		},
	}
	r := call(t, ts, http.MethodPost, "/api/v1/internal/quality-gates/evaluate", body, internalHeaders)
	require.Equal(t, http.StatusOK, r.status, string(r.raw))
	var res struct {
		Passed bool `json:"passed"`
	}
	decodeData(t, r, &res)
	assert.True(t, res.Passed)

	bad := call(t, ts, http.MethodPost, "/api/v1/internal/cost-gates/evaluate", map[string]any{"dataset_id": "ds_1", "metrics": map[string]any{}}, internalHeaders)
	assert.Equal(t, http.StatusBadRequest, bad.status)
}

func TestBearerTokenTenantMustMatchHeader(t *testing.T) {
	v := auth.NewVerifier("secret", "bea", "")
	ts := newTestServer(t, Options{Verifier: v})

	none := call(t, ts, http.MethodGet, "/api/v1/jobs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, none.status)

	token, err := v.Issue(auth.Principal{Subject: "u1", TenantID: "tenant_b"}, time.Hour)
	require.NoError(t, err)
	mismatch := call(t, ts, http.MethodGet, "/api/v1/jobs", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, mismatch.status)
	assert.Equal(t, "TENANT_SCOPE_VIOLATION", mismatch.Error.Code)

	ok := call(t, ts, http.MethodGet, "/api/v1/jobs", nil, map[string]string{"Authorization": "Bearer " + token, headerTenantID: "tenant_b"})
	assert.Equal(t, http.StatusOK, ok.status)
}

func TestMutationsAreRateLimited(t *testing.T) {
	ts := newTestServer(t, Options{Limiter: ratelimit.NewLocal(1, 0)})
	first := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(false), idem("idem_rl_1"))
	assert.Equal(t, http.StatusAccepted, first.status)

	second := call(t, ts, http.MethodPost, "/api/v1/evaluations", evaluationBody(false), idem("idem_rl_2"))
	assert.Equal(t, http.StatusTooManyRequests, second.status)
	assert.Equal(t, "RATE_LIMITED", second.Error.Code)
	assert.True(t, second.Error.Retryable)

	reads := call(t, ts, http.MethodGet, "/api/v1/jobs", nil, nil)
	assert.Equal(t, http.StatusOK, reads.status)
}

func internalWithKey(key string) map[string]string {
	return map[string]string{headerInternalDebug: "true", headerIdempotencyKey: key}
}

func TestLegalHoldReleaseIsIdempotent(t *testing.T) {
	ts := newTestServer(t, Options{})
	imposed := call(t, ts, http.MethodPost, "/api/v1/internal/legal-hold/impose", map[string]any{
		"object_type": "report",
		"object_id":   "ev_hold",
		"reason":      "litigation",
		"imposed_by":  "legal",
	}, internalHeaders)
	require.Equal(t, http.StatusOK, imposed.status, string(imposed.raw))
	var hold struct {
		HoldID string `json:"hold_id"`
	}
	decodeData(t, imposed, &hold)
	path := "/api/v1/internal/legal-hold/" + hold.HoldID + "/release"
	env := map[string]any{"reason": "settled", "reviewer_id": "rev_1", "reviewer_id_2": "rev_2"}

	missing := call(t, ts, http.MethodPost, path, env, internalHeaders)
	assert.Equal(t, http.StatusBadRequest, missing.status)
	assert.Equal(t, "IDEMPOTENCY_MISSING", missing.Error.Code)

	first := call(t, ts, http.MethodPost, path, env, internalWithKey("idem_release"))
	require.Equal(t, http.StatusOK, first.status, string(first.raw))
	var released struct {
		Status string `json:"status"`
	}
	decodeData(t, first, &released)
	assert.Equal(t, "released", released.Status)

	replay := call(t, ts, http.MethodPost, path, env, internalWithKey("idem_release"))
	require.Equal(t, http.StatusOK, replay.status, string(replay.raw))
	assert.Equal(t, "true", replay.header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first.Data), string(replay.Data))

	env["reason"] = "changed"
	conflict := call(t, ts, http.MethodPost, path, env, internalWithKey("idem_release"))
	assert.Equal(t, http.StatusConflict, conflict.status)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", conflict.Error.Code)

	again := call(t, ts, http.MethodPost, path, env, internalWithKey("idem_release_2"))
	assert.Equal(t, http.StatusConflict, again.status)
	assert.Equal(t, "LEGAL_HOLD_RELEASE_CONFLICT", again.Error.Code)
}

func TestReleasePipelineIsIdempotent(t *testing.T) {
	ts := newTestServer(t, Options{})
	body := map[string]any{
		"release_id":      "rel_1",
		"dataset_version": "ds_v1",
		"replay_passed":   true,
		"gate_results":    map[string]bool{"quality": true, "performance": true, "security": true, "cost": true},
	}
	const path = "/api/v1/internal/release/pipeline/execute"

	missing := call(t, ts, http.MethodPost, path, body, internalHeaders)
	assert.Equal(t, "IDEMPOTENCY_MISSING", missing.Error.Code)

	first := call(t, ts, http.MethodPost, path, body, internalWithKey("idem_pl"))
	require.Equal(t, http.StatusOK, first.status, string(first.raw))
	replay := call(t, ts, http.MethodPost, path, body, internalWithKey("idem_pl"))
	require.Equal(t, http.StatusOK, replay.status)
	assert.Equal(t, "true", replay.header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first.Data), string(replay.Data))

	body["release_id"] = "rel_2"
	conflict := call(t, ts, http.MethodPost, path, body, internalWithKey("idem_pl"))
	assert.Equal(t, http.StatusConflict, conflict.status)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", conflict.Error.Code)

	rollback := call(t, ts, http.MethodPost, "/api/v1/internal/release/rollback/execute", map[string]any{"release_id": "rel_1"}, internalHeaders)
	assert.Equal(t, "IDEMPOTENCY_MISSING", rollback.Error.Code)
	replayE2E := call(t, ts, http.MethodPost, "/api/v1/internal/release/replay/e2e", map[string]any{}, internalHeaders)
	assert.Equal(t, "IDEMPOTENCY_MISSING", replayE2E.Error.Code)
}
