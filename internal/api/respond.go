package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/idempotency"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *apperr.Error   `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Meta    meta            `json:"meta"`
}

type meta struct {
	TraceID string `json:"trace_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeData wraps data in the success envelope.
func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, r, apperr.Internal(err))
		return
	}
	writeRaw(w, r, status, raw)
}

// writeRaw sends pre-encoded data unchanged so idempotent replays are byte-identical.
func writeRaw(w http.ResponseWriter, r *http.Request, status int, raw json.RawMessage) {
	writeJSON(w, status, envelope{Success: true, Data: raw, Message: "ok", Meta: meta{TraceID: traceID(r.Context())}})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		slog.Error("unhandled request error", "path", r.URL.Path, "trace_id", traceID(r.Context()), "error", err)
		ae = apperr.Internal(err)
	} else if ae.Kind == apperr.KindInternal {
		slog.Error("internal error", "path", r.URL.Path, "trace_id", traceID(r.Context()), "error", err)
	}
	status := ae.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, envelope{Error: ae, Meta: meta{TraceID: traceID(r.Context())}})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(err, apperr.CodeReqValidationFailed, apperr.KindValidation, http.StatusBadRequest, false, "request body is not valid JSON for this endpoint")
	}
	return nil
}

// runIdempotent executes fn once per Idempotency-Key and writes the stored response.
func (s *Server) runIdempotent(w http.ResponseWriter, r *http.Request, endpoint string, status int, payload any, fn idempotency.Execute) {
	res, err := s.core.Idempotency.Run(r.Context(), endpoint, tenantID(r.Context()), r.Header.Get(headerIdempotencyKey), payload, fn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeRaw(w, r, status, res.Response)
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, apperr.Validation(apperr.CodeReqValidationFailed, name+" must be an integer between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
	}
	return n, nil
}

func queryDefault(r *http.Request, name, def string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return def
}
