package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/auth"
	"bid-evaluation-service/internal/ratelimit"
	"bid-evaluation-service/internal/telemetry"
)

const (
	headerTenantID       = "X-Tenant-ID"
	headerTraceID        = "X-Trace-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerInternalDebug  = "X-Internal-Debug"

	defaultTenant = "tenant_default"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	traceKey
)

func tenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

func traceID(ctx context.Context) string {
	v, _ := ctx.Value(traceKey).(string)
	return v
}

// withTrace assigns the request trace id, taken from X-Trace-ID when present.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace := strings.TrimSpace(r.Header.Get(headerTraceID))
		if trace == "" {
			trace = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		w.Header().Set(headerTraceID, trace)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey, trace)))
	})
}

// withTenant resolves the tenant. With a verifier configured, public routes
// need a bearer token whose tenant claim agrees with X-Tenant-ID.
func (s *Server) withTenant(requireToken bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get(headerTenantID))
			tenant := header
			ctx := r.Context()
			if requireToken && s.verifier != nil {
				token, err := auth.BearerToken(r.Header.Get("Authorization"))
				if err != nil {
					writeError(w, r, auth.ErrUnauthorized)
					return
				}
				p, err := s.verifier.Verify(ctx, token)
				if err != nil {
					writeError(w, r, err)
					return
				}
				if header != "" && header != p.TenantID {
					writeError(w, r, apperr.ErrTenantScopeViolation.WithDetails(map[string]any{"reason": "tenant mismatch"}))
					return
				}
				tenant = p.TenantID
				ctx = auth.WithPrincipal(ctx, p)
			}
			if tenant == "" {
				tenant = defaultTenant
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, tenantKey, tenant)))
		})
	}
}

func requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerInternalDebug) != "true" {
			writeError(w, r, apperr.Security(apperr.CodeAuthForbidden, http.StatusForbidden, "internal endpoint forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit spends one token of the tenant's bucket per mutating request.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.limiter.Allow(r.Context(), ratelimit.Key(tenantID(r.Context()), "mutations"))
		if err != nil {
			// Fail open when the limiter backend is unavailable.
			slog.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, r, apperr.Availability(apperr.CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests emits one structured line and one metric sample per request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		telemetry.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"tenant_id", r.Header.Get(headerTenantID),
			"trace_id", ww.Header().Get(headerTraceID),
		)
	})
}
