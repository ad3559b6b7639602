// Package middleware carries the HTTP middleware chain of the license
// server: request identity, structured request logging, panic recovery,
// timeouts, CORS, security headers, admin key auth, the store health
// gate, and the OpenTelemetry span/metrics wrappers. Every error the
// chain produces renders as RFC 7807 problem+json, the same wire shape
// the handlers use.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"keyward/internal/infrastructure"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID assigns every request an ID: the caller's X-Request-ID when
// present, a fresh UUID otherwise. The ID is echoed in the response
// header and doubles as the trace ID until a real span supersedes it.
// Must run first in the chain; everything downstream reads it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		// chi's key is seeded too so chimiddleware.GetReqID agrees
		// with ours everywhere.
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, chimiddleware.RequestIDKey, id)
		ctx = infrastructure.WithTraceID(ctx, id)
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			ctx = infrastructure.WithTraceID(ctx, span.SpanContext().TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetReqID returns the request ID assigned by RequestID, or "".
func GetReqID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// StructuredLogger logs one started and one completed line per request
// with method, path, status, size, and duration. Runs after RequestID
// so both lines carry the trace ID.
func StructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			reqLogger := logger
			if traceID := traceOrRequestID(ctx); traceID != "" {
				reqLogger = logger.With(slog.String("trace_id", traceID))
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqLogger.InfoContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()))

			next.ServeHTTP(ww, r)

			reqLogger.InfoContext(ctx, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

// Recoverer converts a handler panic into a logged 500 problem response
// instead of a dropped connection.
func Recoverer(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				ctx := r.Context()
				logger.ErrorContext(ctx, "panic recovered",
					slog.Any("panic", rvr),
					slog.String("stack", string(debug.Stack())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))

				ProblemFromStatus(
					http.StatusInternalServerError,
					"An unexpected error occurred",
					traceOrRequestID(ctx),
				).Render(w, r)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Timeout bounds request handling. A request still running at the
// deadline gets a 504 problem; its context is cancelled so store calls
// unwind.
func Timeout(timeout time.Duration, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(w, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				logger.ErrorContext(r.Context(), "request timed out",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Duration("timeout", timeout))

				ProblemFromStatus(
					http.StatusGatewayTimeout,
					"The request took too long to process",
					traceOrRequestID(r.Context()),
				).Render(w, r)
			}
		})
	}
}

// CORSConfig is the cross-origin policy for browser extension clients.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
	Logger           *slog.Logger
}

// CORS applies cfg to every response and short-circuits preflights.
// An empty origin list allows everything, which is the right default
// for an activation endpoint called from arbitrary extension origins.
func CORS(cfg CORSConfig) func(next http.Handler) http.Handler {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Key"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 300
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := len(cfg.AllowedOrigins) == 0
			for _, o := range cfg.AllowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					allowed = true
					break
				}
			}

			switch {
			case allowed && origin != "":
				w.Header().Set("Access-Control-Allow-Origin", origin)
			case len(cfg.AllowedOrigins) > 0 && cfg.AllowedOrigins[0] == "*":
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
			if len(cfg.ExposedHeaders) > 0 {
				w.Header().Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ", "))
			}
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))

			if r.Method == http.MethodOptions {
				if cfg.Logger != nil {
					cfg.Logger.DebugContext(r.Context(), "CORS preflight",
						slog.String("origin", origin),
						slog.Bool("allowed", allowed))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the standard hardening headers. The API serves
// only JSON and downloads, so the CSP denies everything.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Compress is chi's response compression.
func Compress(level int) func(next http.Handler) http.Handler {
	return chimiddleware.Compress(level)
}

// RealIP is chi's X-Forwarded-For / X-Real-IP resolution.
func RealIP(next http.Handler) http.Handler {
	return chimiddleware.RealIP(next)
}

// traceOrRequestID prefers the trace ID and falls back to the request
// ID so log lines and problem bodies always carry a correlation handle.
func traceOrRequestID(ctx context.Context) string {
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		return traceID
	}
	return GetReqID(ctx)
}
