package errors

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"keyward/internal/infrastructure"
)

// Problem type URIs for requests that never reach a licensing operation.
const (
	TypeNotFound         = "/errors/not-found"
	TypeMethodNotAllowed = "/errors/method-not-allowed"
)

// FallbackHandler answers requests the router cannot dispatch. chi's
// stock fallbacks write text/plain bodies; these keep the problem+json
// contract so clients parse one error shape on every path.
type FallbackHandler struct {
	logger *slog.Logger
}

// NewFallbackHandler creates the router fallback handler.
func NewFallbackHandler(logger *slog.Logger) *FallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackHandler{logger: logger}
}

// NotFound renders a 404 problem for a path no route matches. Unmatched
// paths from real clients usually mean version skew, so they are logged.
func (h *FallbackHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	h.logger.WarnContext(ctx, "no route for request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", reqID))

	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		fmt.Sprintf("No route matches %s", r.URL.Path),
		r.URL.Path+"#"+reqID,
	).WithExtension("trace_id", fallbackTraceID(r)).
		WithExtension("error_code", "NOT_FOUND")

	render.Render(w, r, problem)
}

// MethodNotAllowed renders a 405 problem for a known path hit with the
// wrong method.
func (h *FallbackHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	h.logger.WarnContext(ctx, "method not allowed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", reqID))

	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeMethodNotAllowed,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for %s", r.Method, r.URL.Path),
		r.URL.Path+"#"+reqID,
	).WithExtension("trace_id", fallbackTraceID(r)).
		WithExtension("error_code", "METHOD_NOT_ALLOWED")

	render.Render(w, r, problem)
}

// fallbackTraceID prefers the active span's trace ID and falls back to
// the request ID so fallback responses stay correlatable.
func fallbackTraceID(r *http.Request) string {
	if traceID := infrastructure.TraceIDFromContext(r.Context()); traceID != "" {
		return traceID
	}
	return middleware.GetReqID(r.Context())
}
