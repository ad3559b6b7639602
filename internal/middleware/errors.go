package middleware

import (
	"encoding/json"
	"net/http"
)

// Problem is the minimal RFC 7807 body the middleware layer emits for
// failures that never reach a handler (auth rejections, panics,
// timeouts, the store gate). Handler-level problems live in
// internal/errors; this type exists so the middleware package does not
// depend on it.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Trace  string `json:"trace_id,omitempty"`
}

// Render writes the problem as application/problem+json.
func (p Problem) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	return json.NewEncoder(w).Encode(p)
}

// statusProblemTypes maps the statuses the middleware chain produces to
// their problem type URIs.
var statusProblemTypes = map[int]string{
	http.StatusBadRequest:          "/errors/bad-request",
	http.StatusUnauthorized:        "/errors/unauthorized",
	http.StatusForbidden:           "/errors/forbidden",
	http.StatusNotFound:            "/errors/not-found",
	http.StatusMethodNotAllowed:    "/errors/method-not-allowed",
	http.StatusConflict:            "/errors/conflict",
	http.StatusGone:                "/errors/gone",
	http.StatusInternalServerError: "/errors/internal-server-error",
	http.StatusServiceUnavailable:  "/errors/service-unavailable",
	http.StatusGatewayTimeout:      "/errors/gateway-timeout",
}

// ProblemFromStatus builds the problem for a plain HTTP status.
func ProblemFromStatus(status int, detail string, traceID string) Problem {
	problemType, ok := statusProblemTypes[status]
	if !ok {
		problemType = "/errors/unknown"
	}
	return Problem{
		Type:   problemType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Trace:  traceID,
	}
}
