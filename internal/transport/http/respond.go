package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keyward/internal/errors"
	"keyward/internal/infrastructure"
	appmiddleware "keyward/internal/middleware"
)

// validate carries the licensing validation tags. A single instance is
// safe for concurrent use.
var validate = appmiddleware.NewValidator()

// decodeAndValidate decodes the JSON body into dst and validates it.
// On failure it renders a 400 problem and returns false; the caller just
// returns.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, logger *slog.Logger, dst interface{}) bool {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := render.DecodeJSON(r.Body, dst); err != nil {
		renderDecodeProblem(w, r, logger, err)
		return false
	}

	if err := validate.Struct(dst); err != nil {
		fields := validationFields(err)

		logger.WarnContext(ctx, "request validation failed",
			slog.String("request_id", reqID),
			slog.String("path", r.URL.Path),
			slog.Any("fields", fields))

		problem := apierrors.NewProblemDetails(
			http.StatusBadRequest,
			apierrors.TypeInvalidRequest,
			"Invalid Request",
			"One or more request fields failed validation",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceIDOrRequestID(ctx)).
			WithExtension("errors", fields)

		render.Render(w, r, problem)
		return false
	}

	return true
}

// renderDecodeProblem renders an unparseable request body as a 400.
func renderDecodeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	logger.WarnContext(ctx, "failed to decode request body",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path))

	problem := apierrors.NewProblemDetails(
		http.StatusBadRequest,
		apierrors.TypeInvalidRequest,
		"Invalid Request",
		"Request body is not valid JSON",
		r.URL.Path+"#"+reqID,
	).WithExtension("trace_id", traceIDOrRequestID(ctx))

	render.Render(w, r, problem)
}

// validationFields flattens validator errors into field/message pairs for
// the problem body.
func validationFields(err error) []map[string]string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []map[string]string{{"field": "body", "message": err.Error()}}
	}

	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]string{
			"field":   fe.Field(),
			"message": validationMessage(fe),
		})
	}
	return fields
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "license_code":
		return fmt.Sprintf("%s must be a valid activation code", fe.Field())
	case "fingerprint":
		return fmt.Sprintf("%s must be a valid device identifier", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.Replace(fe.Param(), " ", ", ", -1))
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// renderLicenseError renders a failed service call. Engine error kinds
// map onto their own status codes; anything unrecognized is treated as a
// store outage and rendered as 503.
func renderLicenseError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := traceIDOrRequestID(ctx)
	status := apierrors.LicenseErrorStatus(err)

	logFn := logger.WarnContext
	if status >= http.StatusInternalServerError {
		logFn = logger.ErrorContext
		appmiddleware.RecordSystemError(ctx, "store_unavailable", "licensing")
	}
	logFn(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", status),
		slog.String("request_id", reqID),
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method))

	render.Render(w, r, apierrors.MapLicenseError(err, r.URL.Path+"#"+reqID, traceID))
}

// traceIDOrRequestID prefers the active span's trace ID and falls back to
// the request ID so every problem body carries a correlation handle.
func traceIDOrRequestID(ctx context.Context) string {
	if traceID := infrastructure.TraceIDFromContext(ctx); traceID != "" {
		return traceID
	}
	return middleware.GetReqID(ctx)
}

// maskCode redacts the tail of an activation code for logs and spans.
func maskCode(code string) string {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) <= 5 {
		return "*****"
	}
	return trimmed[:5] + "****"
}
