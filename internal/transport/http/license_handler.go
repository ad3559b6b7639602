package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keyward/internal/infrastructure"
	"keyward/internal/license"
	"keyward/internal/services"
)

// LicenseHandler handles activation, verification, deactivation and trial
// requests from client installations.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivateRequest is the activation request payload. Device identifiers
// arrive raw and are fingerprinted before they reach the engine; the
// pre-image never leaves this handler.
type ActivateRequest struct {
	Code       string `json:"code" validate:"required,license_code"`
	DeviceID   string `json:"device_id" validate:"required,fingerprint"`
	HardwareID string `json:"hardware_id,omitempty" validate:"omitempty,fingerprint"`
}

// VerifyRequest is the verification request payload. No fields are
// required: verification answers valid=false for malformed input instead
// of rejecting it.
type VerifyRequest struct {
	Code       string `json:"code"`
	DeviceID   string `json:"device_id"`
	HardwareID string `json:"hardware_id,omitempty"`
}

// DeactivateRequest is the deactivation request payload.
type DeactivateRequest struct {
	Code       string `json:"code" validate:"required,license_code"`
	DeviceID   string `json:"device_id" validate:"required,fingerprint"`
	HardwareID string `json:"hardware_id,omitempty" validate:"omitempty,fingerprint"`
}

// TrialRequest is the trial issuance request payload.
type TrialRequest struct {
	HardwareID string `json:"hardware_id" validate:"required,fingerprint"`
}

// Routes returns a chi router for the client-facing license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(15 * time.Second))

	r.Post("/activate", h.Activate)
	r.Post("/verify", h.Verify)
	r.Post("/deactivate", h.Deactivate)

	return r
}

// TrialRoutes returns a chi router for the trial endpoint. It is mounted
// separately so the application can rate-shape it independently later.
func (h *LicenseHandler) TrialRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(15 * time.Second))

	r.Post("/", h.IssueTrial)

	return r
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var data ActivateRequest
	if !decodeAndValidate(w, r.WithContext(ctx), h.logger, &data) {
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		return
	}

	span.SetAttributes(
		attribute.String("license.code", maskCode(data.Code)),
		attribute.Bool("license.has_hardware_id", data.HardwareID != ""),
	)

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := h.service.Activate(opCtx, license.ActivationRequest{
		Code:     data.Code,
		Device:   license.DeriveFingerprint(data.DeviceID),
		Hardware: license.DeriveFingerprint(data.HardwareID),
	})
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", string(resp.Status)),
		attribute.Int("license.devices_used", resp.DevicesUsed),
	)
	infrastructure.AddSpanEvent(ctx, "license.activation.success", map[string]interface{}{
		"status":       string(resp.Status),
		"devices_used": resp.DevicesUsed,
	})

	render.JSON(w, r, resp)
}

// Verify handles POST /api/license/verify. Every domain outcome renders
// as 200: the answer is the body, not the status code. Only an unreadable
// request or a store failure deviates.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/verify"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var data VerifyRequest
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		span.RecordError(err)
		renderDecodeProblem(w, r.WithContext(ctx), h.logger, err)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	verification, err := h.service.Verify(opCtx, license.VerificationRequest{
		Code:     data.Code,
		Device:   license.DeriveFingerprint(data.DeviceID),
		Hardware: license.DeriveFingerprint(data.HardwareID),
	})
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.Bool("license.valid", verification.Valid),
		attribute.String("license.reason", verification.Reason),
	)

	render.JSON(w, r, verification)
}

// Deactivate handles POST /api/license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.deactivate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/deactivate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var data DeactivateRequest
	if !decodeAndValidate(w, r.WithContext(ctx), h.logger, &data) {
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := h.service.Deactivate(opCtx, license.DeactivationRequest{
		Code:     data.Code,
		Device:   license.DeriveFingerprint(data.DeviceID),
		Hardware: license.DeriveFingerprint(data.HardwareID),
	})
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.Bool("license.removed", resp.Removed))

	render.JSON(w, r, resp)
}

// IssueTrial handles POST /api/trial
func (h *LicenseHandler) IssueTrial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.issue_trial",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/trial"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var data TrialRequest
	if !decodeAndValidate(w, r.WithContext(ctx), h.logger, &data) {
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := h.service.IssueTrial(opCtx, license.DeriveFingerprint(data.HardwareID))
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.Bool("trial.reissued", resp.Reissued))

	render.JSON(w, r, resp)
}

func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	renderLicenseError(w, r, h.logger, err)
}
