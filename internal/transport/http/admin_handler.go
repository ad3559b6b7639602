package http

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "keyward/internal/errors"
	"keyward/internal/exporter"
	"keyward/internal/importer"
	"keyward/internal/license"
	appmiddleware "keyward/internal/middleware"
	"keyward/internal/services"
	"keyward/internal/validation"
)

// AdminHandler handles the authenticated code management surface. The
// admin key gate and audit logging are applied by the application when
// the routes are mounted, not here.
type AdminHandler struct {
	service   services.AdminService
	validator *validation.SheetValidator
	logger    *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service services.AdminService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		service:   service,
		validator: validation.NewSheetValidator(logger),
		logger:    logger.With(slog.String("handler", "admin")),
	}
}

// CreateCodeRequest is the code creation payload. Cross-field rules
// (capacity needs max_devices, exclusive takes validity_days) are
// enforced by the engine; only field shape is checked here.
type CreateCodeRequest struct {
	Code         string `json:"code" validate:"required,license_code"`
	Modality     string `json:"modality" validate:"required,oneof=capacity exclusive"`
	MaxDevices   int    `json:"max_devices,omitempty" validate:"omitempty,gte=1,lte=10000"`
	ValidityDays int    `json:"validity_days,omitempty" validate:"omitempty,gte=1,lte=3650"`
}

// ListCodesResponse wraps the code listing.
type ListCodesResponse struct {
	Codes []license.CodeSummary `json:"codes"`
	Count int                   `json:"count"`
}

// ImportResponse summarizes a bulk import run.
type ImportResponse struct {
	Rows      int                     `json:"rows"`
	Created   int                     `json:"created"`
	Conflicts int                     `json:"conflicts"`
	Invalid   int                     `json:"invalid"`
	Results   []services.ImportResult `json:"results"`
}

// Routes returns a chi router for the admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/", h.CreateCode)
	r.Get("/", h.ListCodes)

	// Bulk operations get named spans so slow sheets show up in traces.
	r.With(appmiddleware.TraceMiddleware("codes.export")).Get("/export", h.ExportCodes)
	r.With(appmiddleware.TraceMiddleware("codes.import")).Post("/import", h.ImportCodes)

	r.Get("/{code}", h.GetCode)
	r.Delete("/{code}", h.DisableCode)
	r.Post("/{code}/reset", h.ResetBindings)

	return r
}

// CreateCode handles POST /api/admin/codes
func (h *AdminHandler) CreateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var data CreateCodeRequest
	if !decodeAndValidate(w, r, h.logger, &data) {
		return
	}

	summary, err := h.service.CreateCode(ctx, license.CreateCodeParams{
		Code:         data.Code,
		Modality:     license.ModalityKind(data.Modality),
		MaxDevices:   data.MaxDevices,
		ValidityDays: data.ValidityDays,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, summary)
}

// ListCodes handles GET /api/admin/codes
func (h *AdminHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.ListCodes(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, ListCodesResponse{Codes: summaries, Count: len(summaries)})
}

// GetCode handles GET /api/admin/codes/{code}
func (h *AdminHandler) GetCode(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, summary)
}

// DisableCode handles DELETE /api/admin/codes/{code}. The record is
// tombstoned, never removed, so the code keeps resolving to a stable
// disabled answer.
func (h *AdminHandler) DisableCode(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.DisableCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, summary)
}

// ResetBindings handles POST /api/admin/codes/{code}/reset
func (h *AdminHandler) ResetBindings(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ResetBindings(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, summary)
}

// ExportCodes handles GET /api/admin/codes/export?format=csv|xlsx. The
// listing is rendered into a buffer first so a store failure can still
// produce a problem response instead of a truncated download.
func (h *AdminHandler) ExportCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		problem := apierrors.NewProblemDetails(
			http.StatusBadRequest,
			apierrors.TypeInvalidRequest,
			"Invalid Request",
			err.Error(),
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceIDOrRequestID(ctx))
		render.Render(w, r, problem)
		return
	}

	var buf bytes.Buffer
	if err := h.service.ExportCodes(ctx, &buf, format); err != nil {
		h.handleError(w, r, err)
		return
	}

	filename := format.Filename(time.Now())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", buf.Len()))
	w.WriteHeader(http.StatusOK)

	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(ctx, "export download interrupted",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID),
			slog.String("filename", filename))
	}
}

// ImportCodes handles POST /api/admin/codes/import. The sheet arrives as
// a multipart upload in the "file" field; row outcomes are reported
// individually so one bad line never sinks the batch.
func (h *AdminHandler) ImportCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, validation.MaxSheetBytes)
	if err := r.ParseMultipartForm(validation.MaxSheetBytes); err != nil {
		h.renderImportProblem(w, r, "could not parse multipart upload: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.renderImportProblem(w, r, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	if err := h.validator.ValidateUpload(header.Filename, header.Size); err != nil {
		h.renderImportProblem(w, r, err.Error())
		return
	}

	var rows []importer.Row
	if strings.ToLower(filepath.Ext(header.Filename)) == ".csv" {
		rows, err = importer.ParseCSV(file)
	} else {
		rows, err = importer.ParseXLSX(file)
	}
	if err != nil {
		h.renderImportProblem(w, r, err.Error())
		return
	}

	importCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	results, err := h.service.ImportCodes(importCtx, rows)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := ImportResponse{Rows: len(results), Results: results}
	for _, res := range results {
		switch res.Status {
		case services.ImportCreated:
			resp.Created++
		case services.ImportConflict:
			resp.Conflicts++
		case services.ImportInvalid:
			resp.Invalid++
		}
	}

	h.logger.InfoContext(ctx, "import upload processed",
		slog.String("request_id", reqID),
		slog.String("filename", header.Filename),
		slog.Int("rows", resp.Rows),
		slog.Int("created", resp.Created))

	render.JSON(w, r, resp)
}

func (h *AdminHandler) renderImportProblem(w http.ResponseWriter, r *http.Request, detail string) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	h.logger.WarnContext(ctx, "import upload rejected",
		slog.String("request_id", reqID),
		slog.String("detail", detail))

	problem := apierrors.NewProblemDetails(
		http.StatusBadRequest,
		apierrors.TypeInvalidRequest,
		"Invalid Import",
		detail,
		r.URL.Path+"#"+reqID,
	).WithExtension("trace_id", traceIDOrRequestID(ctx))

	render.Render(w, r, problem)
}

func (h *AdminHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	renderLicenseError(w, r, h.logger, err)
}
