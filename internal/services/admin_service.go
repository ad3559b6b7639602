package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"keyward/internal/events"
	"keyward/internal/exporter"
	"keyward/internal/importer"
	"keyward/internal/license"
	"keyward/internal/middleware"
	"keyward/internal/store"
)

// AdminService provides the operator-facing registry surface.
type AdminService interface {
	CreateCode(ctx context.Context, params license.CreateCodeParams) (*license.CodeSummary, error)
	GetCode(ctx context.Context, code string) (*license.CodeSummary, error)
	ListCodes(ctx context.Context) ([]license.CodeSummary, error)
	DisableCode(ctx context.Context, code string) (*license.CodeSummary, error)
	ResetBindings(ctx context.Context, code string) (*license.CodeSummary, error)

	// ExportCodes streams the listing in the requested format.
	ExportCodes(ctx context.Context, w io.Writer, format exporter.Format) error

	// ImportCodes applies parsed import rows. Per-row conflicts and
	// malformed rows are reported in the results; only store failures
	// abort the run.
	ImportCodes(ctx context.Context, rows []importer.Row) ([]ImportResult, error)
}

// ImportResult is the per-row outcome of a bulk import.
type ImportResult struct {
	Line   int    `json:"line"`
	Code   string `json:"code,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Import row statuses.
const (
	ImportCreated  = "created"
	ImportConflict = "conflict"
	ImportInvalid  = "invalid"
)

type adminService struct {
	store    store.Store
	engine   *license.Engine
	events   EventPublisher
	mirror   RegistryMirror
	exporter *exporter.CodeExporter
	metrics  *license.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdminService wires the operator service. events, mirror, and
// metrics may be nil.
func NewAdminService(st store.Store, engine *license.Engine, publisher EventPublisher, mirror RegistryMirror, metrics *license.Metrics, logger *slog.Logger) AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &adminService{
		store:    st,
		engine:   engine,
		events:   publisher,
		mirror:   mirror,
		exporter: exporter.NewCodeExporter(),
		metrics:  metrics,
		logger:   logger.With(slog.String("service", "admin")),
		now:      time.Now,
	}
}

func (s *adminService) CreateCode(ctx context.Context, params license.CreateCodeParams) (*license.CodeSummary, error) {
	code := license.NormalizeCode(params.Code)

	var created *license.Record
	err := s.store.UpdateLicense(ctx, code, func(current *license.Record) (*license.Record, error) {
		rec, cerr := s.engine.CreateCode(current, params)
		if cerr != nil {
			return nil, cerr
		}
		created = rec
		return rec, nil
	})
	if err != nil {
		s.logger.InfoContext(ctx, "code creation rejected",
			slog.String("code", code),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.metrics.RecordAdminMutation(ctx, "create")
	actor := middleware.AdminActorFromContext(ctx)
	s.logger.InfoContext(ctx, "code created",
		slog.String("code", created.Code),
		slog.String("modality", string(params.Modality)),
		slog.String("actor", actor))

	summary := created.Summary(s.now())
	s.publish(ctx, events.TypeCodeCreated, map[string]interface{}{
		"code":     summary.Code,
		"modality": string(summary.Modality),
		"actor":    actor,
	})
	s.mirrorSummary(ctx, events.TypeCodeCreated, summary, actor, string(summary.Modality))

	return &summary, nil
}

func (s *adminService) GetCode(ctx context.Context, code string) (*license.CodeSummary, error) {
	rec, err := s.store.GetLicense(ctx, license.NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", license.ErrCodeNotFound, license.NormalizeCode(code))
	}

	summary := rec.Summary(s.now())
	return &summary, nil
}

func (s *adminService) ListCodes(ctx context.Context) ([]license.CodeSummary, error) {
	records, err := s.store.ListLicenses(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summaries := make([]license.CodeSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summary(now))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Code < summaries[j].Code
	})
	return summaries, nil
}

func (s *adminService) DisableCode(ctx context.Context, code string) (*license.CodeSummary, error) {
	normalized := license.NormalizeCode(code)

	var disabled *license.Record
	err := s.store.UpdateLicense(ctx, normalized, func(current *license.Record) (*license.Record, error) {
		rec, derr := s.engine.DisableCode(current)
		if derr != nil {
			return nil, derr
		}
		disabled = rec
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAdminMutation(ctx, "disable")
	actor := middleware.AdminActorFromContext(ctx)
	s.logger.InfoContext(ctx, "code disabled",
		slog.String("code", normalized),
		slog.String("actor", actor))

	summary := disabled.Summary(s.now())
	s.publish(ctx, events.TypeCodeDisabled, map[string]interface{}{
		"code":  summary.Code,
		"actor": actor,
	})
	s.mirrorSummary(ctx, events.TypeCodeDisabled, summary, actor, "tombstoned")

	return &summary, nil
}

func (s *adminService) ResetBindings(ctx context.Context, code string) (*license.CodeSummary, error) {
	normalized := license.NormalizeCode(code)

	var reset *license.Record
	err := s.store.UpdateLicense(ctx, normalized, func(current *license.Record) (*license.Record, error) {
		rec, rerr := s.engine.ResetBindings(current)
		if rerr != nil {
			return nil, rerr
		}
		reset = rec
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAdminMutation(ctx, "reset")
	actor := middleware.AdminActorFromContext(ctx)
	s.logger.InfoContext(ctx, "bindings reset",
		slog.String("code", normalized),
		slog.String("actor", actor))

	summary := reset.Summary(s.now())
	s.publish(ctx, events.TypeCodeReset, map[string]interface{}{
		"code":  summary.Code,
		"actor": actor,
	})
	s.mirrorSummary(ctx, events.TypeCodeReset, summary, actor, "bindings cleared")

	return &summary, nil
}

func (s *adminService) ExportCodes(ctx context.Context, w io.Writer, format exporter.Format) error {
	summaries, err := s.ListCodes(ctx)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "exporting code listing",
		slog.String("format", string(format)),
		slog.Int("count", len(summaries)),
		slog.String("actor", middleware.AdminActorFromContext(ctx)))

	return s.exporter.Export(w, format, summaries)
}

func (s *adminService) ImportCodes(ctx context.Context, rows []importer.Row) ([]ImportResult, error) {
	results := make([]ImportResult, 0, len(rows))

	for _, row := range rows {
		result := ImportResult{Line: row.Line, Code: license.NormalizeCode(row.Params.Code)}

		if row.Err != nil {
			result.Status = ImportInvalid
			result.Error = row.Err.Error()
			results = append(results, result)
			continue
		}

		_, err := s.CreateCode(ctx, row.Params)
		switch {
		case err == nil:
			result.Status = ImportCreated
		case errors.Is(err, license.ErrCodeConflict):
			result.Status = ImportConflict
			result.Error = err.Error()
		case errors.Is(err, license.ErrInvalidRequest):
			result.Status = ImportInvalid
			result.Error = err.Error()
		default:
			// Store failure: nothing row-specific about it, stop here.
			return nil, fmt.Errorf("import aborted at line %d: %w", row.Line, err)
		}
		results = append(results, result)
	}

	s.logger.InfoContext(ctx, "bulk import finished",
		slog.Int("rows", len(rows)),
		slog.Int("created", countStatus(results, ImportCreated)),
		slog.Int("conflicts", countStatus(results, ImportConflict)),
		slog.Int("invalid", countStatus(results, ImportInvalid)))

	return results, nil
}

func countStatus(results []ImportResult, status string) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}

func (s *adminService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events != nil {
		s.events.PublishEvent(ctx, eventType, data)
	}
}

func (s *adminService) mirrorSummary(ctx context.Context, event string, summary license.CodeSummary, actor, details string) {
	if s.mirror == nil {
		return
	}
	s.mirror.UpsertCode(ctx, summary)
	s.mirror.AppendAudit(ctx, event, summary.Code, actor, details)
}
