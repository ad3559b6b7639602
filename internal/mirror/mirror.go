package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"keyward/internal/config"
	"keyward/internal/infrastructure"
	"keyward/internal/license"
)

// applyTimeout bounds a single Sheets API call.
const applyTimeout = 30 * time.Second

type jobKind int

const (
	jobUpsertCode jobKind = iota
	jobAppendAudit
)

type job struct {
	kind    jobKind
	summary license.CodeSummary

	// audit fields
	event   string
	code    string
	actor   string
	details string
	at      time.Time
}

// Mirror replicates the code registry and audit trail into a Google
// Sheets workbook, strictly best-effort: writes are queued and applied
// asynchronously, failures are logged and never surface to the request
// that caused them, and a saturated queue drops rather than blocks.
type Mirror struct {
	enabled bool
	cfg     config.MirrorConfig
	logger  *slog.Logger
	client  sheetsClient
	limiter *rate.Limiter

	jobs       chan job
	workerDone chan struct{}

	mu      sync.Mutex
	closed  bool
	started bool
	dropped int64
	applied int64
	failed  int64
}

// New creates a Sheets mirror from configuration. A disabled mirror is
// returned when cfg.Enabled is false; all its methods are no-ops.
func New(cfg config.MirrorConfig, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "sheets_mirror"))

	if !cfg.Enabled {
		return &Mirror{enabled: false, logger: logger}, nil
	}

	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("mirror: spreadsheet_id is required when the mirror is enabled")
	}

	client, err := newGoogleSheets(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("mirror: creating sheets client: %w", err)
	}

	return newWithClient(cfg, logger, client), nil
}

// newWithClient wires a mirror around an injected client, used by tests.
func newWithClient(cfg config.MirrorConfig, logger *slog.Logger, client sheetsClient) *Mirror {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 1
	}

	return &Mirror{
		enabled:    true,
		cfg:        cfg,
		logger:     logger,
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		jobs:       make(chan job, queueSize),
		workerDone: make(chan struct{}),
	}
}

// Start launches the mirror worker.
func (m *Mirror) Start() {
	if m == nil || !m.enabled {
		return
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.worker()
}

// UpsertCode queues a registry row update for the given code summary.
func (m *Mirror) UpsertCode(ctx context.Context, summary license.CodeSummary) {
	m.enqueue(ctx, job{kind: jobUpsertCode, summary: summary})
}

// AppendAudit queues an audit trail row.
func (m *Mirror) AppendAudit(ctx context.Context, event, code, actor, details string) {
	m.enqueue(ctx, job{
		kind:    jobAppendAudit,
		event:   event,
		code:    code,
		actor:   actor,
		details: details,
		at:      time.Now(),
	})
}

func (m *Mirror) enqueue(ctx context.Context, j job) {
	if m == nil || !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	select {
	case m.jobs <- j:
	default:
		m.dropped++
		m.logger.WarnContext(ctx, "mirror queue full, dropping job",
			slog.Int("queue_size", cap(m.jobs)),
			slog.Int64("dropped_total", m.dropped))
	}
}

// Close stops accepting jobs and drains the queue. The context bounds
// how long the drain may take; pending jobs past the deadline are lost.
func (m *Mirror) Close(ctx context.Context) error {
	if m == nil || !m.enabled {
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	close(m.jobs)

	if !started {
		return nil
	}

	select {
	case <-m.workerDone:
		return nil
	case <-ctx.Done():
		m.logger.Warn("mirror drain timed out, pending jobs lost",
			slog.Int("pending", len(m.jobs)))
		return ctx.Err()
	}
}

// worker drains the job queue, throttled to the configured rate.
func (m *Mirror) worker() {
	defer close(m.workerDone)

	for j := range m.jobs {
		m.apply(j)
	}
}

func (m *Mirror) apply(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	// Each write gets its own trace ID so retries and failures for one
	// row can be correlated in the logs.
	ctx = infrastructure.EnsureTraceID(ctx)

	if err := m.limiter.Wait(ctx); err != nil {
		m.logger.WarnContext(ctx, "mirror rate limiter wait failed",
			slog.String("error", err.Error()))
		return
	}

	var err error
	switch j.kind {
	case jobUpsertCode:
		err = m.upsertCode(ctx, j.summary)
	case jobAppendAudit:
		err = m.appendAudit(ctx, j)
	}

	m.mu.Lock()
	if err != nil {
		m.failed++
	} else {
		m.applied++
	}
	m.mu.Unlock()

	if err != nil {
		// Best-effort: the registry of record is the store, not the sheet
		m.logger.WarnContext(ctx, "mirror write failed",
			slog.String("error", err.Error()),
			slog.String("code", j.code))
	}
}

// upsertCode finds the row keyed by the code in column A and updates it
// in place, or appends a new row when the code is not present yet.
func (m *Mirror) upsertCode(ctx context.Context, summary license.CodeSummary) error {
	readRange := fmt.Sprintf("%s!A:A", m.cfg.CodesSheet)
	rows, err := m.client.Get(ctx, readRange)
	if err != nil {
		return fmt.Errorf("reading codes sheet: %w", err)
	}

	rowIndex := -1
	for i, row := range rows {
		if i == 0 {
			continue // header row
		}
		if len(row) > 0 {
			if code, ok := row[0].(string); ok && code == summary.Code {
				rowIndex = i + 1 // Sheets ranges are 1-based
				break
			}
		}
	}

	values := [][]interface{}{codeRow(summary)}

	if rowIndex == -1 {
		appendRange := fmt.Sprintf("%s!A:H", m.cfg.CodesSheet)
		if err := m.client.Append(ctx, appendRange, values); err != nil {
			return fmt.Errorf("appending code row: %w", err)
		}
		return nil
	}

	writeRange := fmt.Sprintf("%s!A%d:H%d", m.cfg.CodesSheet, rowIndex, rowIndex)
	if err := m.client.Update(ctx, writeRange, values); err != nil {
		return fmt.Errorf("updating code row %d: %w", rowIndex, err)
	}
	return nil
}

func (m *Mirror) appendAudit(ctx context.Context, j job) error {
	appendRange := fmt.Sprintf("%s!A:E", m.cfg.AuditSheet)
	values := [][]interface{}{
		{
			j.at.UTC().Format("2006-01-02 15:04:05"),
			j.event,
			j.code,
			j.actor,
			j.details,
		},
	}
	if err := m.client.Append(ctx, appendRange, values); err != nil {
		return fmt.Errorf("appending audit row: %w", err)
	}
	return nil
}

// codeRow projects a code summary into the sheet row layout:
// Code | Modality | Status | Devices Used | Max Devices | Expiry | Last Activated | Expiry Status
func codeRow(s license.CodeSummary) []interface{} {
	status := "active"
	if !s.Active {
		status = "disabled"
	}

	expiryStatus := "valid"
	if s.Expired {
		expiryStatus = "expired"
	}

	expiry := ""
	if s.Expiry != nil {
		expiry = s.Expiry.UTC().Format("2006-01-02")
	}

	lastActivated := ""
	if s.LastActivatedAt != nil {
		lastActivated = s.LastActivatedAt.UTC().Format("2006-01-02 15:04:05")
	}

	return []interface{}{
		s.Code,
		string(s.Modality),
		status,
		s.DevicesUsed,
		s.MaxDevices,
		expiry,
		lastActivated,
		expiryStatus,
	}
}

// Stats returns mirror counters for monitoring.
func (m *Mirror) Stats() map[string]interface{} {
	if m == nil || !m.enabled {
		return map[string]interface{}{"enabled": false}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"enabled":     true,
		"queue_depth": len(m.jobs),
		"applied":     m.applied,
		"failed":      m.failed,
		"dropped":     m.dropped,
	}
}
