package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyward/internal/config"
	"keyward/internal/license"
)

type recordedWrite struct {
	writeRange string
	values     [][]interface{}
}

// fakeSheets captures calls instead of talking to the Sheets API
type fakeSheets struct {
	mu sync.Mutex

	rows      [][]interface{}
	getErr    error
	updateErr error
	appendErr error

	gets    []string
	updates []recordedWrite
	appends []recordedWrite
}

func (f *fakeSheets) Get(ctx context.Context, readRange string) ([][]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, readRange)
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.rows, nil
}

func (f *fakeSheets) Update(ctx context.Context, writeRange string, values [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, recordedWrite{writeRange: writeRange, values: values})
	return f.updateErr
}

func (f *fakeSheets) Append(ctx context.Context, writeRange string, values [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, recordedWrite{writeRange: writeRange, values: values})
	return f.appendErr
}

func testMirrorConfig() config.MirrorConfig {
	return config.MirrorConfig{
		Enabled:       true,
		SpreadsheetID: "test-spreadsheet",
		CodesSheet:    "Codes",
		AuditSheet:    "Audit",
		QueueSize:     16,
		FlushTimeout:  2 * time.Second,
		RatePerSecond: 1000, // Do not throttle tests
	}
}

func newTestMirror(t *testing.T, cfg config.MirrorConfig, fake *fakeSheets) *Mirror {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newWithClient(cfg, logger, fake)
}

func drain(t *testing.T, m *Mirror) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestMirrorDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := New(config.MirrorConfig{Enabled: false}, logger)
	require.NoError(t, err)

	// All operations are no-ops on a disabled mirror
	m.Start()
	m.UpsertCode(context.Background(), license.CodeSummary{Code: "ABCDE-12345"})
	m.AppendAudit(context.Background(), "code:created", "ABCDE-12345", "deadbeef", "")

	stats := m.Stats()
	assert.Equal(t, false, stats["enabled"])

	assert.NoError(t, m.Close(context.Background()))
}

func TestMirrorEnabledRequiresSpreadsheet(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(config.MirrorConfig{Enabled: true}, logger)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "spreadsheet_id")
}

func TestMirrorAppendsNewCode(t *testing.T) {
	fake := &fakeSheets{
		rows: [][]interface{}{
			{"Code"}, // header only, no existing codes
		},
	}

	m := newTestMirror(t, testMirrorConfig(), fake)
	m.Start()

	m.UpsertCode(context.Background(), license.CodeSummary{
		Code:        "ABCDE-12345",
		Modality:    license.ModalityCapacity,
		Active:      true,
		DevicesUsed: 1,
		MaxDevices:  3,
	})

	drain(t, m)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Len(t, fake.gets, 1)
	assert.Equal(t, "Codes!A:A", fake.gets[0])

	require.Len(t, fake.appends, 1)
	assert.Equal(t, "Codes!A:H", fake.appends[0].writeRange)

	row := fake.appends[0].values[0]
	require.Len(t, row, 8)
	assert.Equal(t, "ABCDE-12345", row[0])
	assert.Equal(t, "capacity", row[1])
	assert.Equal(t, "active", row[2])
	assert.Equal(t, 1, row[3])
	assert.Equal(t, 3, row[4])

	assert.Empty(t, fake.updates)
}

func TestMirrorUpdatesExistingCode(t *testing.T) {
	fake := &fakeSheets{
		rows: [][]interface{}{
			{"Code"},
			{"OTHER-00001"},
			{"ABCDE-12345"},
		},
	}

	m := newTestMirror(t, testMirrorConfig(), fake)
	m.Start()

	m.UpsertCode(context.Background(), license.CodeSummary{
		Code:     "ABCDE-12345",
		Modality: license.ModalityExclusive,
		Active:   false,
		Expired:  true,
	})

	drain(t, m)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Len(t, fake.updates, 1)
	// Header is row 1, so the third slice entry is sheet row 3
	assert.Equal(t, "Codes!A3:H3", fake.updates[0].writeRange)

	row := fake.updates[0].values[0]
	assert.Equal(t, "ABCDE-12345", row[0])
	assert.Equal(t, "exclusive", row[1])
	assert.Equal(t, "disabled", row[2])
	assert.Equal(t, "expired", row[7])

	assert.Empty(t, fake.appends)
}

func TestMirrorAppendAudit(t *testing.T) {
	fake := &fakeSheets{}

	m := newTestMirror(t, testMirrorConfig(), fake)
	m.Start()

	m.AppendAudit(context.Background(), "code:disabled", "ABCDE-12345", "deadbeef", "tombstoned by operator")

	drain(t, m)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Len(t, fake.appends, 1)
	assert.Equal(t, "Audit!A:E", fake.appends[0].writeRange)

	row := fake.appends[0].values[0]
	require.Len(t, row, 5)
	assert.NotEmpty(t, row[0]) // timestamp
	assert.Equal(t, "code:disabled", row[1])
	assert.Equal(t, "ABCDE-12345", row[2])
	assert.Equal(t, "deadbeef", row[3])
	assert.Equal(t, "tombstoned by operator", row[4])
}

func TestMirrorQueueFullDrops(t *testing.T) {
	cfg := testMirrorConfig()
	cfg.QueueSize = 1

	fake := &fakeSheets{}
	m := newTestMirror(t, cfg, fake)
	// Worker not started, so the queue cannot drain

	m.AppendAudit(context.Background(), "code:created", "AAAAA-11111", "", "")
	m.AppendAudit(context.Background(), "code:created", "BBBBB-22222", "", "")

	stats := m.Stats()
	assert.Equal(t, 1, stats["queue_depth"])
	assert.Equal(t, int64(1), stats["dropped"])
}

func TestMirrorCloseDrainsQueue(t *testing.T) {
	fake := &fakeSheets{}
	m := newTestMirror(t, testMirrorConfig(), fake)
	m.Start()

	for i := 0; i < 5; i++ {
		m.AppendAudit(context.Background(), "license:activated", "ABCDE-12345", "", "")
	}

	drain(t, m)

	fake.mu.Lock()
	appended := len(fake.appends)
	fake.mu.Unlock()
	assert.Equal(t, 5, appended)

	stats := m.Stats()
	assert.Equal(t, int64(5), stats["applied"])
	assert.Equal(t, int64(0), stats["failed"])
}

func TestMirrorWriteFailureIsBestEffort(t *testing.T) {
	fake := &fakeSheets{appendErr: errors.New("quota exceeded")}
	m := newTestMirror(t, testMirrorConfig(), fake)
	m.Start()

	m.AppendAudit(context.Background(), "license:activated", "ABCDE-12345", "", "")

	drain(t, m)

	stats := m.Stats()
	assert.Equal(t, int64(0), stats["applied"])
	assert.Equal(t, int64(1), stats["failed"])
}

func TestMirrorEnqueueAfterClose(t *testing.T) {
	fake := &fakeSheets{}
	m := newTestMirror(t, testMirrorConfig(), fake)
	m.Start()

	drain(t, m)

	// Must not panic or block after close
	m.AppendAudit(context.Background(), "license:activated", "ABCDE-12345", "", "")

	// Closing twice is idempotent
	assert.NoError(t, m.Close(context.Background()))
}

func TestCodeRow(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	activated := time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)

	t.Run("active capacity code", func(t *testing.T) {
		row := codeRow(license.CodeSummary{
			Code:            "ABCDE-12345",
			Modality:        license.ModalityCapacity,
			Active:          true,
			DevicesUsed:     2,
			MaxDevices:      3,
			LastActivatedAt: &activated,
		})

		require.Len(t, row, 8)
		assert.Equal(t, "ABCDE-12345", row[0])
		assert.Equal(t, "capacity", row[1])
		assert.Equal(t, "active", row[2])
		assert.Equal(t, 2, row[3])
		assert.Equal(t, 3, row[4])
		assert.Equal(t, "", row[5])
		assert.Equal(t, "2025-03-15 10:30:00", row[6])
		assert.Equal(t, "valid", row[7])
	})

	t.Run("expired disabled exclusive code", func(t *testing.T) {
		row := codeRow(license.CodeSummary{
			Code:     "FGHIJ-67890",
			Modality: license.ModalityExclusive,
			Active:   false,
			Expired:  true,
			Expiry:   &expiry,
		})

		assert.Equal(t, "disabled", row[2])
		assert.Equal(t, "2025-06-01", row[5])
		assert.Equal(t, "expired", row[7])
	})
}
