package exporter

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"keyward/internal/license"
)

func sampleSummaries() []license.CodeSummary {
	created := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	activated := time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)
	expiry := time.Date(2025, 4, 14, 10, 30, 0, 0, time.UTC)

	return []license.CodeSummary{
		{
			Code:            "BBBBB-22222",
			Modality:        license.ModalityCapacity,
			Active:          true,
			DevicesUsed:     2,
			MaxDevices:      3,
			CreatedAt:       created,
			LastActivatedAt: &activated,
		},
		{
			Code:         "AAAAA-11111",
			Modality:     license.ModalityExclusive,
			Active:       true,
			Expired:      true,
			DevicesUsed:  1,
			LockedDevice: license.Fingerprint("ab12cd34"),
			Expiry:       &expiry,
			CreatedAt:    created,
		},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        Format
		expectError bool
	}{
		{name: "empty defaults to csv", input: "", want: FormatCSV},
		{name: "csv", input: "csv", want: FormatCSV},
		{name: "uppercase csv", input: "CSV", want: FormatCSV},
		{name: "xlsx", input: "xlsx", want: FormatXLSX},
		{name: "padded xlsx", input: "  XLSX ", want: FormatXLSX},
		{name: "unknown", input: "pdf", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatContentType(t *testing.T) {
	assert.Equal(t, "text/csv; charset=utf-8", FormatCSV.ContentType())
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		FormatXLSX.ContentType())
}

func TestFormatFilename(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, "codes-20250601-103000.csv", FormatCSV.Filename(now))
	assert.Equal(t, "codes-20250601-103000.xlsx", FormatXLSX.Filename(now))
}

func TestCodeExporterWriteCSV(t *testing.T) {
	var buf bytes.Buffer

	err := NewCodeExporter().Export(&buf, FormatCSV, sampleSummaries())
	require.NoError(t, err)

	content := buf.Bytes()
	require.True(t, bytes.HasPrefix(content, []byte{0xEF, 0xBB, 0xBF}))

	reader := csv.NewReader(bytes.NewReader(content[3:]))
	records, err := reader.ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3) // header + 2 codes
	assert.Equal(t, codeHeaders, records[0])

	// Export sorts by code
	assert.Equal(t, "AAAAA-11111", records[1][0])
	assert.Equal(t, "BBBBB-22222", records[2][0])

	exclusive := records[1]
	assert.Equal(t, "exclusive", exclusive[1])
	assert.Equal(t, "expired", exclusive[2])
	assert.Equal(t, "ab12cd34", exclusive[5])
	assert.Equal(t, "2025-04-14", exclusive[6])

	capacity := records[2]
	assert.Equal(t, "capacity", capacity[1])
	assert.Equal(t, "active", capacity[2])
	assert.Equal(t, "2", capacity[3])
	assert.Equal(t, "3", capacity[4])
	assert.Equal(t, "2025-01-10 09:00:00", capacity[7])
	assert.Equal(t, "2025-03-15 10:30:00", capacity[8])
}

func TestCodeExporterWriteXLSX(t *testing.T) {
	var buf bytes.Buffer

	err := NewCodeExporter().Export(&buf, FormatXLSX, sampleSummaries())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(codesSheet)
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, codeHeaders, rows[0])
	assert.Equal(t, "AAAAA-11111", rows[1][0])
	assert.Equal(t, "BBBBB-22222", rows[2][0])
	assert.Equal(t, "capacity", rows[2][1])
	assert.Equal(t, "active", rows[2][2])
}

func TestCodeExporterEmptyListing(t *testing.T) {
	var buf bytes.Buffer

	err := NewCodeExporter().WriteCSV(&buf, nil)
	require.NoError(t, err)

	reader := csv.NewReader(bytes.NewReader(buf.Bytes()[3:]))
	records, err := reader.ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, codeHeaders, records[0])
}

func TestCodeExporterUnknownFormat(t *testing.T) {
	var buf bytes.Buffer

	err := NewCodeExporter().Export(&buf, Format("pdf"), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}

func TestCodeStatus(t *testing.T) {
	tests := []struct {
		name    string
		summary license.CodeSummary
		want    string
	}{
		{name: "active", summary: license.CodeSummary{Active: true}, want: "active"},
		{name: "expired", summary: license.CodeSummary{Active: true, Expired: true}, want: "expired"},
		{name: "disabled", summary: license.CodeSummary{Active: false}, want: "disabled"},
		{name: "disabled wins over expired", summary: license.CodeSummary{Active: false, Expired: true}, want: "disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codeStatus(tt.summary))
		})
	}
}
