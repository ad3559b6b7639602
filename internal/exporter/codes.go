package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"keyward/internal/license"
)

// codesSheet is the sheet name used in XLSX workbooks.
const codesSheet = "Codes"

// utf8BOM helps Excel recognize UTF-8 when opening CSV files directly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var codeHeaders = []string{
	"Code", "Type", "Status", "DevicesUsed", "MaxDevices",
	"LockedDevice", "Expiry", "CreatedAt", "LastActivatedAt",
}

// CodeExporter renders license code listings in the supported formats.
type CodeExporter struct{}

// NewCodeExporter creates a new code listing exporter.
func NewCodeExporter() *CodeExporter {
	return &CodeExporter{}
}

// Export writes the listing in the requested format, sorted by code so
// repeated downloads diff cleanly.
func (e *CodeExporter) Export(w io.Writer, format Format, summaries []license.CodeSummary) error {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Code < summaries[j].Code
	})

	switch format {
	case FormatCSV:
		return e.WriteCSV(w, summaries)
	case FormatXLSX:
		return e.WriteXLSX(w, summaries)
	default:
		return fmt.Errorf("unsupported export format: %q", format)
	}
}

// WriteCSV writes the listing as UTF-8 CSV with a BOM prefix.
func (e *CodeExporter) WriteCSV(w io.Writer, summaries []license.CodeSummary) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(w)

	if err := writer.Write(codeHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}

	for i, s := range summaries {
		if err := writer.Write(codeRecord(s)); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteXLSX writes the listing as a single-sheet workbook.
func (e *CodeExporter) WriteXLSX(w io.Writer, summaries []license.CodeSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), codesSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	for col, header := range codeHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to build header cell: %w", err)
		}
		if err := f.SetCellValue(codesSheet, cell, header); err != nil {
			return fmt.Errorf("failed to write header %q: %w", header, err)
		}
	}

	for row, s := range summaries {
		for col, value := range codeRecord(s) {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return fmt.Errorf("failed to build cell for record %d: %w", row, err)
			}
			if err := f.SetCellValue(codesSheet, cell, value); err != nil {
				return fmt.Errorf("failed to write record %d: %w", row, err)
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// codeRecord converts a code summary to an export row
func codeRecord(s license.CodeSummary) []string {
	return []string{
		s.Code,
		string(s.Modality),
		codeStatus(s),
		formatInt(int64(s.DevicesUsed)),
		formatInt(int64(s.MaxDevices)),
		string(s.LockedDevice),
		formatDate(s.Expiry),
		s.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		formatDateTime(s.LastActivatedAt),
	}
}

// codeStatus collapses the summary flags into one column. A disabled
// code reports disabled even when it is also past expiry.
func codeStatus(s license.CodeSummary) string {
	switch {
	case !s.Active:
		return "disabled"
	case s.Expired:
		return "expired"
	default:
		return "active"
	}
}
