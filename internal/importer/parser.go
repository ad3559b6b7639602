// Package importer parses bulk code-import sheets.
//
// Input is an XLSX workbook or a CSV file whose header row names the code
// column plus the modality parameters. The header row is located by
// content, so title rows or notes above it are skipped. Malformed data
// rows are reported on the Row, not returned as a parse error, so one bad
// line never aborts a bulk load.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"keyward/internal/license"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one code definition parsed from an import sheet. Line is the
// 1-based row number in the source sheet.
type Row struct {
	Line   int
	Params license.CreateCodeParams
	// Err marks a malformed row. Such rows are reported per line and
	// skipped by the applier.
	Err error
}

// ParseFile reads an import sheet, dispatching on the file extension.
func ParseFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		return ParseXLSX(f)
	case ".csv":
		return ParseCSV(f)
	default:
		return nil, fmt.Errorf("unsupported import file type: %q", ext)
	}
}

// ParseXLSX parses the first sheet of the workbook that contains a code
// header row.
func ParseXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil || len(rows) == 0 {
			continue
		}
		if parsed, ok := parseRows(rows); ok {
			return parsed, nil
		}
	}

	return nil, errors.New("could not find a code header row in any sheet")
}

// ParseCSV parses CSV input, tolerating a UTF-8 BOM and rows of varying
// width.
func ParseCSV(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}

	parsed, ok := parseRows(records)
	if !ok {
		return nil, errors.New("could not find a code header row")
	}
	return parsed, nil
}

func parseRows(rows [][]string) ([]Row, bool) {
	headerRow, columns := findHeader(rows)
	if headerRow < 0 {
		return nil, false
	}

	var parsed []Row
	for i := headerRow + 1; i < len(rows); i++ {
		if isEmptyRow(rows[i]) {
			continue
		}
		parsed = append(parsed, parseRow(i+1, rows[i], columns))
	}
	return parsed, true
}

// findHeader locates the header row by its column names and maps column
// positions, so the sheet layout does not have to be fixed.
func findHeader(rows [][]string) (int, map[string]int) {
	for i, row := range rows {
		rowText := strings.ToLower(strings.Join(row, " "))
		if !strings.Contains(rowText, "code") {
			continue
		}
		if !strings.Contains(rowText, "type") && !strings.Contains(rowText, "modality") &&
			!strings.Contains(rowText, "device") && !strings.Contains(rowText, "validity") {
			continue
		}

		columns := make(map[string]int)
		for j, header := range row {
			h := strings.ToLower(strings.TrimSpace(header))
			switch {
			// "License Type" must map to modality, not code, so the
			// type match runs first.
			case strings.Contains(h, "type") || strings.Contains(h, "modality"):
				columns["modality"] = j
			case strings.Contains(h, "code"):
				columns["code"] = j
			case strings.Contains(h, "device") || strings.Contains(h, "seat") || strings.Contains(h, "capacity"):
				columns["max_devices"] = j
			case strings.Contains(h, "validity") || strings.Contains(h, "days"):
				columns["validity"] = j
			}
		}

		if _, ok := columns["code"]; ok {
			return i, columns
		}
	}
	return -1, nil
}

func parseRow(line int, row []string, columns map[string]int) Row {
	out := Row{Line: line}

	out.Params.Code = cell(row, columns, "code")
	if out.Params.Code == "" {
		out.Err = errors.New("missing code")
		return out
	}

	maxDevices, err := cellInt(row, columns, "max_devices")
	if err != nil {
		out.Err = fmt.Errorf("bad max devices: %w", err)
		return out
	}
	validity, err := cellInt(row, columns, "validity")
	if err != nil {
		out.Err = fmt.Errorf("bad validity days: %w", err)
		return out
	}
	out.Params.MaxDevices = maxDevices
	out.Params.ValidityDays = validity

	switch modality := strings.ToLower(cell(row, columns, "modality")); modality {
	case "capacity":
		out.Params.Modality = license.ModalityCapacity
	case "exclusive":
		out.Params.Modality = license.ModalityExclusive
	case "":
		// No type column: infer from which parameter the row carries
		switch {
		case validity > 0 && maxDevices == 0:
			out.Params.Modality = license.ModalityExclusive
		case maxDevices > 0:
			out.Params.Modality = license.ModalityCapacity
		default:
			out.Err = errors.New("missing type")
		}
	default:
		out.Err = fmt.Errorf("unknown type %q", modality)
	}

	return out
}

func cell(row []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func cellInt(row []string, columns map[string]int, name string) (int, error) {
	raw := strings.ReplaceAll(cell(row, columns, name), ",", "")
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func isEmptyRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
