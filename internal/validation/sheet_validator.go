// Package validation pre-flights operator-supplied import sheets so
// that obvious mistakes (wrong file type, oversized upload, Office lock
// file) are reported as such instead of surfacing as parse failures.
package validation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MaxSheetBytes bounds the size of an import sheet. Uploads and local
// files above the cap are rejected before any parsing happens.
const MaxSheetBytes = 10 << 20

// sheetExtensions lists the file types the importer can parse.
var sheetExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
}

// SheetValidator checks import sheets before they reach the parser.
// The admin upload endpoint validates the multipart header, the bulk
// import command validates the local path.
type SheetValidator struct {
	logger  *slog.Logger
	maxSize int64
}

// NewSheetValidator creates a validator with the default size cap.
func NewSheetValidator(logger *slog.Logger) *SheetValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SheetValidator{
		logger:  logger,
		maxSize: MaxSheetBytes,
	}
}

// ValidateUpload checks an uploaded sheet by filename and declared
// size, without touching the content.
func (v *SheetValidator) ValidateUpload(filename string, size int64) error {
	base := filepath.Base(filename)

	if strings.HasPrefix(base, "~$") {
		return fmt.Errorf("%s is an Office lock file, not a sheet", base)
	}

	ext := strings.ToLower(filepath.Ext(base))
	if !sheetExtensions[ext] {
		return fmt.Errorf("unsupported import file type: %q", ext)
	}

	if size > v.maxSize {
		return fmt.Errorf("sheet is %d bytes, limit is %d", size, v.maxSize)
	}

	return nil
}

// ValidatePath checks a local sheet file: it must exist, be a regular
// readable file with a supported extension, and fit the size cap.
func (v *SheetValidator) ValidatePath(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("sheet %s does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a sheet", path)
	}

	if err := v.ValidateUpload(info.Name(), info.Size()); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sheet %s is not readable: %w", path, err)
	}
	f.Close()

	v.logger.Debug("import sheet validated",
		slog.String("file", path),
		slog.Int64("size_bytes", info.Size()))

	return nil
}
