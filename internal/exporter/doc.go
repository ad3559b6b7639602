// Package exporter renders license code listings as downloadable
// documents.
//
// Two encodings are supported:
//
// CSV: UTF-8 with a BOM prefix so Excel recognizes the encoding when the
// file is opened directly.
//
// XLSX: a single-sheet workbook built with excelize.
//
// Both writers stream to an io.Writer, so they can feed an HTTP response
// or a local file without buffering the whole document.
package exporter
