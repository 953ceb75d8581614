// Package convert turns spreadsheet and columnar data items into CSV files
// the storage service can load.
package convert

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"output-mapping/internal/logging"
)

// Supported source formats.
const (
	FormatXLSX    = ".xlsx"
	FormatParquet = ".parquet"
)

// ErrUnsupportedFormat is returned by NewReader for formats that need no or no known conversion.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Table is a fully read tabular file. Every row has len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Reader reads a tabular file.
type Reader interface {
	Read(path string) (*Table, error)
}

// NeedsConversion reports whether name has a format that must be converted before upload.
func NeedsConversion(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case FormatXLSX, FormatParquet:
		return true
	}
	return false
}

// NewReader returns the reader for path's extension.
func NewReader(path string) (Reader, error) {
	ext := strings.ToLower(filepath.Ext(path))
	logging.Logf(logging.Debug, "Creating reader for format: %s", ext)

	switch ext {
	case FormatXLSX:
		return &XLSXReader{}, nil
	case FormatParquet:
		return &ParquetReader{}, nil
	default:
		return nil, fmt.Errorf("%w '%s'", ErrUnsupportedFormat, ext)
	}
}

// ToCSV converts src into a CSV file at dst written with delimiter.
func ToCSV(src, dst, delimiter string) error {
	reader, err := NewReader(src)
	if err != nil {
		return err
	}
	t, err := reader.Read(src)
	if err != nil {
		return err
	}
	writer, err := NewCSVWriter(delimiter)
	if err != nil {
		return err
	}
	if err := writer.Write(t, dst); err != nil {
		return err
	}
	logging.Logf(logging.Info, "Converted '%s' to CSV (%d columns, %d rows)", filepath.Base(src), len(t.Header), len(t.Rows))
	return nil
}

// pad extends or trims row to n cells.
func pad(row []string, n int) []string {
	if len(row) >= n {
		return row[:n]
	}
	out := make([]string, n)
	copy(out, row)
	return out
}
