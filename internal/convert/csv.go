package convert

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"output-mapping/internal/logging"
)

// CSVWriter writes a Table as CSV with a header row.
type CSVWriter struct {
	Delimiter rune
}

// NewCSVWriter creates a CSVWriter. An empty delimiter means ','.
func NewCSVWriter(delimiter string) (*CSVWriter, error) {
	var delim rune = ','
	if delimiter != "" {
		if utf8.RuneCountInString(delimiter) != 1 {
			return nil, fmt.Errorf("invalid delimiter '%s': must be a single character", delimiter)
		}
		delim = []rune(delimiter)[0]
	}
	return &CSVWriter{Delimiter: delim}, nil
}

// Write creates filePath, replacing an existing file.
func (cw *CSVWriter) Write(t *Table, filePath string) (err error) {
	logging.Logf(logging.Debug, "CSVWriter writing %d rows to file: %s (Delimiter: '%c')", len(t.Rows), filePath, cw.Delimiter)

	if dir := filepath.Dir(filePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("CSVWriter failed to create directory for '%s': %w", filePath, err)
		}
	}
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("CSVWriter failed to create file '%s': %w", filePath, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("CSVWriter file close error for '%s': %w", filePath, closeErr)
		}
	}()

	w := csv.NewWriter(f)
	w.Comma = cw.Delimiter
	if err := w.Write(t.Header); err != nil {
		return fmt.Errorf("CSVWriter failed to write header to '%s': %w", filePath, err)
	}
	for i, row := range t.Rows {
		if err := w.Write(pad(row, len(t.Header))); err != nil {
			return fmt.Errorf("CSVWriter failed to write data row %d to '%s': %w", i+1, filePath, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("CSVWriter flush error for '%s': %w", filePath, err)
	}
	return nil
}
