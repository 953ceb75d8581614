package convert

import (
	"fmt"
	"strings"

	"output-mapping/internal/logging"

	"github.com/xuri/excelize/v2"
)

// XLSXReader reads the active sheet of an Excel workbook. The first row is the header.
type XLSXReader struct{}

// Read loads the active sheet, falling back to the first sheet.
func (xr *XLSXReader) Read(filePath string) (*Table, error) {
	logging.Logf(logging.Debug, "XLSXReader reading file: %s", filePath)

	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("XLSXReader failed to open file '%s': %w", filePath, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.Logf(logging.Error, "XLSXReader failed to close file '%s': %v", filePath, err)
		}
	}()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("XLSXReader: file '%s' contains no sheets", filePath)
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("XLSXReader failed to get rows from sheet '%s' in '%s': %w", sheet, filePath, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("XLSXReader: sheet '%s' in '%s' has no header row", sheet, filePath)
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
		if header[i] == "" {
			name, _ := excelize.ColumnNumberToName(i + 1)
			header[i] = name
			logging.Logf(logging.Warning, "XLSXReader: Empty header in column %d of sheet '%s', naming it '%s'", i+1, sheet, name)
		}
	}

	t := &Table{Header: header, Rows: make([][]string, 0, len(rows)-1)}
	for _, row := range rows[1:] {
		t.Rows = append(t.Rows, pad(row, len(header)))
	}
	logging.Logf(logging.Debug, "XLSXReader loaded %d rows from sheet '%s' in %s", len(t.Rows), sheet, filePath)
	return t, nil
}
