package convert

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"output-mapping/internal/logging"

	"github.com/parquet-go/parquet-go"
)

// ParquetReader flattens a Parquet file: one CSV column per leaf column,
// named by its dotted path. Repeated values are joined with ';'.
type ParquetReader struct{}

// Read loads every row group of the file.
func (pr *ParquetReader) Read(filePath string) (*Table, error) {
	logging.Logf(logging.Debug, "ParquetReader reading file: %s", filePath)

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("ParquetReader failed to open file '%s': %w", filePath, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ParquetReader failed to stat '%s': %w", filePath, err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("ParquetReader failed to parse '%s': %w", filePath, err)
	}

	paths := pf.Schema().Columns()
	header := make([]string, len(paths))
	for i, p := range paths {
		header[i] = strings.Join(p, ".")
	}

	t := &Table{Header: header}
	for _, rg := range pf.RowGroups() {
		if err := readRowGroup(rg, len(header), t); err != nil {
			return nil, fmt.Errorf("ParquetReader failed to read '%s': %w", filePath, err)
		}
	}
	return t, nil
}

func readRowGroup(rg parquet.RowGroup, width int, t *Table) error {
	rows := rg.Rows()
	defer rows.Close()

	buf := make([]parquet.Row, 64)
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			t.Rows = append(t.Rows, formatRow(row, width))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func formatRow(row parquet.Row, width int) []string {
	cells := make([]string, width)
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= width || v.IsNull() {
			continue
		}
		s := formatValue(v)
		if cells[col] != "" {
			cells[col] += ";" + s
		} else {
			cells[col] = s
		}
	}
	return cells
}

func formatValue(v parquet.Value) string {
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
