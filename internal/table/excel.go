package table

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/flowfile/flowfile/internal/schema"
)

// ExcelOptions controls the Excel reader.
type ExcelOptions struct {
	// Sheet selects the worksheet by name; empty means the first sheet.
	Sheet     string
	SkipLines int
	HasHeader bool
	MaxRows   int
}

// ReadExcel loads a worksheet, inferring column types the same way the CSV
// reader does.
func ReadExcel(path string, opts ExcelOptions) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("read excel %s: %w", path, err)
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		if sheet = f.GetSheetName(0); sheet == "" {
			return nil, fmt.Errorf("read excel %s: workbook has no sheets", path)
		}
	}
	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read excel %s: sheet %q: %w", path, sheet, err)
	}
	if opts.SkipLines > 0 {
		if opts.SkipLines >= len(all) {
			return Empty(nil), nil
		}
		all = all[opts.SkipLines:]
	}
	if len(all) == 0 {
		return Empty(nil), nil
	}

	var header []string
	if opts.HasHeader {
		header = all[0]
		all = all[1:]
	}
	if opts.MaxRows > 0 && len(all) > opts.MaxRows {
		all = all[:opts.MaxRows]
	}

	width := len(header)
	for _, rec := range all {
		if len(rec) > width {
			width = len(rec)
		}
	}
	cols := make(schema.Schema, width)
	for ci := 0; ci < width; ci++ {
		var sample []string
		for ri := 0; ri < len(all) && ri < inferSampleRows; ri++ {
			if ci < len(all[ri]) {
				sample = append(sample, all[ri][ci])
			}
		}
		name := fmt.Sprintf("column_%d", ci+1)
		if ci < len(header) && header[ci] != "" {
			name = header[ci]
		}
		cols[ci] = schema.Column{Name: name, Type: InferType(sample)}
	}

	rows := make([][]any, len(all))
	for ri, rec := range all {
		nr := make([]any, width)
		for ci := 0; ci < width; ci++ {
			if ci >= len(rec) {
				continue
			}
			v, err := ParseTyped(rec[ci], cols[ci].Type)
			if err != nil {
				cols[ci].Type = schema.String
				v = rec[ci]
			}
			nr[ci] = v
		}
		rows[ri] = nr
	}
	return &Table{cols: cols, rows: rows}, nil
}

// WriteExcel writes the table to a single worksheet, header row included.
func WriteExcel(t *Table, path, sheet string) error {
	if sheet == "" {
		sheet = "Sheet1"
	}
	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return err
		}
	}

	header := make([]any, len(t.cols))
	for i, c := range t.cols {
		header[i] = c.Name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for ri, r := range t.rows {
		cell, err := excelize.CoordinatesToCellName(1, ri+2)
		if err != nil {
			return err
		}
		rec := make([]any, len(r))
		for i, v := range r {
			rec[i] = excelValue(v)
		}
		if err := f.SetSheetRow(sheet, cell, &rec); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

func excelValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format(time.RFC3339)
	case []any, map[string]any:
		return toString(x)
	default:
		return v
	}
}

// ParseCellAddr splits an A1-style address into column and row for settings
// validation ("B3" -> 2, 3).
func ParseCellAddr(addr string) (int, int, error) {
	col, row, err := excelize.CellNameToCoordinates(addr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cell address %q: %w", addr, err)
	}
	return col, row, nil
}
