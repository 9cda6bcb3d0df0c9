// Package ingest turns the clinic's encounters workbook into warehouse tables
// and writes them to the target database.
package ingest

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// SourceColumns is the width of the extracted range, spreadsheet columns A..V.
const SourceColumns = 22

// Sheet is the raw first-sheet content of a workbook. Cells hold raw values:
// dates and times are Excel serial numbers, booleans are "1"/"0".
type Sheet struct {
	Name   string
	Header []string
	// Rows excludes the header. Every row has exactly SourceColumns cells.
	Rows [][]string
}

// ReadWorkbook reads columns A..V of the first sheet of the workbook at path,
// using row 1 as the header.
func ReadWorkbook(path string) (*Sheet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrParse, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrParse)
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrParse, sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: sheet %q is empty", ErrParse, sheets[0])
	}
	sheet := &Sheet{Name: sheets[0], Header: fixedWidth(rows[0])}
	for _, row := range rows[1:] {
		sheet.Rows = append(sheet.Rows, fixedWidth(row))
	}
	return sheet, nil
}

// fixedWidth pads short rows (excelize trims trailing empty cells) and drops
// anything right of column V.
func fixedWidth(row []string) []string {
	out := make([]string, SourceColumns)
	copy(out, row)
	return out
}
