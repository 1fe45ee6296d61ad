package normalizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither .xls nor .xlsx.
var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// GridReader loads the first sheet of a workbook as rows of cell text.
type GridReader func(path string) ([][]string, error)

// ReadGrid picks a reader by file extension.
func ReadGrid(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xls":
		return readXLS(path)
	case ".xlsx":
		return readXLSX(path)
	default:
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedFormat)
	}
}

// Supported reports whether ReadGrid can open path.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xls", ".xlsx":
		return true
	}
	return false
}

func readXLS(path string) ([][]string, error) {
	// #nosec G304 -- path comes from the download tree walk.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	defer func() { _ = file.Close() }()

	book, err := xls.OpenReader(file, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("read xls workbook: %w", err)
	}
	sheet := book.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("xls workbook %s has no sheets", filepath.Base(path))
	}

	grid := make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			grid = append(grid, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol()+1)
		for c := 0; c <= row.LastCol(); c++ {
			cells = append(cells, row.Col(c))
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

func readXLSX(path string) ([][]string, error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("xlsx workbook %s has no sheets", filepath.Base(path))
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	return rows, nil
}

// compact drops rows and columns whose cells are all blank and pads rows to equal width.
func compact(grid [][]string) [][]string {
	width := 0
	for _, row := range grid {
		width = max(width, len(row))
	}
	keepCol := make([]bool, width)
	var rows [][]string
	for _, row := range grid {
		blank := true
		for c, cell := range row {
			if strings.TrimSpace(cell) != "" {
				blank = false
				keepCol[c] = true
			}
		}
		if !blank {
			rows = append(rows, row)
		}
	}

	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, 0, width)
		for c := 0; c < width; c++ {
			if !keepCol[c] {
				continue
			}
			if c < len(row) {
				cells = append(cells, row[c])
			} else {
				cells = append(cells, "")
			}
		}
		out = append(out, cells)
	}
	return out
}
