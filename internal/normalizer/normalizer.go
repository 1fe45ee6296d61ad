// Package normalizer turns exchange bulletin spreadsheets into trading rows.
package normalizer

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// Marker is the cell text that precedes the metric-ton results table.
const Marker = "Единица измерения: Метрическая тонна"

// ErrMarkerNotFound is returned when a sheet has no metric-ton table.
var ErrMarkerNotFound = errors.New("metric ton table marker not found")

// ErrBadFileName is returned when the trade date cannot be read from a file name.
var ErrBadFileName = errors.New("file name does not start with a dd.mm.yyyy trade date")

// MissingColumnsError lists required headers absent from the table.
type MissingColumnsError struct {
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return "missing columns: " + strings.Join(e.Missing, ", ")
}

type column int

const (
	colProductID column = iota
	colProductName
	colBasisName
	colVolume
	colTotal
	colCount
	numColumns
)

var columnNames = [numColumns]string{
	colProductID:   "Код Инструмента",
	colProductName: "Наименование Инструмента",
	colBasisName:   "Базис поставки",
	colVolume:      "Объем Договоров в единицах измерения",
	colTotal:       "Обьем Договоров, руб.",
	colCount:       "Количество Договоров, шт.",
}

// headerColumns maps normalized header text to a column, including spelling variants.
var headerColumns = map[string]column{
	columnNames[colProductID]:   colProductID,
	columnNames[colProductName]: colProductName,
	columnNames[colBasisName]:   colBasisName,
	columnNames[colVolume]:      colVolume,
	columnNames[colTotal]:       colTotal,
	"Объем Договоров, руб.":     colTotal,
	columnNames[colCount]:       colCount,
}

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	commaRun    = regexp.MustCompile(`,+`)
	fileNameRe  = regexp.MustCompile(`^(\d{2}\.\d{2}\.\d{4})_\d+\.[A-Za-z]+$`)
	numberStrip = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "\t", "")
)

// NormalizeHeader collapses whitespace and repeated commas.
func NormalizeHeader(raw string) string {
	s := spaceRun.ReplaceAllString(raw, " ")
	s = commaRun.ReplaceAllString(s, ",")
	return strings.TrimSpace(s)
}

// TradeDateFromFileName reads the date prefix of <dd.mm.yyyy>_<n>.<ext>.
func TradeDateFromFileName(path string) (time.Time, error) {
	m := fileNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return time.Time{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrBadFileName)
	}
	date, err := trading.ParseDate(m[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrBadFileName)
	}
	return date, nil
}

// RowStats counts data rows by outcome.
type RowStats struct {
	Kept       int
	NoTrades   int
	BadNumber  int
	BadProduct int
}

// Normalizer reads spreadsheet files into results.
type Normalizer struct {
	read   GridReader
	logger *zap.Logger
}

// New builds a Normalizer reading files with ReadGrid.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{read: ReadGrid, logger: logger}
}

// Normalize parses one downloaded report.
func (n *Normalizer) Normalize(path string) ([]trading.Result, error) {
	date, err := TradeDateFromFileName(path)
	if err != nil {
		return nil, err
	}
	grid, err := n.read(path)
	if err != nil {
		return nil, err
	}
	rows, stats, err := NormalizeGrid(grid, date, n.logger.With(zap.String("file", filepath.Base(path))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	metrics.ObserveRows("normalize", "kept", stats.Kept)
	metrics.ObserveRows("normalize", "no_trades", stats.NoTrades)
	metrics.ObserveRows("normalize", "bad_number", stats.BadNumber)
	metrics.ObserveRows("normalize", "bad_product", stats.BadProduct)
	return rows, nil
}

// NormalizeGrid extracts the metric-ton table from grid and stamps every row with date.
func NormalizeGrid(grid [][]string, date time.Time, logger *zap.Logger) ([]trading.Result, RowStats, error) {
	var stats RowStats
	grid = compact(grid)

	markerRow := -1
	for i, row := range grid {
		for _, cell := range row {
			if NormalizeHeader(cell) == Marker {
				markerRow = i
				break
			}
		}
		if markerRow >= 0 {
			break
		}
	}
	if markerRow < 0 || markerRow+1 >= len(grid) {
		return nil, stats, ErrMarkerNotFound
	}

	index, err := mapHeader(grid[markerRow+1])
	if err != nil {
		return nil, stats, err
	}

	var results []trading.Result
	for i, row := range grid[markerRow+2:] {
		cell := func(c column) string {
			if idx := index[c]; idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}
		line := markerRow + 3 + i

		count, ok := parseNumber(cell(colCount))
		if !ok || count <= 0 {
			stats.NoTrades++
			continue
		}
		volume, okVolume := parseNumber(cell(colVolume))
		total, okTotal := parseNumber(cell(colTotal))
		if !okVolume || !okTotal {
			stats.BadNumber++
			logger.Warn("skipping row with non-numeric volume or total", zap.Int("row", line),
				zap.String("volume", cell(colVolume)), zap.String("total", cell(colTotal)))
			continue
		}

		productID := cell(colProductID)
		code, err := trading.SplitProductCode(productID)
		if err != nil {
			stats.BadProduct++
			logger.Debug("skipping row without a product code", zap.Int("row", line), zap.String("value", productID))
			continue
		}

		result := trading.Result{
			ExchangeProductID:   productID,
			ExchangeProductName: cell(colProductName),
			OilID:               code.OilID,
			DeliveryBasisID:     code.DeliveryBasisID,
			DeliveryBasisName:   cell(colBasisName),
			DeliveryTypeID:      code.DeliveryTypeID,
			Volume:              int64(volume),
			Total:               int64(total),
			Count:               int64(count),
			Date:                date,
		}
		if err := result.Validate(); err != nil {
			stats.BadProduct++
			logger.Warn("skipping invalid row", zap.Int("row", line), zap.Error(err))
			continue
		}
		results = append(results, result)
		stats.Kept++
	}
	return results, stats, nil
}

func mapHeader(header []string) ([numColumns]int, error) {
	var index [numColumns]int
	found := [numColumns]bool{}
	for i, raw := range header {
		col, ok := headerColumns[NormalizeHeader(raw)]
		if !ok || found[col] {
			continue
		}
		index[col] = i
		found[col] = true
	}
	var missing []string
	for c := column(0); c < numColumns; c++ {
		if !found[c] {
			missing = append(missing, columnNames[c])
		}
	}
	if len(missing) > 0 {
		return index, &MissingColumnsError{Missing: missing}
	}
	return index, nil
}

// parseNumber accepts grouped digits and comma decimals. Empty and "-" read as zero.
func parseNumber(raw string) (float64, bool) {
	s := numberStrip.Replace(strings.TrimSpace(raw))
	if s == "" || s == "-" {
		return 0, true
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
