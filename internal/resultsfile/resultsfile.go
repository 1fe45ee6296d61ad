// Package resultsfile reads and writes the normalized results CSV checkpoint.
package resultsfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// Columns is the header row of the checkpoint.
var Columns = []string{
	"exchange_product_id",
	"exchange_product_name",
	"oil_id",
	"delivery_basis_id",
	"delivery_basis_name",
	"delivery_type_id",
	"volume",
	"total",
	"count",
	"date",
}

// RowError marks a record that could not be decoded. Readers keep going after one.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Writer appends rows to a checkpoint file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// Create opens path for appending and writes the header if the file is empty.
// With truncate set, existing rows are discarded first.
func Create(path string, truncate bool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	// #nosec G304 -- path comes from configuration.
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat results file: %w", err)
	}
	w := &Writer{file: file, csv: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := w.csv.Write(Columns); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("write results header: %w", err)
		}
	}
	return w, nil
}

// Write appends rows and flushes them.
func (w *Writer) Write(rows []trading.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range rows {
		if err := w.csv.Write(Encode(r)); err != nil {
			return fmt.Errorf("write results row: %w", err)
		}
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("flush results: %w", err)
	}
	return w.file.Close()
}

// Encode renders a result in column order.
func Encode(r trading.Result) []string {
	return []string{
		r.ExchangeProductID,
		r.ExchangeProductName,
		r.OilID,
		r.DeliveryBasisID,
		r.DeliveryBasisName,
		r.DeliveryTypeID,
		strconv.FormatInt(r.Volume, 10),
		strconv.FormatInt(r.Total, 10),
		strconv.FormatInt(r.Count, 10),
		r.Date.Format(trading.DateLayout),
	}
}

// Reader decodes a checkpoint one row at a time.
type Reader struct {
	csv    *csv.Reader
	closer io.Closer
	index  map[string]int
	line   int
}

// Open reads the checkpoint at path.
func Open(path string) (*Reader, error) {
	// #nosec G304 -- path comes from configuration.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	r, err := NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader reads the header from src. Columns may appear in any order; extra columns are ignored.
func NewReader(src io.Reader) (*Reader, error) {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Reader{csv: reader, index: map[string]int{}, line: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read results header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")] = i
	}
	var missing []string
	for _, col := range Columns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("results header missing %s", strings.Join(missing, ", "))
	}
	return &Reader{csv: reader, index: index, line: 1}, nil
}

// Next returns the next row, io.EOF at the end, or a *RowError for an undecodable record.
func (r *Reader) Next() (trading.Result, error) {
	record, err := r.csv.Read()
	r.line++
	if err != nil {
		if errors.Is(err, io.EOF) {
			return trading.Result{}, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return trading.Result{}, &RowError{Line: r.line, Err: err}
		}
		return trading.Result{}, fmt.Errorf("read results: %w", err)
	}
	result, err := r.decode(record)
	if err != nil {
		return trading.Result{}, &RowError{Line: r.line, Err: err}
	}
	return result, nil
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Reader) decode(record []string) (trading.Result, error) {
	get := func(col string) string {
		if i := r.index[col]; i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	var (
		result trading.Result
		err    error
	)
	result.ExchangeProductID = get("exchange_product_id")
	result.ExchangeProductName = get("exchange_product_name")
	result.OilID = get("oil_id")
	result.DeliveryBasisID = get("delivery_basis_id")
	result.DeliveryBasisName = get("delivery_basis_name")
	result.DeliveryTypeID = get("delivery_type_id")
	if result.Volume, err = parseInt("volume", get("volume")); err != nil {
		return result, err
	}
	if result.Total, err = parseInt("total", get("total")); err != nil {
		return result, err
	}
	if result.Count, err = parseInt("count", get("count")); err != nil {
		return result, err
	}
	if result.Date, err = trading.ParseDate(get("date")); err != nil {
		return result, err
	}
	if err := result.Validate(); err != nil {
		return result, err
	}
	return result, nil
}

func parseInt(name, raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an integer", name, raw)
	}
	return v, nil
}
