// Package linkstore persists crawled report links as a CSV checkpoint.
package linkstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// Header is written as the first row of a new checkpoint.
var Header = []string{"trade_date", "download_link"}

// legacyHeader is accepted when reading checkpoints written by older tooling.
var legacyHeader = []string{"Дата торгов", "Ссылка на скачивание"}

// Store appends and reads link rows in a single CSV file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store backed by path. The file is created lazily.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint location.
func (s *Store) Path() string {
	return s.path
}

// Append writes complete links after any existing rows. A (date, url) pair already in the
// checkpoint is dropped so existing rows keep their position. The header is written when the
// file is empty.
func (s *Store) Append(ctx context.Context, links []trading.Link) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, err := s.known()
	if err != nil {
		return err
	}
	fresh := links[:0:0]
	for _, link := range links {
		key := linkKey(link)
		if _, dup := seen[key]; dup || !link.Complete() {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, link)
	}
	links = fresh
	if len(links) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat checkpoint: %w", err)
	}

	w := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("write checkpoint header: %w", err)
		}
	}
	for _, link := range links {
		if err := w.Write([]string{link.TradeDate, link.URL}); err != nil {
			return fmt.Errorf("write checkpoint row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return file.Sync()
}

// known returns the keys of rows already checkpointed. Callers hold s.mu.
func (s *Store) known() (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keys, nil
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = file.Close() }()

	existing, err := Decode(file)
	if err != nil {
		return nil, err
	}
	for _, link := range existing {
		keys[linkKey(link)] = struct{}{}
	}
	return keys, nil
}

func linkKey(link trading.Link) string {
	return strings.TrimSpace(link.TradeDate) + "\x00" + strings.TrimSpace(link.URL)
}

// ReadAll returns every row in file order; a missing checkpoint reads as empty.
// Rows with missing cells come back with empty fields.
func (s *Store) ReadAll(ctx context.Context) ([]trading.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = file.Close() }()
	return Decode(file)
}

// Reset removes the checkpoint so the next crawl starts fresh.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

// Decode reads checkpoint rows from r, skipping a recognized header.
func Decode(r io.Reader) ([]trading.Link, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var links []trading.Link
	for line := 0; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		if line == 0 && isHeader(record) {
			continue
		}
		var link trading.Link
		if len(record) > 0 {
			link.TradeDate = strings.TrimSpace(record[0])
		}
		if len(record) > 1 {
			link.URL = strings.TrimSpace(record[1])
		}
		links = append(links, link)
	}
	return links, nil
}

func isHeader(record []string) bool {
	if len(record) < 2 {
		return false
	}
	first := strings.TrimPrefix(strings.TrimSpace(record[0]), "\ufeff")
	second := strings.TrimSpace(record[1])
	for _, h := range [][]string{Header, legacyHeader} {
		if first == h[0] && second == h[1] {
			return true
		}
	}
	return false
}
