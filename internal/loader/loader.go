// Package loader inserts normalized trading results into Postgres in batches.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/resultsfile"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// DefaultBatchSize is used when Config.BatchSize is not positive.
const DefaultBatchSize = 100

// Store persists batches.
type Store interface {
	EnsureSchema(ctx context.Context) error
	InsertBatch(ctx context.Context, rows []trading.Result) (int64, error)
}

// Source yields rows until io.EOF. A *resultsfile.RowError skips one row.
type Source interface {
	Next() (trading.Result, error)
}

// SliceSource serves rows already in memory.
type SliceSource struct {
	rows []trading.Result
	pos  int
}

// NewSliceSource wraps rows.
func NewSliceSource(rows []trading.Result) *SliceSource {
	return &SliceSource{rows: rows}
}

// Next returns the next row or io.EOF.
func (s *SliceSource) Next() (trading.Result, error) {
	if s.pos >= len(s.rows) {
		return trading.Result{}, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

// Config controls batching and notifications.
type Config struct {
	BatchSize int
	Topic     string
}

// Stats summarizes a load run.
type Stats struct {
	Inserted int
	Skipped  int
	Batches  int
}

// Loader moves rows from a Source into a Store.
type Loader struct {
	store     Store
	cfg       Config
	clock     trading.Clock
	publisher trading.Publisher
	runID     string
	logger    *zap.Logger
}

// Option customizes a Loader.
type Option func(*Loader)

// WithClock overrides the timestamp source for created_on/updated_on.
func WithClock(clock trading.Clock) Option {
	return func(l *Loader) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithPublisher sends a LoadCompleted event after each successful run.
func WithPublisher(p trading.Publisher) Option {
	return func(l *Loader) {
		l.publisher = p
	}
}

// WithRunID tags events with the invocation's run id.
func WithRunID(id string) Option {
	return func(l *Loader) {
		l.runID = id
	}
}

// New builds a Loader.
func New(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{store: store, cfg: cfg, clock: trading.SystemClock, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureTable creates the results table if needed.
func (l *Loader) EnsureTable(ctx context.Context) error {
	return l.store.EnsureSchema(ctx)
}

// Load drains src. Each batch commits on its own; a failed batch stops the run and
// leaves earlier batches in place.
func (l *Loader) Load(ctx context.Context, src Source) (Stats, error) {
	ctx, span := otel.Tracer("spimex/loader").Start(ctx, "loader.load")
	defer span.End()

	var stats Stats
	now := l.clock.Now()
	batch := make([]trading.Result, 0, l.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := l.store.InsertBatch(ctx, batch)
		if err != nil {
			metrics.ObserveRows("load", "failed", len(batch))
			return fmt.Errorf("batch %d: %w", stats.Batches+1, err)
		}
		stats.Batches++
		stats.Inserted += int(n)
		metrics.ObserveRows("load", "inserted", int(n))
		l.logger.Debug("batch committed", zap.Int("batch", stats.Batches), zap.Int64("rows", n))
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *resultsfile.RowError
		if errors.As(err, &rowErr) {
			l.skip(&stats, rowErr.Line, rowErr.Err)
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("read source: %w", err)
		}
		if err := row.Validate(); err != nil {
			l.skip(&stats, stats.Inserted+len(batch)+stats.Skipped+1, err)
			continue
		}
		row.CreatedOn, row.UpdatedOn = now, now
		batch = append(batch, row)
		if len(batch) >= l.cfg.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	span.SetAttributes(attribute.Int("inserted", stats.Inserted), attribute.Int("batches", stats.Batches))
	l.logger.Info("load finished",
		zap.Int("inserted", stats.Inserted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("batches", stats.Batches),
	)
	l.notify(ctx, stats)
	return stats, nil
}

func (l *Loader) skip(stats *Stats, line int, reason error) {
	stats.Skipped++
	metrics.ObserveRows("load", "skipped", 1)
	l.logger.Warn("skipping row", zap.Int("row", line), zap.Error(reason))
}

func (l *Loader) notify(ctx context.Context, stats Stats) {
	if l.publisher == nil {
		return
	}
	event := trading.LoadCompleted{
		RunID:       l.runID,
		Inserted:    stats.Inserted,
		Skipped:     stats.Skipped,
		Batches:     stats.Batches,
		CompletedAt: l.clock.Now().UTC().Truncate(time.Second),
	}
	id, err := l.publisher.Publish(ctx, l.cfg.Topic, event)
	if err != nil {
		l.logger.Warn("publish load notification failed", zap.Error(err))
		return
	}
	l.logger.Debug("load notification published", zap.String("message_id", id))
}
