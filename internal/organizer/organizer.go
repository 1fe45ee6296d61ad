// Package organizer downloads checkpointed reports into a <year>/<date>_<n>.<ext> tree.
package organizer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spimex-pipeline/internal/fetcher"
	"github.com/JakeFAU/spimex-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

const (
	defaultExt     = "xls"
	maxConcurrency = 10
)

// Store is the primary destination for downloaded reports.
type Store interface {
	trading.BlobStore
	Exists(ctx context.Context, path string) (bool, error)
}

// Config controls a download run.
type Config struct {
	MinYear     int
	Concurrency int
	// Force re-downloads files that already exist.
	Force bool
}

// Stats counts row outcomes.
type Stats struct {
	Downloaded int64
	Existing   int64
	Skipped    int64
	Failed     int64
}

// Organizer fetches each link and files it by trade year.
type Organizer struct {
	fetch   fetcher.Fetcher
	store   Store
	archive trading.BlobStore
	cfg     Config
	logger  *zap.Logger
}

// Option customizes an Organizer.
type Option func(*Organizer)

// WithArchive mirrors every stored report to a second store.
func WithArchive(archive trading.BlobStore) Option {
	return func(o *Organizer) {
		o.archive = archive
	}
}

// New wires an Organizer. Concurrency is clamped to 1..10.
func New(fetch fetcher.Fetcher, store Store, cfg Config, logger *zap.Logger, opts ...Option) *Organizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Concurrency = min(max(cfg.Concurrency, 1), maxConcurrency)
	o := &Organizer{fetch: fetch, store: store, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ObjectPath builds <year>/<dd.mm.yyyy>_<ordinal>.<ext> for a valid link.
func ObjectPath(link trading.Link, ordinal int) (string, error) {
	date, err := trading.ParseDate(link.TradeDate)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d.%s", date.Format(trading.DateLayout), ordinal, extension(link.URL))
	return path.Join(fmt.Sprintf("%d", date.Year()), name), nil
}

func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultExt
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return defaultExt
	}
	return ext
}

// Run downloads links; each link's ordinal is its index in the slice. Row failures are
// logged and counted. Only cancellation returns an error.
func (o *Organizer) Run(ctx context.Context, links []trading.Link) (Stats, error) {
	var (
		downloaded, existing, skipped, failed atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for i, link := range links {
		if gctx.Err() != nil {
			break
		}
		if status := link.Classify(o.cfg.MinYear); status != trading.LinkValid {
			skipped.Add(1)
			metrics.ObserveDownload("skipped_" + status.String())
			o.logger.Warn("skipping link", zap.Int("row", i), zap.String("reason", status.String()),
				zap.String("trade_date", link.TradeDate), zap.String("url", link.URL))
			continue
		}
		objectPath, err := ObjectPath(link, i)
		if err != nil {
			skipped.Add(1)
			continue
		}

		g.Go(func() error {
			outcome, err := o.download(gctx, link, objectPath)
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				failed.Add(1)
				metrics.ObserveDownload("failed")
				o.logger.Error("download failed", zap.Int("row", i), zap.String("url", link.URL), zap.Error(err))
			case outcome == outcomeExisting:
				existing.Add(1)
				metrics.ObserveDownload("existing")
			default:
				downloaded.Add(1)
				metrics.ObserveDownload("success")
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	stats := Stats{
		Downloaded: downloaded.Load(),
		Existing:   existing.Load(),
		Skipped:    skipped.Load(),
		Failed:     failed.Load(),
	}
	o.logger.Info("download run finished",
		zap.Int64("downloaded", stats.Downloaded),
		zap.Int64("existing", stats.Existing),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("failed", stats.Failed),
	)
	if err != nil {
		return stats, fmt.Errorf("download run canceled: %w", err)
	}
	return stats, nil
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeExisting
)

func (o *Organizer) download(ctx context.Context, link trading.Link, objectPath string) (outcome, error) {
	if !o.cfg.Force {
		ok, err := o.store.Exists(ctx, objectPath)
		if err != nil {
			return outcomeStored, err
		}
		if ok {
			o.logger.Debug("report already present", zap.String("path", objectPath))
			return outcomeExisting, nil
		}
	}

	resp, err := o.fetch.Fetch(ctx, fetcher.Request{URL: link.URL})
	if err != nil {
		return outcomeStored, fmt.Errorf("fetch: %w", err)
	}
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(resp.Body)
	}

	uri, err := o.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return outcomeStored, fmt.Errorf("store: %w", err)
	}
	o.logger.Info("report saved",
		zap.String("uri", uri),
		zap.Int("bytes", len(resp.Body)),
		zap.String("sha256", sha256.Digest(resp.Body)),
	)

	if o.archive != nil {
		archived, err := o.archive.PutObject(ctx, objectPath, contentType, bytes.NewReader(resp.Body))
		if err != nil {
			o.logger.Warn("archive mirror failed", zap.String("path", objectPath), zap.Error(err))
		} else {
			o.logger.Debug("report archived", zap.String("uri", archived))
		}
	}
	return outcomeStored, nil
}
