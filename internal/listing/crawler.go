package listing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/fetcher"
	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// LinkAppender receives the links kept from each page.
type LinkAppender interface {
	Append(ctx context.Context, links []trading.Link) error
}

// Stop reasons reported in Stats.
const (
	StopLastPage   = "last_page"
	StopStale      = "stale_date"
	StopMaxPages   = "max_pages"
	StopFetchError = "fetch_error"
	StopParseError = "parse_error"
	StopLoop       = "pagination_loop"
)

// Stats summarizes one crawl.
type Stats struct {
	Pages      int
	Stored     int
	Stale      int
	Malformed  int
	Incomplete int
	StopReason string
}

// Config bounds a crawl.
type Config struct {
	MinYear int
	// MaxPages caps pages fetched; 0 means unlimited.
	MaxPages int
}

// Crawler walks listing pages newest-first and checkpoints their links.
type Crawler struct {
	fetch  fetcher.Fetcher
	parser *Parser
	store  LinkAppender
	cfg    Config
	logger *zap.Logger
}

// NewCrawler wires a Crawler.
func NewCrawler(fetch fetcher.Fetcher, parser *Parser, store LinkAppender, cfg Config, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{fetch: fetch, parser: parser, store: store, cfg: cfg, logger: logger}
}

// Crawl follows pagination from startURL. A stale row is skipped and ends pagination
// after its page, since older pages only hold older dates. Fetch and parse failures
// end the crawl without an error; only checkpoint writes and cancellation return one.
func (c *Crawler) Crawl(ctx context.Context, startURL string) (Stats, error) {
	ctx, span := otel.Tracer("spimex/listing").Start(ctx, "listing.crawl")
	defer span.End()

	var stats Stats
	visited := make(map[string]struct{})
	current := startURL

	for {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("crawl canceled: %w", err)
		}
		if _, seen := visited[current]; seen {
			stats.StopReason = StopLoop
			break
		}
		visited[current] = struct{}{}

		page, reason, err := c.fetchPage(ctx, current)
		if err != nil {
			return stats, err
		}
		if reason != "" {
			stats.StopReason = reason
			break
		}
		stats.Pages++
		metrics.ObserveListingPage("success")

		kept, filtered := FilterLinks(page.Links, c.cfg.MinYear)
		stats.Stale += filtered.Stale
		stats.Malformed += filtered.Malformed
		stats.Incomplete += filtered.Incomplete
		metrics.ObserveLinks("stale", filtered.Stale)
		metrics.ObserveLinks("malformed", filtered.Malformed)
		metrics.ObserveLinks("incomplete", filtered.Incomplete)

		if len(kept) > 0 {
			if err := c.store.Append(ctx, kept); err != nil {
				return stats, fmt.Errorf("checkpoint links: %w", err)
			}
			stats.Stored += len(kept)
			metrics.ObserveLinks("stored", len(kept))
		}

		c.logger.Info("listing page processed",
			zap.String("url", current),
			zap.Int("links", len(page.Links)),
			zap.Int("stored", len(kept)),
			zap.Int("stale", filtered.Stale),
		)

		switch {
		case filtered.Stale > 0:
			stats.StopReason = StopStale
		case page.Next == "":
			stats.StopReason = StopLastPage
		case c.cfg.MaxPages > 0 && stats.Pages >= c.cfg.MaxPages:
			stats.StopReason = StopMaxPages
		}
		if stats.StopReason != "" {
			break
		}
		current = page.Next
	}

	span.SetAttributes(
		attribute.Int("pages", stats.Pages),
		attribute.Int("stored", stats.Stored),
		attribute.String("stop_reason", stats.StopReason),
	)
	c.logger.Info("listing crawl finished",
		zap.Int("pages", stats.Pages),
		zap.Int("stored", stats.Stored),
		zap.Int("stale", stats.Stale),
		zap.Int("malformed", stats.Malformed),
		zap.Int("incomplete", stats.Incomplete),
		zap.String("stop_reason", stats.StopReason),
	)
	return stats, nil
}

// fetchPage returns a stop reason instead of an error for page-scoped failures.
func (c *Crawler) fetchPage(ctx context.Context, pageURL string) (Page, string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		c.logger.Error("invalid listing url", zap.String("url", pageURL), zap.Error(err))
		metrics.ObserveListingPage("parse_error")
		return Page{}, StopParseError, nil
	}
	resp, err := c.fetch.Fetch(ctx, fetcher.Request{URL: pageURL})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return Page{}, "", fmt.Errorf("fetch listing page: %w", err)
			}
		}
		c.logger.Error("listing page fetch failed", zap.String("url", pageURL), zap.Error(err))
		metrics.ObserveListingPage("fetch_error")
		return Page{}, StopFetchError, nil
	}
	page, err := c.parser.Parse(u, bytes.NewReader(resp.Body))
	if err != nil {
		c.logger.Error("listing page parse failed", zap.String("url", pageURL), zap.Error(err))
		metrics.ObserveListingPage("parse_error")
		return Page{}, StopParseError, nil
	}
	return page, "", nil
}
