package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/app"
	"github.com/JakeFAU/spimex-pipeline/internal/listing"
	"github.com/JakeFAU/spimex-pipeline/internal/loader"
	"github.com/JakeFAU/spimex-pipeline/internal/normalizer"
	"github.com/JakeFAU/spimex-pipeline/internal/organizer"
	"github.com/JakeFAU/spimex-pipeline/internal/resultsfile"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// Load sources.
const (
	sourceCSV = "csv"
	sourceDir = "dir"
)

func crawlStage(ctx context.Context, a *app.App, reset bool) error {
	cfg := a.Config()
	fetch, err := a.ListingFetcher()
	if err != nil {
		return err
	}
	parser, err := listing.NewParser(cfg.Source.BaseDomain)
	if err != nil {
		return err
	}
	store := a.LinkStore()
	if reset {
		if err := store.Reset(); err != nil {
			return err
		}
		a.Logger().Info("link checkpoint reset", zap.String("path", store.Path()))
	}
	crawler := listing.NewCrawler(fetch, parser, store, listing.Config{
		MinYear:  cfg.Source.MinYear,
		MaxPages: cfg.Source.MaxPages,
	}, a.Logger().Named("listing"))

	stats, err := crawler.Crawl(ctx, cfg.Source.BaseURL)
	if err != nil {
		return err
	}
	if stats.StopReason == listing.StopFetchError && stats.Pages == 0 {
		return fmt.Errorf("first listing page could not be fetched")
	}
	return nil
}

func downloadStage(ctx context.Context, a *app.App, force bool) error {
	cfg := a.Config()
	links, err := a.LinkStore().ReadAll(ctx)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		a.Logger().Warn("no links to download; run crawl first", zap.String("links_file", a.LinkStore().Path()))
		return nil
	}
	fetch, err := a.FileFetcher()
	if err != nil {
		return err
	}
	downloads, err := a.Downloads()
	if err != nil {
		return err
	}
	var opts []organizer.Option
	archive, err := a.Archive(ctx)
	if err != nil {
		return err
	}
	if archive != nil {
		opts = append(opts, organizer.WithArchive(archive))
	}

	org := organizer.New(fetch, downloads, organizer.Config{
		MinYear:     cfg.Source.MinYear,
		Concurrency: cfg.Organizer.Concurrency,
		Force:       force,
	}, a.Logger().Named("organizer"), opts...)
	_, err = org.Run(ctx, links)
	return err
}

func resultsStage(ctx context.Context, a *app.App, truncate bool) error {
	cfg := a.Config()
	w, err := resultsfile.Create(cfg.Storage.ResultsFile, truncate)
	if err != nil {
		return err
	}
	n := normalizer.New(a.Logger().Named("normalizer"))
	stats, err := n.NormalizeDir(ctx, cfg.Storage.DownloadDir, func(_ context.Context, _ string, rows []trading.Result) error {
		return w.Write(rows)
	})
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	a.Logger().Info("results written",
		zap.String("path", cfg.Storage.ResultsFile),
		zap.Int("files", stats.Files),
		zap.Int("failed", stats.Failed),
		zap.Int("rows", stats.Rows),
	)
	return nil
}

func loadStage(ctx context.Context, a *app.App, runID, source string) error {
	cfg := a.Config()
	store, err := a.Results(ctx)
	if err != nil {
		return err
	}
	pub, err := a.Publisher(ctx)
	if err != nil {
		return err
	}
	l := loader.New(store, loader.Config{
		BatchSize: cfg.Loader.BatchSize,
		Topic:     cfg.PubSub.TopicName,
	}, a.Logger().Named("loader"), loader.WithPublisher(pub), loader.WithRunID(runID))
	if err := l.EnsureTable(ctx); err != nil {
		return err
	}

	switch source {
	case sourceCSV:
		r, err := resultsfile.Open(cfg.Storage.ResultsFile)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()
		_, err = l.Load(ctx, r)
		return err
	case sourceDir:
		var rows []trading.Result
		n := normalizer.New(a.Logger().Named("normalizer"))
		if _, err := n.NormalizeDir(ctx, cfg.Storage.DownloadDir, func(_ context.Context, _ string, file []trading.Result) error {
			rows = append(rows, file...)
			return nil
		}); err != nil {
			return err
		}
		_, err = l.Load(ctx, loader.NewSliceSource(rows))
		return err
	default:
		return fmt.Errorf("unknown load source %q", source)
	}
}
