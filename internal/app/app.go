// Package app builds and holds the long-lived services shared by CLI commands.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/cache"
	"github.com/JakeFAU/spimex-pipeline/internal/config"
	"github.com/JakeFAU/spimex-pipeline/internal/fetcher"
	collyfetcher "github.com/JakeFAU/spimex-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/spimex-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/spimex-pipeline/internal/linkstore"
	"github.com/JakeFAU/spimex-pipeline/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/spimex-pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/spimex-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/spimex-pipeline/internal/query"
	"github.com/JakeFAU/spimex-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/spimex-pipeline/internal/storage/local"
	"github.com/JakeFAU/spimex-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// App lazily constructs services from configuration and closes whatever was opened.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	mu       sync.Mutex
	limiter  *ratelimit.Limiter
	proxies  *fetcher.RotatingProxyPolicy
	colly    *collyfetcher.Fetcher
	headless *headlessfetcher.Fetcher
	results  *postgres.ResultsStore
	cache    cache.Cache
	gcs      *storage.Client
	pub      trading.Publisher
	closers  []func()
}

// New returns an App; nothing is dialed until a getter needs it.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// ListingFetcher fetches listing pages with the configured strategy plus retry, proxy
// and politeness policies.
func (a *App) ListingFetcher() (fetcher.Fetcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.Fetch.Strategy != "headless" {
		return a.policiedLocked(a.collyLocked(), "listing")
	}
	if a.headless == nil {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      headlessfetcher.DefaultWaitSelector,
			ProxyServer:       firstOf(a.cfg.Fetch.Proxies),
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.headless = h
		a.closers = append(a.closers, h.Close)
	}
	return a.policiedLocked(a.headless, "listing")
}

// FileFetcher downloads report files over plain HTTP with the same policies.
func (a *App) FileFetcher() (fetcher.Fetcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policiedLocked(a.collyLocked(), "download")
}

func (a *App) collyLocked() *collyfetcher.Fetcher {
	if a.colly == nil {
		a.colly = collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Fetch.UserAgent,
			RespectRobots: a.cfg.Fetch.RespectRobots,
			Timeout:       a.cfg.FetchTimeout(),
		})
		a.closers = append(a.closers, a.colly.CloseIdleConnections)
	}
	return a.colly
}

func (a *App) policiedLocked(strategy fetcher.Fetcher, name string) (fetcher.Fetcher, error) {
	if a.limiter == nil {
		a.limiter = ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Fetch.RatePerSecond, DefaultBurst: 1})
	}
	opts := []fetcher.Option{
		fetcher.WithRetry(fetcher.NewExponentialRetryPolicy(
			a.cfg.Fetch.MaxRetries,
			time.Duration(a.cfg.Fetch.BackoffInitialMs)*time.Millisecond,
			time.Duration(a.cfg.Fetch.BackoffMaxMs)*time.Millisecond,
		)),
		fetcher.WithLimiter(a.limiter),
		fetcher.WithLogger(a.logger.Named(name)),
	}
	if len(a.cfg.Fetch.Proxies) > 0 {
		if a.proxies == nil {
			p, err := fetcher.NewRotatingProxyPolicy(a.cfg.Fetch.Proxies, a.logger)
			if err != nil {
				return nil, fmt.Errorf("init proxy policy: %w", err)
			}
			a.proxies = p
		}
		opts = append(opts, fetcher.WithProxy(a.proxies))
	}
	return fetcher.New(strategy, opts...), nil
}

// LinkStore returns the link checkpoint.
func (a *App) LinkStore() *linkstore.Store {
	return linkstore.New(a.cfg.Storage.LinksFile)
}

// Downloads opens the local report tree.
func (a *App) Downloads() (*local.BlobStore, error) {
	store, err := local.New(local.Config{BaseDir: a.cfg.Storage.DownloadDir})
	if err != nil {
		return nil, fmt.Errorf("init download dir: %w", err)
	}
	return store, nil
}

// Archive returns the GCS mirror for downloads, or nil when no bucket is configured.
func (a *App) Archive(ctx context.Context) (*gcs.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gcs == nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.gcs = client
		a.closers = append(a.closers, func() { a.closeQuietly("gcs", client.Close) })
	}
	return gcs.New(a.gcs, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.GCSPrefix})
}

// Publisher returns the Pub/Sub publisher when a project is configured, otherwise an
// in-memory one that only logs.
func (a *App) Publisher(ctx context.Context) (trading.Publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pub != nil {
		return a.pub, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.pub = memorypublisher.New(a.logger.Named("publisher"))
		return a.pub, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	p := pubsubpublisher.New(client, a.cfg.PubSub.TopicName)
	a.pub = p
	a.closers = append(a.closers, func() {
		p.Stop()
		a.closeQuietly("pubsub", client.Close)
	})
	return a.pub, nil
}

// Results connects the results table.
func (a *App) Results(ctx context.Context) (*postgres.ResultsStore, error) {
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.results != nil {
		return a.results, nil
	}
	store, err := postgres.NewResultsStore(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           trading.TableName,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetime) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	a.results = store
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// Cache returns the configured query cache, or nil when caching is disabled.
func (a *App) Cache(ctx context.Context) (cache.Cache, error) {
	if !a.cfg.Cache.Enabled {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache != nil {
		return a.cache, nil
	}
	var (
		c   cache.Cache
		err error
	)
	switch a.cfg.Cache.Backend {
	case "redis":
		c, err = cache.NewRedis(ctx, cache.RedisConfig{
			Host: a.cfg.Cache.RedisHost,
			Port: a.cfg.Cache.RedisPort,
			DB:   a.cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
	default:
		c = cache.NewMemory(a.cfg.Cache.Size, a.maxTTL())
	}
	a.cache = c
	a.closers = append(a.closers, func() { a.closeQuietly("cache", c.Close) })
	a.logger.Info("query cache enabled", zap.String("backend", a.cfg.Cache.Backend))
	return c, nil
}

// QueryService builds the read service, wrapped in the cache when one is enabled.
func (a *App) QueryService(ctx context.Context) (query.Service, error) {
	store, err := a.Results(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.Cache(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return store, nil
	}
	return query.NewCached(store, c, a.cfg.Cache.RouteTTL, a.logger.Named("cache")), nil
}

func (a *App) maxTTL() time.Duration {
	longest := a.cfg.Cache.RouteTTL("")
	for route := range a.cfg.Cache.RouteTTLSeconds {
		longest = max(longest, a.cfg.Cache.RouteTTL(route))
	}
	return longest
}

// Close releases opened services in reverse order and flushes the logger.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	// Sync fails with EINVAL on terminals; nothing useful can be done about it here.
	_ = a.logger.Sync()
}

func (a *App) closeQuietly(name string, fn func() error) {
	if err := fn(); err != nil {
		a.logger.Warn("close failed", zap.String("service", name), zap.Error(err))
	}
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
