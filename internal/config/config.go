// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxBatchSize is the largest batch whose 12-column INSERT stays within Postgres's
// 65535 bind parameter limit.
const MaxBatchSize = 5461

// Config captures all pipeline and service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Organizer OrganizerConfig `mapstructure:"organizer"`
	DB        DBConfig        `mapstructure:"db"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Server    ServerConfig    `mapstructure:"server"`
	API       APIConfig       `mapstructure:"api"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	ProxyTest ProxyTestConfig `mapstructure:"proxy_check"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig describes the exchange listing being crawled.
type SourceConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	BaseDomain string `mapstructure:"base_domain"`
	MinYear    int    `mapstructure:"min_year"`
	// MaxPages caps listing pages per crawl; 0 means unlimited.
	MaxPages int `mapstructure:"max_pages"`
}

// FetchConfig configures the fetch strategy and its retry, proxy and politeness policies.
type FetchConfig struct {
	Strategy         string   `mapstructure:"strategy"`
	UserAgent        string   `mapstructure:"user_agent"`
	RespectRobots    bool     `mapstructure:"respect_robots"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MaxRetries       int      `mapstructure:"max_retries"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	RatePerSecond    float64  `mapstructure:"rate_per_second"`
	Proxies          []string `mapstructure:"proxies"`
}

// HeadlessConfig configures the chromedp listing fetcher.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig sets checkpoint paths, the download tree and the optional archive bucket.
type StorageConfig struct {
	DownloadDir string `mapstructure:"download_dir"`
	LinksFile   string `mapstructure:"links_file"`
	ResultsFile string `mapstructure:"results_file"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSPrefix   string `mapstructure:"gcs_prefix"`
}

// OrganizerConfig bounds the download worker pool.
type OrganizerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
}

// LoaderConfig controls batch inserts.
type LoaderConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// CacheConfig configures the optional query cache.
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Backend    string `mapstructure:"backend"`
	Size       int    `mapstructure:"size"`
	RedisHost  string `mapstructure:"redis_host"`
	RedisPort  int    `mapstructure:"redis_port"`
	RedisDB    int    `mapstructure:"redis_db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	// RouteTTLSeconds overrides TTLSeconds per endpoint name.
	RouteTTLSeconds map[string]int `mapstructure:"route_ttl_seconds"`
	ResetTime       string         `mapstructure:"reset_time"`
	Timezone        string         `mapstructure:"timezone"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// APIConfig shapes pagination defaults.
type APIConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig names the service for tracing and where spans are exported.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// OTLPEndpoint is an OTLP/HTTP traces URL; empty keeps spans in-process.
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// ProxyTestConfig configures the proxy checker.
type ProxyTestConfig struct {
	TargetURL      string `mapstructure:"target_url"`
	Workers        int    `mapstructure:"workers"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIMEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("source.base_url", "https://spimex.com/markets/oil_products/trades/results/")
	v.SetDefault("source.base_domain", "https://spimex.com")
	v.SetDefault("source.min_year", 2023)
	v.SetDefault("source.max_pages", 0)
	v.SetDefault("fetch.strategy", "colly")
	v.SetDefault("fetch.user_agent", "spimex-pipeline/0.1")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.rate_per_second", 0.5)
	v.SetDefault("fetch.proxies", []string{})
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("storage.download_dir", "data/downloaded_xls_files")
	v.SetDefault("storage.links_file", "data/raw/trading_links.csv")
	v.SetDefault("storage.results_file", "data/raw/trading_results.csv")
	v.SetDefault("storage.gcs_prefix", "spimex")
	v.SetDefault("organizer.concurrency", 1)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("loader.batch_size", 100)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.redis_host", "localhost")
	v.SetDefault("cache.redis_port", 6379)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.reset_time", "14:11")
	v.SetDefault("cache.timezone", "Europe/Moscow")
	v.SetDefault("server.port", 8000)
	v.SetDefault("api.default_limit", 10)
	v.SetDefault("api.max_limit", 100)
	v.SetDefault("telemetry.service_name", "spimex-pipeline")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("proxy_check.target_url", "https://spimex.com")
	v.SetDefault("proxy_check.workers", 10)
	v.SetDefault("proxy_check.timeout_seconds", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.MinYear < 1990 || c.Source.MinYear > 2100 {
		return fmt.Errorf("source.min_year must be between 1990 and 2100")
	}
	if c.Source.MaxPages < 0 {
		return fmt.Errorf("source.max_pages must be >= 0")
	}
	switch c.Fetch.Strategy {
	case "colly", "headless":
	default:
		return fmt.Errorf("fetch.strategy must be colly or headless, got %q", c.Fetch.Strategy)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be >= 1")
	}
	if c.Fetch.Strategy == "headless" && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when the headless strategy is selected")
	}
	if c.Organizer.Concurrency < 1 || c.Organizer.Concurrency > 10 {
		return fmt.Errorf("organizer.concurrency must be between 1 and 10")
	}
	if c.Loader.BatchSize <= 0 || c.Loader.BatchSize > MaxBatchSize {
		return fmt.Errorf("loader.batch_size must be between 1 and %d", MaxBatchSize)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.API.DefaultLimit <= 0 || c.API.MaxLimit < c.API.DefaultLimit {
		return fmt.Errorf("api.default_limit must be > 0 and <= api.max_limit")
	}
	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "memory", "redis":
		default:
			return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
		}
		if c.Cache.TTLSeconds <= 0 {
			return fmt.Errorf("cache.ttl_seconds must be > 0")
		}
		if c.Cache.ResetTime != "" {
			if _, err := time.Parse("15:04", c.Cache.ResetTime); err != nil {
				return fmt.Errorf("cache.reset_time must be HH:MM: %w", err)
			}
		}
	}
	return nil
}

// RequireDatabase reports an error when no DSN is configured.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.DB.DSN) == "" {
		return fmt.Errorf("db.dsn is required")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RouteTTL resolves the cache expiry for a named endpoint.
func (c CacheConfig) RouteTTL(route string) time.Duration {
	if seconds, ok := c.RouteTTLSeconds[route]; ok && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Duration(c.TTLSeconds) * time.Second
}
