// Package proxycheck probes HTTP proxies and keeps the ones that answer.
package proxycheck

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxWorkers bounds concurrent probes.
const MaxWorkers = 10

// Config controls a check run.
type Config struct {
	TargetURL string
	Workers   int
	Timeout   time.Duration
}

// Result is the outcome for one proxy.
type Result struct {
	Proxy string
	OK    bool
	Err   error
}

// Checker sends one GET per proxy to the target URL.
type Checker struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Checker with workers clamped to 1..MaxWorkers.
func New(cfg Config, logger *zap.Logger) (*Checker, error) {
	if _, err := url.ParseRequestURI(cfg.TargetURL); err != nil {
		return nil, fmt.Errorf("invalid target url: %w", err)
	}
	cfg.Workers = min(max(cfg.Workers, 1), MaxWorkers)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{cfg: cfg, logger: logger}, nil
}

// Check probes every proxy and returns results in input order. Only cancellation is an error.
func (c *Checker) Check(ctx context.Context, proxies []string) ([]Result, error) {
	results := make([]Result, len(proxies))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, proxy := range proxies {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := c.probe(ctx, proxy)
			results[i] = Result{Proxy: proxy, OK: err == nil, Err: err}
			if err != nil {
				c.logger.Debug("proxy rejected", zap.String("proxy", proxy), zap.Error(err))
			} else {
				c.logger.Info("proxy works", zap.String("proxy", proxy))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("proxy check canceled: %w", err)
	}
	return results, nil
}

func (c *Checker) probe(ctx context.Context, proxy string) error {
	if _, err := url.Parse(proxy); err != nil {
		return fmt.Errorf("invalid proxy: %w", err)
	}
	client := resty.New().
		SetProxy(proxy).
		SetTimeout(c.cfg.Timeout).
		SetRetryCount(0)
	resp, err := client.R().SetContext(ctx).Get(c.cfg.TargetURL)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return nil
}

// Working returns the proxies that passed.
func Working(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.OK {
			out = append(out, r.Proxy)
		}
	}
	return out
}

// ReadList reads one proxy per line, skipping blanks and # comments.
func ReadList(r io.Reader) ([]string, error) {
	var proxies []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "://") {
			line = "http://" + line
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return proxies, nil
}

// ReadFile loads a proxy list from disk.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadList(f)
}

// WriteFile stores proxies one per line.
func WriteFile(path string, proxies []string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	var b strings.Builder
	for _, p := range proxies {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write proxy list: %w", err)
	}
	return nil
}
