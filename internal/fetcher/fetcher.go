// Package fetcher defines the fetch strategy interface and the retry, proxy and
// politeness policies that wrap every strategy.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
)

// Request describes a single GET.
type Request struct {
	URL     string
	Headers http.Header
	// Proxy is set by the proxy policy; strategies that cannot honor it ignore it.
	Proxy *url.URL
}

// Response carries the fetched body plus metadata.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// RetryPolicy decides whether and when a failed attempt is repeated.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ProxyPolicy hands out proxies and learns which ones fail.
type ProxyPolicy interface {
	Next() (*url.URL, bool)
	Report(proxy *url.URL, err error)
}

// Limiter paces requests per domain.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Option configures a Policied fetcher.
type Option func(*Policied)

// WithRetry installs a retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(f *Policied) { f.retry = p }
}

// WithProxy installs a proxy policy.
func WithProxy(p ProxyPolicy) Option {
	return func(f *Policied) { f.proxy = p }
}

// WithLimiter installs a politeness limiter.
func WithLimiter(l Limiter) Option {
	return func(f *Policied) { f.limiter = l }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(f *Policied) {
		if l != nil {
			f.logger = l
		}
	}
}

// Policied applies retry, proxy and politeness policies around a strategy.
type Policied struct {
	next    Fetcher
	retry   RetryPolicy
	proxy   ProxyPolicy
	limiter Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New wraps a strategy with the given policies.
func New(next Fetcher, opts ...Option) *Policied {
	f := &Policied{
		next:   next,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch runs the strategy until it succeeds or the retry policy gives up.
func (f *Policied) Fetch(ctx context.Context, request Request) (Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := f.attempt(ctx, request)
		if err == nil {
			metrics.ObserveFetch("success")
			return resp, nil
		}
		if f.retry == nil || !f.retry.ShouldRetry(err, attempt) {
			metrics.ObserveFetch("failure")
			return Response{}, fmt.Errorf("fetch %s after %d attempt(s): %w", request.URL, attempt, err)
		}
		metrics.ObserveFetch("retry")
		delay := f.retry.Backoff(attempt)
		f.logger.Warn("fetch attempt failed, retrying",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return Response{}, err
		}
	}
}

func (f *Policied) attempt(ctx context.Context, request Request) (Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return Response{}, err
		}
	}
	if f.proxy != nil {
		if proxy, ok := f.proxy.Next(); ok {
			request.Proxy = proxy
		}
	}
	resp, err := f.next.Fetch(ctx, request)
	if err == nil && resp.StatusCode >= http.StatusBadRequest {
		err = &StatusError{URL: request.URL, StatusCode: resp.StatusCode}
	}
	if f.proxy != nil && request.Proxy != nil {
		f.proxy.Report(request.Proxy, err)
	}
	return resp, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == status
}
