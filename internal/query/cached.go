package query

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/cache"
	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// TTLFunc returns the cache lifetime for a route.
type TTLFunc func(route string) time.Duration

// Cached serves repeated queries from a cache. Cache failures fall through to the
// wrapped Service, so answers never differ from an uncached call.
type Cached struct {
	next   Service
	cache  cache.Cache
	ttl    TTLFunc
	logger *zap.Logger
}

var _ Service = (*Cached)(nil)

// NewCached decorates next with c.
func NewCached(next Service, c cache.Cache, ttl TTLFunc, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl == nil {
		ttl = func(string) time.Duration { return time.Hour }
	}
	return &Cached{next: next, cache: c, ttl: ttl, logger: logger}
}

// LastTradingDates implements Service.
func (c *Cached) LastTradingDates(ctx context.Context, limit int) ([]time.Time, error) {
	key := Key(RouteLastTradingDates, url.Values{"limit": {strconv.Itoa(limit)}})
	return through(ctx, c, RouteLastTradingDates, key, func() ([]time.Time, error) {
		return c.next.LastTradingDates(ctx, limit)
	})
}

// Dynamics implements Service.
func (c *Cached) Dynamics(ctx context.Context, filter trading.DynamicsFilter, page trading.Page) ([]trading.Result, error) {
	args := filterValues(filter.ResultsFilter, page)
	if !filter.StartDate.IsZero() {
		args.Set("start_date", filter.StartDate.Format(trading.ISODateLayout))
	}
	if !filter.EndDate.IsZero() {
		args.Set("end_date", filter.EndDate.Format(trading.ISODateLayout))
	}
	return through(ctx, c, RouteDynamics, Key(RouteDynamics, args), func() ([]trading.Result, error) {
		return c.next.Dynamics(ctx, filter, page)
	})
}

// TradingResults implements Service.
func (c *Cached) TradingResults(ctx context.Context, filter trading.ResultsFilter, page trading.Page) ([]trading.Result, error) {
	key := Key(RouteTradingResults, filterValues(filter, page))
	return through(ctx, c, RouteTradingResults, key, func() ([]trading.Result, error) {
		return c.next.TradingResults(ctx, filter, page)
	})
}

// CountResults implements Service.
func (c *Cached) CountResults(ctx context.Context, filter trading.ResultsFilter) (int64, error) {
	key := Key(RouteCountResults, filterValues(filter, trading.Page{}))
	return through(ctx, c, RouteCountResults, key, func() (int64, error) {
		return c.next.CountResults(ctx, filter)
	})
}

// Key builds "<route>:<sorted query string>".
func Key(route string, args url.Values) string {
	return route + ":" + args.Encode()
}

func filterValues(f trading.ResultsFilter, page trading.Page) url.Values {
	v := url.Values{}
	if f.OilID != "" {
		v.Set("oil_id", f.OilID)
	}
	if f.DeliveryTypeID != "" {
		v.Set("delivery_type_id", f.DeliveryTypeID)
	}
	if f.DeliveryBasisID != "" {
		v.Set("delivery_basis_id", f.DeliveryBasisID)
	}
	if page.Limit != 0 || page.Skip != 0 {
		v.Set("limit", strconv.Itoa(page.Limit))
		v.Set("skip", strconv.Itoa(page.Skip))
	}
	return v
}

func through[T any](ctx context.Context, c *Cached, route, key string, load func() (T, error)) (T, error) {
	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			metrics.ObserveCache(route, true)
			return cached, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}
	metrics.ObserveCache(route, false)

	value, err := load()
	if err != nil {
		return value, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl(route)); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}
