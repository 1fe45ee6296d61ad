// Package query answers read-side questions about loaded trading results.
package query

import (
	"context"
	"time"

	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// Route names used for cache keys, TTLs and metrics.
const (
	RouteLastTradingDates = "last_trading_dates"
	RouteDynamics         = "dynamics"
	RouteTradingResults   = "trading_results"
	RouteCountResults     = "trading_results_count"
)

// Service is the read API over the results table.
type Service interface {
	LastTradingDates(ctx context.Context, limit int) ([]time.Time, error)
	Dynamics(ctx context.Context, filter trading.DynamicsFilter, page trading.Page) ([]trading.Result, error)
	TradingResults(ctx context.Context, filter trading.ResultsFilter, page trading.Page) ([]trading.Result, error)
	CountResults(ctx context.Context, filter trading.ResultsFilter) (int64, error)
}
