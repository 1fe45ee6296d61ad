// Package api hosts the HTTP server for trading results. Routes:
//   - GET /healthz and /readyz for probes; readyz pings the database.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/v1/trading/last_trading_dates, /dynamics and /trading_results.
package api
