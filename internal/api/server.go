package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/config"
	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/middleware"
	"github.com/JakeFAU/spimex-pipeline/internal/query"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the query service.
type Server struct {
	router  chi.Router
	service query.Service
	ready   Pinger
	limits  config.APIConfig
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(service query.Service, ready Pinger, limits config.APIConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = 10
	}
	if limits.MaxLimit < limits.DefaultLimit {
		limits.MaxLimit = max(limits.DefaultLimit, 100)
	}
	s := &Server{
		service: service,
		ready:   ready,
		limits:  limits,
		logger:  logger,
	}

	r := chi.NewRouter()
	// "/trading_results/" and "/trading_results" resolve to the same route.
	r.Use(chimw.StripSlashes)
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1/trading", func(r chi.Router) {
		r.Get("/last_trading_dates", s.lastTradingDates)
		r.Get("/dynamics", s.dynamics)
		r.Get("/trading_results", s.tradingResults)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) lastTradingDates(w http.ResponseWriter, r *http.Request) {
	p := newParams(r)
	limit := p.limit(s.limits)
	if p.failed(s, w) {
		return
	}
	setPageLimit(w, limit)
	dates, err := s.service.LastTradingDates(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.Format(trading.ISODateLayout))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) dynamics(w http.ResponseWriter, r *http.Request) {
	p := newParams(r)
	filter := trading.DynamicsFilter{
		ResultsFilter: p.resultsFilter(),
		StartDate:     p.date("start_date"),
		EndDate:       p.date("end_date"),
	}
	page := p.page(s.limits)
	if p.failed(s, w) {
		return
	}
	setPageLimit(w, page.Limit)
	rows, err := s.service.Dynamics(r.Context(), filter, page)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toViews(rows))
}

func (s *Server) tradingResults(w http.ResponseWriter, r *http.Request) {
	p := newParams(r)
	filter := p.resultsFilter()
	page := p.page(s.limits)
	if p.failed(s, w) {
		return
	}
	setPageLimit(w, page.Limit)
	rows, err := s.service.TradingResults(r.Context(), filter, page)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	total, err := s.service.CountResults(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", formatInt(total))
	s.writeJSON(w, http.StatusOK, toViews(rows))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusGatewayTimeout, "query timed out")
		return
	}
	s.logger.Error("query failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.Error(err),
	)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

// resultView is the wire form of a trading result.
type resultView struct {
	ExchangeProductID   string `json:"exchange_product_id"`
	ExchangeProductName string `json:"exchange_product_name"`
	OilID               string `json:"oil_id"`
	DeliveryBasisID     string `json:"delivery_basis_id"`
	DeliveryBasisName   string `json:"delivery_basis_name"`
	DeliveryTypeID      string `json:"delivery_type_id"`
	Volume              int64  `json:"volume"`
	Total               int64  `json:"total"`
	Count               int64  `json:"count"`
	Date                string `json:"date"`
	CreatedOn           string `json:"created_on"`
	UpdatedOn           string `json:"updated_on"`
}

func toViews(rows []trading.Result) []resultView {
	out := make([]resultView, 0, len(rows))
	for _, r := range rows {
		out = append(out, resultView{
			ExchangeProductID:   r.ExchangeProductID,
			ExchangeProductName: r.ExchangeProductName,
			OilID:               r.OilID,
			DeliveryBasisID:     r.DeliveryBasisID,
			DeliveryBasisName:   r.DeliveryBasisName,
			DeliveryTypeID:      r.DeliveryTypeID,
			Volume:              r.Volume,
			Total:               r.Total,
			Count:               r.Count,
			Date:                r.Date.Format(trading.ISODateLayout),
			CreatedOn:           r.CreatedOn.UTC().Format(time.RFC3339),
			UpdatedOn:           r.UpdatedOn.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
