// Package postgres stores trading results in Postgres and answers the API's queries.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const resultColumns = `exchange_product_id, exchange_product_name, oil_id, delivery_basis_id,
	delivery_basis_name, delivery_type_id, volume, total, count, date, created_on, updated_on`

const insertColumnCount = 12

// MaxBatchRows keeps one multi-row INSERT under the protocol's 65535 bind parameters.
const MaxBatchRows = 65535 / insertColumnCount

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// ResultsStore reads and writes the trading results table.
type ResultsStore struct {
	pool  Pool
	table string
}

// NewResultsStore connects a pool using cfg.
func NewResultsStore(ctx context.Context, cfg Config) (*ResultsStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewResultsStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResultsStoreWithPool wraps an existing pool (primarily for testing).
func NewResultsStoreWithPool(pool Pool, table string) (*ResultsStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = trading.TableName
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultsStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *ResultsStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *ResultsStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the results table and its date index if missing.
func (s *ResultsStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	exchange_product_id VARCHAR(64) NOT NULL,
	exchange_product_name TEXT NOT NULL,
	oil_id VARCHAR(16) NOT NULL,
	delivery_basis_id VARCHAR(16) NOT NULL,
	delivery_basis_name TEXT NOT NULL,
	delivery_type_id VARCHAR(8) NOT NULL,
	volume BIGINT NOT NULL,
	total BIGINT NOT NULL,
	count BIGINT NOT NULL,
	date DATE NOT NULL,
	created_on TIMESTAMPTZ NOT NULL,
	updated_on TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_date_idx ON %[1]s (date)`, s.table)
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create date index: %w", err)
	}
	return nil
}

// InsertBatch writes rows in one multi-row INSERT inside its own transaction.
func (s *ResultsStore) InsertBatch(ctx context.Context, rows []trading.Result) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(rows) > MaxBatchRows {
		return 0, fmt.Errorf("insert batch: %d rows exceeds the limit of %d", len(rows), MaxBatchRows)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", s.table, resultColumns)
	args := make([]any, 0, len(rows)*insertColumnCount)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < insertColumnCount; c++ {
			if c > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*insertColumnCount+c+1)
		}
		sb.WriteByte(')')
		args = append(args,
			r.ExchangeProductID, r.ExchangeProductName, r.OilID, r.DeliveryBasisID,
			r.DeliveryBasisName, r.DeliveryTypeID, r.Volume, r.Total, r.Count,
			r.Date, r.CreatedOn, r.UpdatedOn,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	tag, err := tx.Exec(ctx, sb.String(), args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LastTradingDates returns up to limit distinct dates, newest first.
func (s *ResultsStore) LastTradingDates(ctx context.Context, limit int) ([]time.Time, error) {
	query := fmt.Sprintf(`SELECT DISTINCT date FROM %s ORDER BY date DESC LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query trading dates: %w", err)
	}
	defer rows.Close()

	dates := make([]time.Time, 0, limit)
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan trading date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trading dates: %w", err)
	}
	return dates, nil
}

// Dynamics returns rows matching filter in date order.
func (s *ResultsStore) Dynamics(ctx context.Context, filter trading.DynamicsFilter, page trading.Page) ([]trading.Result, error) {
	var w where
	w.equals(filter.ResultsFilter)
	w.compare("date", ">=", filter.StartDate)
	w.compare("date", "<=", filter.EndDate)
	return s.selectResults(ctx, w, "date ASC, id ASC", page)
}

// TradingResults returns rows matching filter, newest first.
func (s *ResultsStore) TradingResults(ctx context.Context, filter trading.ResultsFilter, page trading.Page) ([]trading.Result, error) {
	var w where
	w.equals(filter)
	return s.selectResults(ctx, w, "date DESC, id DESC", page)
}

// CountResults counts rows matching filter.
func (s *ResultsStore) CountResults(ctx context.Context, filter trading.ResultsFilter) (int64, error) {
	var w where
	w.equals(filter)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table, w.sql())
	var n int64
	if err := s.pool.QueryRow(ctx, query, w.args...).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

func (s *ResultsStore) selectResults(ctx context.Context, w where, order string, page trading.Page) ([]trading.Result, error) {
	args := append(append([]any(nil), w.args...), page.Skip, page.Limit)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s OFFSET $%d LIMIT $%d`,
		resultColumns, s.table, w.sql(), order, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	results := make([]trading.Result, 0, page.Limit)
	for rows.Next() {
		var r trading.Result
		if err := rows.Scan(
			&r.ExchangeProductID, &r.ExchangeProductName, &r.OilID, &r.DeliveryBasisID,
			&r.DeliveryBasisName, &r.DeliveryTypeID, &r.Volume, &r.Total, &r.Count,
			&r.Date, &r.CreatedOn, &r.UpdatedOn,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// where accumulates AND-ed predicates with positional args.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(column, op string, value any) {
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, fmt.Sprintf("%s %s $%d", column, op, len(w.args)))
}

func (w *where) equals(f trading.ResultsFilter) {
	if f.OilID != "" {
		w.add("oil_id", "=", f.OilID)
	}
	if f.DeliveryTypeID != "" {
		w.add("delivery_type_id", "=", f.DeliveryTypeID)
	}
	if f.DeliveryBasisID != "" {
		w.add("delivery_basis_id", "=", f.DeliveryBasisID)
	}
}

func (w *where) compare(column, op string, t time.Time) {
	if !t.IsZero() {
		w.add(column, op, t)
	}
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
