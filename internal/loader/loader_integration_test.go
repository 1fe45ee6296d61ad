//go:build integration

package loader

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/spimex-pipeline/internal/resultsfile"
	"github.com/JakeFAU/spimex-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/spimex-pipeline/internal/storage/postgres/pgtest"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

func TestLoadRoundTripsThroughPostgres(t *testing.T) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, pgtest.Start(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := postgres.NewResultsStoreWithPool(pool, "")
	require.NoError(t, err)

	want := rows(150)
	for i := range want {
		want[i].Date = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}

	path := filepath.Join(t.TempDir(), "trading_results.csv")
	w, err := resultsfile.Create(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Write(want))
	require.NoError(t, w.Close())

	src, err := resultsfile.Open(path)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	l := New(store, Config{BatchSize: 100}, zaptest.NewLogger(t),
		WithClock(trading.ClockFunc(func() time.Time { return fixedNow })))
	require.NoError(t, l.EnsureTable(ctx))
	require.NoError(t, l.EnsureTable(ctx))

	stats, err := l.Load(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, Stats{Inserted: 150, Batches: 2}, stats)

	var got []trading.Result
	for skip := 0; skip < 200; skip += 100 {
		page, err := store.TradingResults(ctx, trading.ResultsFilter{}, trading.Page{Limit: 100, Skip: skip})
		require.NoError(t, err)
		got = append(got, page...)
	}
	require.Len(t, got, len(want))

	slices.Reverse(want)
	for i := range want {
		want[i].CreatedOn, want[i].UpdatedOn = fixedNow, fixedNow
		got[i].Date = got[i].Date.UTC()
		got[i].CreatedOn = got[i].CreatedOn.UTC()
		got[i].UpdatedOn = got[i].UpdatedOn.UTC()
	}
	assert.Equal(t, want, got)
}
