package query

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/spimex-pipeline/internal/cache"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) LastTradingDates(ctx context.Context, limit int) ([]time.Time, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]time.Time), args.Error(1)
}

func (m *mockService) Dynamics(ctx context.Context, f trading.DynamicsFilter, p trading.Page) ([]trading.Result, error) {
	args := m.Called(ctx, f, p)
	return args.Get(0).([]trading.Result), args.Error(1)
}

func (m *mockService) TradingResults(ctx context.Context, f trading.ResultsFilter, p trading.Page) ([]trading.Result, error) {
	args := m.Called(ctx, f, p)
	return args.Get(0).([]trading.Result), args.Error(1)
}

func (m *mockService) CountResults(ctx context.Context, f trading.ResultsFilter) (int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(int64), args.Error(1)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (brokenCache) Flush(context.Context) error { return nil }
func (brokenCache) Close() error { return nil }

var (
	june5 = time.Date(2024, time.June, 5, 0, 0, 0, 0, time.UTC)
	row   = trading.Result{
		ExchangeProductID: "A100ANK060F", ExchangeProductName: "Бензин", OilID: "A100",
		DeliveryBasisID: "ANK", DeliveryBasisName: "Ангарск", DeliveryTypeID: "F",
		Volume: 60, Total: 5400000, Count: 1, Date: june5,
		CreatedOn: june5.Add(9 * time.Hour), UpdatedOn: june5.Add(9 * time.Hour),
	}
)

func TestCachedServesSecondCallFromCache(t *testing.T) {
	t.Parallel()

	next := &mockService{}
	filter := trading.ResultsFilter{OilID: "A100"}
	page := trading.Page{Limit: 10}
	next.On("TradingResults", mock.Anything, filter, page).Return([]trading.Result{row}, nil).Once()

	var ttlRoute string
	svc := NewCached(next, cache.NewMemory(16, time.Hour), func(route string) time.Duration {
		ttlRoute = route
		return time.Minute
	}, zaptest.NewLogger(t))

	first, err := svc.TradingResults(context.Background(), filter, page)
	require.NoError(t, err)
	second, err := svc.TradingResults(context.Background(), filter, page)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []trading.Result{row}, second)
	assert.Equal(t, RouteTradingResults, ttlRoute)
	next.AssertExpectations(t)
}

func TestCachedKeysDifferByArgs(t *testing.T) {
	t.Parallel()

	next := &mockService{}
	next.On("LastTradingDates", mock.Anything, 1).Return([]time.Time{june5}, nil).Once()
	next.On("LastTradingDates", mock.Anything, 2).Return([]time.Time{june5, june5.AddDate(0, 0, -1)}, nil).Once()

	svc := NewCached(next, cache.NewMemory(16, time.Hour), nil, nil)
	for i := 0; i < 2; i++ {
		one, err := svc.LastTradingDates(context.Background(), 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
		two, err := svc.LastTradingDates(context.Background(), 2)
		require.NoError(t, err)
		assert.Len(t, two, 2)
	}
	next.AssertExpectations(t)
}

func TestCachedFallsThroughOnCacheErrors(t *testing.T) {
	t.Parallel()

	next := &mockService{}
	filter := trading.DynamicsFilter{StartDate: june5}
	next.On("Dynamics", mock.Anything, filter, trading.Page{Limit: 5}).Return([]trading.Result{row}, nil).Twice()
	next.On("CountResults", mock.Anything, trading.ResultsFilter{}).Return(int64(7), nil).Once()

	svc := NewCached(next, brokenCache{}, nil, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		got, err := svc.Dynamics(context.Background(), filter, trading.Page{Limit: 5})
		require.NoError(t, err)
		assert.Equal(t, []trading.Result{row}, got)
	}
	n, err := svc.CountResults(context.Background(), trading.ResultsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	next.AssertExpectations(t)
}

func TestCachedDoesNotStoreErrors(t *testing.T) {
	t.Parallel()

	next := &mockService{}
	next.On("CountResults", mock.Anything, trading.ResultsFilter{}).Return(int64(0), errors.New("db down")).Once()
	next.On("CountResults", mock.Anything, trading.ResultsFilter{}).Return(int64(3), nil).Once()

	svc := NewCached(next, cache.NewMemory(4, time.Hour), nil, nil)
	_, err := svc.CountResults(context.Background(), trading.ResultsFilter{})
	require.Error(t, err)
	n, err := svc.CountResults(context.Background(), trading.ResultsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestKeyIsCanonical(t *testing.T) {
	t.Parallel()

	a := Key(RouteDynamics, url.Values{"oil_id": {"A100"}, "delivery_type_id": {"F"}})
	b := Key(RouteDynamics, url.Values{"delivery_type_id": {"F"}, "oil_id": {"A100"}})
	assert.Equal(t, a, b)
	assert.Equal(t, "dynamics:delivery_type_id=F&oil_id=A100", a)
}
