package resultsfile

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

func sampleResult() trading.Result {
	return trading.Result{
		ExchangeProductID:   "A100ANK060F",
		ExchangeProductName: "Бензин (АИ-100-К5), ст. Ангарск",
		OilID:               "A100",
		DeliveryBasisID:     "ANK",
		DeliveryBasisName:   "ст. Ангарск-группа станций",
		DeliveryTypeID:      "F",
		Volume:              60,
		Total:               5400000,
		Count:               1,
		Date:                time.Date(2024, time.June, 5, 0, 0, 0, 0, time.UTC),
	}
}

func TestWriterAppendsAcrossRuns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "raw", "trading_results.csv")
	for i := 0; i < 2; i++ {
		w, err := Create(path, false)
		require.NoError(t, err)
		require.NoError(t, w.Write([]trading.Result{sampleResult()}))
		require.NoError(t, w.Close())
	}

	r, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var got []trading.Result
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, row)
	}
	assert.Equal(t, []trading.Result{sampleResult(), sampleResult()}, got)

	w, err := Create(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	r2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = r2.Close() }()
	_, err = r2.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRowErrors(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"date,count,volume,total,exchange_product_id,exchange_product_name,oil_id,delivery_basis_id,delivery_basis_name,delivery_type_id,id",
		"05.06.2024,1,60,5400000,A100ANK060F,Бензин,A100,ANK,Ангарск,F,7",
		"2024-06-05,1,60,5400000,A100ANK060F,Бензин,A100,ANK,Ангарск,F,8",
		"05.06.2024,x,60,5400000,A100ANK060F,Бензин,A100,ANK,Ангарск,F,9",
		"05.06.2024,1,60,5400000,A100ANK060F,,A100,ANK,Ангарск,F,10",
		"05.06.2024,2,,,DT1ASAN065J,ДТ,DT1A,SAN,Стенькино,J,11",
	}, "\n")

	r, err := NewReader(strings.NewReader(input))
	require.NoError(t, err)

	row, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "A100ANK060F", row.ExchangeProductID)

	for _, line := range []int{3, 4, 5} {
		_, err := r.Next()
		var rowErr *RowError
		require.True(t, errors.As(err, &rowErr))
		assert.Equal(t, line, rowErr.Line)
	}

	row, err = r.Next()
	require.NoError(t, err)
	assert.Zero(t, row.Volume)
	assert.Equal(t, int64(2), row.Count)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderStripsByteOrderMark(t *testing.T) {
	t.Parallel()

	want := sampleResult()
	input := "\ufeff" + strings.Join(Columns, ",") + "\n" + strings.Join(quoteAll(Encode(want)), ",") + "\n"
	r, err := NewReader(strings.NewReader(input))
	require.NoError(t, err)

	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, want.ExchangeProductID, got.ExchangeProductID)
	assert.Equal(t, want.Date, got.Date)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func quoteAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return out
}

func TestReaderRejectsMissingHeaderColumns(t *testing.T) {
	t.Parallel()

	_, err := NewReader(strings.NewReader("exchange_product_id,date\n"))
	require.ErrorContains(t, err, "oil_id")
}
