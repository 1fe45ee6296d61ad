package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://Spimex.com/markets/oil_products/", "spimex.com"},
		{"no scheme", "spimex.com/upload/reports", "spimex.com"},
		{"host with port", "spimex.com:8080", "spimex.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if listingPagesTotal == nil || downloadsTotal == nil || rowsTotal == nil ||
		httpRequestsTotal == nil || cacheRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(rowsCounter("loader", "inserted"))
	ObserveRows("loader", "inserted", 2)
	ObserveRows("loader", "inserted", 0)
	if got := testutil.ToFloat64(rowsCounter("loader", "inserted")); got != before+2 {
		t.Fatalf("expected rows counter to grow by 2, got %f -> %f", before, got)
	}

	Init()
	hitsBefore := testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("dynamics", "hit"))
	ObserveCache("dynamics", true)
	if got := testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("dynamics", "hit")); got != hitsBefore+1 {
		t.Fatalf("expected cache hit counter to grow by 1, got %f", got)
	}

	ObserveStage("crawl", 3*time.Second)
	if n := testutil.CollectAndCount(stageDurationSeconds); n == 0 {
		t.Fatal("expected stage duration to be observed")
	}
}

func rowsCounter(stage, outcome string) prometheus.Counter {
	Init()
	return rowsTotal.WithLabelValues(stage, outcome)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"https://spimex.com", "http://example.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
