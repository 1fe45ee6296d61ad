package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/spimex-pipeline/internal/fetcher"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

const resultsURL = "https://spimex.com/markets/oil_products/trades/results/"

func item(date, href string) string {
	var b strings.Builder
	b.WriteString(`<div class="accordeon-inner__item"><div class="accordeon-inner__header">`)
	if href != "" {
		fmt.Fprintf(&b, `<a class="accordeon-inner__item-title link xls" href=%q>Бюллетень</a>`, href)
	}
	if date != "" {
		fmt.Fprintf(&b, `<div class="accordeon-inner__item-inner__title"><p>Дата торгов: <span>%s</span></p></div>`, date)
	}
	b.WriteString(`</div></div>`)
	return b.String()
}

func listingPage(next string, items ...string) string {
	pager := ""
	if next != "" {
		pager = fmt.Sprintf(`<ul class="bx-pagination"><li class="bx-pag-next"><a href=%q>След.</a></li></ul>`, next)
	}
	return "<html><body>" + strings.Join(items, "") + pager + "</body></html>"
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParserExtractsLinksAndNext(t *testing.T) {
	t.Parallel()

	parser, err := NewParser("https://spimex.com")
	require.NoError(t, err)

	html := listingPage("?page=page-2",
		item("05.06.2024", "/upload/reports/oil_xls/oil_xls_20240605162000.xls?r=1"),
		item("", "/upload/reports/oil_xls/oil_xls_20240604162000.xls"),
		item("03.06.2024", ""),
	)
	page, err := parser.Parse(mustURL(t, resultsURL), strings.NewReader(html))
	require.NoError(t, err)

	require.Len(t, page.Links, 3)
	assert.Equal(t, trading.Link{
		TradeDate: "05.06.2024",
		URL:       "https://spimex.com/upload/reports/oil_xls/oil_xls_20240605162000.xls?r=1",
	}, page.Links[0])
	assert.Empty(t, page.Links[1].TradeDate)
	assert.Empty(t, page.Links[2].URL)
	assert.Equal(t, resultsURL+"?page=page-2", page.Next)
}

func TestParserDateFallsBackToItemText(t *testing.T) {
	t.Parallel()

	parser := &Parser{}
	html := `<div class="accordeon-inner__item"><a class="accordeon-inner__item-title link xls" href="/a.xls">a</a><p>Торги 01.02.2024</p></div>`
	page, err := parser.Parse(mustURL(t, "https://spimex.com/x/"), strings.NewReader(html))
	require.NoError(t, err)
	require.Len(t, page.Links, 1)
	assert.Equal(t, "01.02.2024", page.Links[0].TradeDate)
	assert.Equal(t, "https://spimex.com/a.xls", page.Links[0].URL)
	assert.Empty(t, page.Next)
}

func TestFilterLinks(t *testing.T) {
	t.Parallel()

	kept, filtered := FilterLinks([]trading.Link{
		{TradeDate: "05.06.2024", URL: "https://a"},
		{TradeDate: "31.12.2022", URL: "https://b"},
		{TradeDate: "2024-06-05", URL: "https://c"},
		{TradeDate: "", URL: "https://d"},
		{TradeDate: "02.01.2023", URL: "https://e"},
	}, 2023)

	require.Len(t, kept, 2)
	assert.Equal(t, "https://a", kept[0].URL)
	assert.Equal(t, "https://e", kept[1].URL)
	assert.Equal(t, Filtered{Stale: 1, Malformed: 1, Incomplete: 1}, filtered)
}

type pageFetcher struct {
	pages map[string]string
	fail  map[string]error
	calls []string
}

func (f *pageFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	f.calls = append(f.calls, req.URL)
	if err, ok := f.fail[req.URL]; ok {
		return fetcher.Response{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return fetcher.Response{}, &fetcher.StatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return fetcher.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type memoryLinks struct {
	mu    sync.Mutex
	links []trading.Link
	err   error
}

func (m *memoryLinks) Append(_ context.Context, links []trading.Link) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, links...)
	return nil
}

func newCrawler(t *testing.T, f fetcher.Fetcher, store LinkAppender, cfg Config) *Crawler {
	t.Helper()
	parser, err := NewParser("https://spimex.com")
	require.NoError(t, err)
	return NewCrawler(f, parser, store, cfg, zaptest.NewLogger(t))
}

func TestCrawlStopsAfterStalePage(t *testing.T) {
	t.Parallel()

	page2 := resultsURL + "?page=page-2"
	f := &pageFetcher{pages: map[string]string{
		resultsURL: listingPage("?page=page-2",
			item("10.01.2023", "/r/1.xls"),
			item("09.01.2023", "/r/2.xls"),
		),
		page2: listingPage("?page=page-3",
			item("02.01.2023", "/r/3.xls"),
			item("30.12.2022", "/r/4.xls"),
		),
	}}
	store := &memoryLinks{}

	stats, err := newCrawler(t, f, store, Config{MinYear: 2023}).Crawl(context.Background(), resultsURL)
	require.NoError(t, err)

	assert.Equal(t, StopStale, stats.StopReason)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 3, stats.Stored)
	assert.Equal(t, 1, stats.Stale)
	assert.Equal(t, []string{resultsURL, page2}, f.calls)
	require.Len(t, store.links, 3)
	assert.Equal(t, "02.01.2023", store.links[2].TradeDate)
}

func TestCrawlHonorsMaxPages(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{pages: map[string]string{
		resultsURL: listingPage("?page=page-2", item("10.01.2024", "/r/1.xls")),
	}}
	stats, err := newCrawler(t, f, &memoryLinks{}, Config{MinYear: 2023, MaxPages: 1}).Crawl(context.Background(), resultsURL)
	require.NoError(t, err)
	assert.Equal(t, StopMaxPages, stats.StopReason)
	assert.Len(t, f.calls, 1)
}

func TestCrawlFetchFailureEndsCleanly(t *testing.T) {
	t.Parallel()

	page2 := resultsURL + "?page=page-2"
	f := &pageFetcher{
		pages: map[string]string{resultsURL: listingPage("?page=page-2", item("10.01.2024", "/r/1.xls"))},
		fail:  map[string]error{page2: errors.New("connection refused")},
	}
	store := &memoryLinks{}
	stats, err := newCrawler(t, f, store, Config{MinYear: 2023}).Crawl(context.Background(), resultsURL)
	require.NoError(t, err)
	assert.Equal(t, StopFetchError, stats.StopReason)
	assert.Equal(t, 1, stats.Stored)
	assert.Len(t, store.links, 1)
}

func TestCrawlDetectsPaginationLoop(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{pages: map[string]string{
		resultsURL: listingPage(resultsURL, item("10.01.2024", "/r/1.xls")),
	}}
	stats, err := newCrawler(t, f, &memoryLinks{}, Config{MinYear: 2023}).Crawl(context.Background(), resultsURL)
	require.NoError(t, err)
	assert.Equal(t, StopLoop, stats.StopReason)
	assert.Equal(t, 1, stats.Pages)
}

func TestCrawlReturnsCheckpointError(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{pages: map[string]string{
		resultsURL: listingPage("", item("10.01.2024", "/r/1.xls")),
	}}
	_, err := newCrawler(t, f, &memoryLinks{err: errors.New("disk full")}, Config{MinYear: 2023}).Crawl(context.Background(), resultsURL)
	require.ErrorContains(t, err, "disk full")
}

func TestCrawlCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newCrawler(t, &pageFetcher{}, &memoryLinks{}, Config{}).Crawl(ctx, resultsURL)
	require.ErrorIs(t, err, context.Canceled)
}
