package proxycheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forwardProxy answers absolute-form requests as an HTTP proxy would, without dialing out.
func forwardProxy(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "example.test", r.URL.Host)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"origin":"10.0.0.1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckSeparatesWorkingProxies(t *testing.T) {
	t.Parallel()

	var goodHits, badHits atomic.Int32
	good := forwardProxy(t, http.StatusOK, &goodHits)
	bad := forwardProxy(t, http.StatusForbidden, &badHits)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	c, err := New(Config{TargetURL: "http://example.test/ip", Workers: 50, Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxWorkers, c.cfg.Workers)

	results, err := c.Check(context.Background(), []string{good.URL, bad.URL, closedURL})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.ErrorContains(t, results[1].Err, "403")
	assert.False(t, results[2].OK)
	assert.Equal(t, []string{good.URL}, Working(results))
	assert.Equal(t, int32(1), goodHits.Load())
	assert.Equal(t, int32(1), badHits.Load())
}

func TestCheckCanceled(t *testing.T) {
	t.Parallel()

	c, err := New(Config{TargetURL: "http://example.test/ip"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Check(ctx, []string{"http://127.0.0.1:1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadTarget(t *testing.T) {
	t.Parallel()

	_, err := New(Config{TargetURL: "not a url"}, nil)
	require.Error(t, err)
}

func TestReadListAndWriteFile(t *testing.T) {
	t.Parallel()

	proxies, err := ReadList(strings.NewReader("# list\n10.0.0.1:3128\n\nsocks5://10.0.0.2:1080\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://10.0.0.1:3128", "socks5://10.0.0.2:1080"}, proxies)

	path := filepath.Join(t.TempDir(), "out", "working_proxies.txt")
	require.NoError(t, WriteFile(path, proxies))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:3128\nsocks5://10.0.0.2:1080\n", string(raw))

	again, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, proxies, again)
}
