package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hades2548/bloxberg-edge/internal/cache"
	"github.com/Hades2548/bloxberg-edge/internal/metrics"
)

type countingUpstream struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func newCountingUpstream(t *testing.T) *countingUpstream {
	t.Helper()
	up := &countingUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		up.hits.Add(1)
		switch r.URL.Path {
		case "/no-store":
			w.Header().Set("Cache-Control", "no-store")
			_, _ = w.Write([]byte("volatile"))
		case "/teapot":
			http.Error(w, "short and stout", http.StatusTeapot)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>portfolio</html>"))
		}
	})
	up.srv = httptest.NewServer(mux)
	t.Cleanup(up.srv.Close)
	return up
}

func newTestProxy(t *testing.T, up *countingUpstream, store cache.GenerationStore) (*Proxy, *Lifecycle) {
	t.Helper()
	upstream, err := url.Parse(up.srv.URL)
	require.NoError(t, err)

	lc := newTestLifecycle(store)
	p := New(Options{
		Lifecycle: lc,
		Store:     store,
		Client:    http.DefaultClient,
		Upstream:  upstream,
		Allowlist: NewAllowlist(upstream.Host, []string{"googleapis.com", "gstatic.com", "fontawesome.com"}),
		MaxBody:   1 << 20,
		Logger:    discardLogger(),
		Metrics:   metrics.NewRecorder(nil),
	})
	return p, lc
}

// waitForStore polls until the write-behind store lands or the deadline hits.
func waitForStore(t *testing.T, store cache.GenerationStore, gen, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := store.Lookup(context.Background(), gen, key); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry %q never reached generation %q", key, gen)
}

func TestSecondRequestServedFromCache(t *testing.T) {
	up := newCountingUpstream(t)
	store := cache.NewMemory()
	p, lc := newTestProxy(t, up, store)
	require.NoError(t, lc.Activate(context.Background(), "v1"))

	first := httptest.NewRecorder()
	p.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "MISS", first.Header().Get("X-Cache"))
	require.Equal(t, "<html>portfolio</html>", first.Body.String())

	waitForStore(t, store, "v1", cache.RequestKey(http.MethodGet, up.srv.URL+"/"))

	second := httptest.NewRecorder()
	p.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "HIT", second.Header().Get("X-Cache"))
	require.Equal(t, "<html>portfolio</html>", second.Body.String())
	require.Equal(t, "text/html", second.Header().Get("Content-Type"))

	require.EqualValues(t, 1, up.hits.Load(), "second request must not touch the network")
}

func TestPostRequestsNeverCached(t *testing.T) {
	up := newCountingUpstream(t)
	store := cache.NewMemory()
	p, lc := newTestProxy(t, up, store)
	require.NoError(t, lc.Activate(context.Background(), "v1"))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Give any (incorrect) write-behind a moment to land.
	time.Sleep(50 * time.Millisecond)
	size, err := store.Size(context.Background(), "v1")
	require.NoError(t, err)
	require.Zero(t, size, "POST must bypass the cache entirely")
}

func TestNonSuccessResponsesNotCached(t *testing.T) {
	up := newCountingUpstream(t)
	store := cache.NewMemory()
	p, lc := newTestProxy(t, up, store)
	require.NoError(t, lc.Activate(context.Background(), "v1"))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	time.Sleep(50 * time.Millisecond)
	size, err := store.Size(context.Background(), "v1")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestNoStoreResponsesNotCached(t *testing.T) {
	up := newCountingUpstream(t)
	store := cache.NewMemory()
	p, lc := newTestProxy(t, up, store)
	require.NoError(t, lc.Activate(context.Background(), "v1"))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no-store", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "volatile", rec.Body.String())

	time.Sleep(50 * time.Millisecond)
	size, err := store.Size(context.Background(), "v1")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestNoGenerationMeansStraightFetch(t *testing.T) {
	up := newCountingUpstream(t)
	store := cache.NewMemory()
	p, _ := newTestProxy(t, up, store)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.EqualValues(t, 2, up.hits.Load())

	tags, err := store.Generations(context.Background())
	require.NoError(t, err)
	require.Empty(t, tags, "nothing may be stored before a generation is current")
}

func TestUpstreamErrorPropagates(t *testing.T) {
	up := newCountingUpstream(t)
	store := cache.NewMemory()
	p, lc := newTestProxy(t, up, store)
	require.NoError(t, lc.Activate(context.Background(), "v1"))
	up.srv.Close()

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

type failingStore struct {
	cache.GenerationStore
}

func (f *failingStore) Store(context.Context, string, string, cache.StoredResponse) error {
	return errors.New("disk full")
}

func TestStoreFailureDoesNotAffectDelivery(t *testing.T) {
	up := newCountingUpstream(t)
	store := &failingStore{GenerationStore: cache.NewMemory()}
	p, lc := newTestProxy(t, up, store)
	require.NoError(t, lc.Activate(context.Background(), "v1"))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>portfolio</html>", rec.Body.String())
}

func TestAssetRouteRejectsUnlistedHosts(t *testing.T) {
	up := newCountingUpstream(t)
	store := cache.NewMemory()
	p, lc := newTestProxy(t, up, store)
	require.NoError(t, lc.Activate(context.Background(), "v1"))

	rec := httptest.NewRecorder()
	p.ServeAsset(rec, httptest.NewRequest(http.MethodGet, "/asset?url="+url.QueryEscape("https://cdn.evil.test/x.css"), nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	p.ServeAsset(rec, httptest.NewRequest(http.MethodGet, "/asset?url=not-a-url", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	time.Sleep(50 * time.Millisecond)
	size, err := store.Size(context.Background(), "v1")
	require.NoError(t, err)
	require.Zero(t, size, "rejected requests must never appear in the store")
}

func TestAssetRouteServesAllowlistedHost(t *testing.T) {
	fontSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("@font-face{}"))
	}))
	t.Cleanup(fontSrv.Close)
	fontURL, err := url.Parse(fontSrv.URL)
	require.NoError(t, err)

	up := newCountingUpstream(t)
	store := cache.NewMemory()
	upstream, err := url.Parse(up.srv.URL)
	require.NoError(t, err)

	lc := newTestLifecycle(store)
	// The stub's loopback host stands in for a font CDN on the allow list.
	p := New(Options{
		Lifecycle: lc,
		Store:     store,
		Client:    http.DefaultClient,
		Upstream:  upstream,
		Allowlist: NewAllowlist(upstream.Host, []string{fontURL.Hostname()}),
		MaxBody:   1 << 20,
		Logger:    discardLogger(),
		Metrics:   metrics.NewRecorder(nil),
	})
	require.NoError(t, lc.Activate(context.Background(), "v1"))

	target := fontSrv.URL + "/css2"
	rec := httptest.NewRecorder()
	p.ServeAsset(rec, httptest.NewRequest(http.MethodGet, "/asset?url="+url.QueryEscape(target), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Equal(t, "@font-face{}", string(body))

	waitForStore(t, store, "v1", cache.RequestKey(http.MethodGet, target))
}
