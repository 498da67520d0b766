package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/Hades2548/bloxberg-edge/internal/cache"
	"github.com/Hades2548/bloxberg-edge/internal/config"
	"github.com/Hades2548/bloxberg-edge/internal/grid"
	"github.com/Hades2548/bloxberg-edge/internal/metrics"
	"github.com/Hades2548/bloxberg-edge/internal/proxy"
	"github.com/Hades2548/bloxberg-edge/internal/server"
	"github.com/Hades2548/bloxberg-edge/internal/visitors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildGenerationStoreDefaultsToMemory(t *testing.T) {
	for _, backend := range []string{"", "memory", "MEMORY", "something-else"} {
		store := buildGenerationStore(quietLogger(), config.CacheConfig{Backend: backend})
		require.NotNil(t, store, backend)
		require.NoError(t, store.Store(context.Background(), "v1", "k", cache.StoredResponse{Status: 200}))
		_, ok, err := store.Lookup(context.Background(), "v1", "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestBuildGenerationStoreRedis(t *testing.T) {
	mini := miniredis.RunT(t)
	store := buildGenerationStore(quietLogger(), config.CacheConfig{
		Backend: "redis",
		Redis:   config.RedisCacheConfig{Address: mini.Addr()},
	})
	require.NoError(t, store.Store(context.Background(), "v1", "k", cache.StoredResponse{Status: 200}))
	_, ok, err := store.Lookup(context.Background(), "v1", "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildGenerationStoreRedisFallsBackToMemory(t *testing.T) {
	store := buildGenerationStore(quietLogger(), config.CacheConfig{
		Backend: "redis",
		Redis:   config.RedisCacheConfig{Address: "127.0.0.1:1"},
	})
	require.NotNil(t, store, "unreachable redis must fall back, not crash")
	require.NoError(t, store.Store(context.Background(), "v1", "k", cache.StoredResponse{Status: 200}))
}

func TestResolveManifest(t *testing.T) {
	upstream, err := url.Parse("https://portfolio.example")
	require.NoError(t, err)

	resolved := resolveManifest(upstream, []string{
		"/index.html",
		"style.css",
		"https://fonts.gstatic.example/font.woff2",
	})
	require.Equal(t, []string{
		"https://portfolio.example/index.html",
		"https://portfolio.example/style.css",
		"https://fonts.gstatic.example/font.woff2",
	}, resolved)
}

func TestBuildGridLoop(t *testing.T) {
	valid := config.DefaultConfig().Server.Grid
	recorder := metrics.NewRecorder(nil)

	loop := buildGridLoop(quietLogger(), valid, recorder)
	require.NotNil(t, loop)
	loop.Stop()

	disabled := valid
	disabled.Enabled = false
	require.Nil(t, buildGridLoop(quietLogger(), disabled, recorder))

	badDirection := valid
	badDirection.Direction = "sideways"
	require.Nil(t, buildGridLoop(quietLogger(), badDirection, recorder))

	badColor := valid
	badColor.FadeColor = "not-a-color"
	require.Nil(t, buildGridLoop(quietLogger(), badColor, recorder))

	badDims := valid
	badDims.Width = 0
	require.Nil(t, buildGridLoop(quietLogger(), badDims, recorder))
}

// TestEdgeEndToEnd assembles the full handler stack in-process and walks the
// install/activate/serve flow over real HTTP.
func TestEdgeEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>portfolio</html>"))
		case "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	logger := quietLogger()
	recorder := metrics.NewRecorder(nil)
	store := cache.NewMemory()
	httpClient := &http.Client{Timeout: 5 * time.Second}
	lifecycle := proxy.NewLifecycle(store, httpClient, logger, recorder, 1<<20)

	manifest := []string{upstream.URL + "/index.html", upstream.URL + "/style.css"}
	tag := cache.HashTag("v1", manifest)
	require.NoError(t, lifecycle.Refresh(context.Background(), tag, manifest))

	cacheProxy := proxy.New(proxy.Options{
		Lifecycle: lifecycle,
		Store:     store,
		Client:    httpClient,
		Upstream:  upstreamURL,
		Allowlist: proxy.NewAllowlist(upstreamURL.Host, nil),
		MaxBody:   1 << 20,
		Logger:    logger,
		Metrics:   recorder,
	})

	visitorStore, err := visitors.Open(":memory:")
	require.NoError(t, err)
	defer visitorStore.Close()

	renderer, err := grid.New(grid.Config{SquareSize: 40}, 200, 150)
	require.NoError(t, err)
	gridLoop := grid.NewLoop(renderer, grid.NewImageSurface(renderer.PixelSize()), 30, nil)

	router := server.NewRouter(server.RouterOptions{
		Proxy:         cacheProxy,
		Asset:         http.HandlerFunc(cacheProxy.ServeAsset),
		Grid:          gridLoop,
		Visitors:      visitorStore,
		VisitorCookie: "bloxberg_visitor",
		Lifecycle:     lifecycle,
		Logger:        logger,
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", router)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := httpexpect.Default(t, srv.URL)

	e.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("status", "ok").
		HasValue("phase", "active").
		HasValue("generation", tag)

	// Manifest assets were seeded during install, so the first request over
	// the wire is already a hit.
	indexResp := e.GET("/index.html").Expect().
		Status(http.StatusOK)
	indexResp.Header("X-Cache").IsEqual("HIT")
	indexResp.Body().Contains("portfolio")

	// An unseeded path misses, then the write-behind store turns it into a hit.
	e.GET("/").Expect().
		Status(http.StatusOK).
		Header("X-Cache").IsEqual("MISS")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := store.Lookup(context.Background(), tag, cache.RequestKey(http.MethodGet, upstream.URL+"/")); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.GET("/").Expect().
		Status(http.StatusOK).
		Header("X-Cache").IsEqual("HIT")

	e.POST("/visit").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("firstSeen", true).
		HasValue("visitors", 1).
		HasValue("visits", 1)

	e.GET("/bg.png").Expect().
		Status(http.StatusOK).
		Header("Content-Type").IsEqual("image/png")

	e.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains("bloxberg_proxy_requests_total")

	e.GET("/asset").WithQuery("url", "https://cdn.evil.test/x.js").Expect().
		Status(http.StatusBadRequest)
}
