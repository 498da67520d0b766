package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Hades2548/bloxberg-edge/internal/cache"
	"github.com/Hades2548/bloxberg-edge/internal/config"
	"github.com/Hades2548/bloxberg-edge/internal/grid"
	"github.com/Hades2548/bloxberg-edge/internal/logging"
	"github.com/Hades2548/bloxberg-edge/internal/metrics"
	"github.com/Hades2548/bloxberg-edge/internal/presence"
	"github.com/Hades2548/bloxberg-edge/internal/proxy"
	"github.com/Hades2548/bloxberg-edge/internal/server"
	"github.com/Hades2548/bloxberg-edge/internal/visitors"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "BLOXBERG", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	store := buildGenerationStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	upstream, err := cfg.UpstreamURL()
	if err != nil {
		logger.Error("unable to parse upstream origin", slog.Any("error", err))
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.Server.Upstream.TimeoutSeconds) * time.Second}
	lifecycle := proxy.NewLifecycle(store, httpClient, logger, recorder, cfg.Server.Cache.MaxBodyBytes)

	manifest := resolveManifest(upstream, cfg.Server.Cache.Manifest)
	if len(manifest) > 0 {
		tag := cache.HashTag(cfg.Server.Cache.Version, manifest)
		if err := lifecycle.Refresh(ctx, tag, manifest); err != nil {
			// The previous generation (if any) keeps serving; a later deploy or
			// manifest edit retries the install.
			logger.Error("initial install failed", slog.String("generation", tag), slog.Any("error", err))
		}
	} else {
		logger.Warn("no cache manifest configured, proxy starts without a generation")
	}

	var manifestWatcher *config.ManifestWatcher
	if cfg.Server.Cache.ManifestFile != "" {
		watcher, err := loader.WatchManifest(ctx, cfg, func(entries []string) {
			entries = resolveManifest(upstream, entries)
			tag := cache.HashTag(cfg.Server.Cache.Version, entries)
			if err := lifecycle.Refresh(ctx, tag, entries); err != nil {
				logger.Error("manifest reload install failed", slog.String("generation", tag), slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			manifestWatcher = watcher
			defer manifestWatcher.Stop()
		}
	}

	allowlist := proxy.NewAllowlist(upstream.Host, cfg.Server.Cache.AllowedHosts)
	cacheProxy := proxy.New(proxy.Options{
		Lifecycle: lifecycle,
		Store:     store,
		Client:    httpClient,
		Upstream:  upstream,
		Allowlist: allowlist,
		MaxBody:   cfg.Server.Cache.MaxBodyBytes,
		Logger:    logger,
		Metrics:   recorder,
	})

	var presenceHandler http.Handler
	if cfg.Server.Presence.URL != "" {
		poller := presence.NewPoller(httpClient, cfg.Server.Presence.URL,
			time.Duration(cfg.Server.Presence.IntervalSeconds)*time.Second, logger)
		go poller.Run(ctx)
		presenceHandler = poller.Handler()
	}

	var visitorStore *visitors.Store
	if cfg.Server.Visitors.DatabaseFile != "" {
		visitorStore, err = visitors.Open(cfg.Server.Visitors.DatabaseFile)
		if err != nil {
			logger.Error("visitor store setup failed", slog.Any("error", err))
		} else {
			defer func() {
				if err := visitorStore.Close(); err != nil {
					logger.Error("visitor store shutdown failed", slog.Any("error", err))
				}
			}()
		}
	}

	gridLoop := buildGridLoop(logger, cfg.Server.Grid, recorder)
	if gridLoop != nil {
		gridLoop.Start()
		defer gridLoop.Stop()
	}

	router := server.NewRouter(server.RouterOptions{
		Proxy:         cacheProxy,
		Asset:         http.HandlerFunc(cacheProxy.ServeAsset),
		Presence:      presenceHandler,
		Grid:          gridLoop,
		Visitors:      visitorStore,
		VisitorCookie: cfg.Server.Visitors.CookieName,
		Lifecycle:     lifecycle,
		Logger:        logger,
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", router)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// resolveManifest turns relative manifest entries into absolute URLs against
// the upstream origin, so fetched assets land under the same keys the proxy
// looks up when serving those paths.
func resolveManifest(upstream *url.URL, entries []string) []string {
	resolved := make([]string, 0, len(entries))
	for _, entry := range entries {
		ref, err := url.Parse(entry)
		if err != nil {
			continue
		}
		resolved = append(resolved, upstream.ResolveReference(ref).String())
	}
	return resolved
}

func buildGenerationStore(logger *slog.Logger, cfg config.CacheConfig) cache.GenerationStore {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory generation store")
		}
		return cache.NewMemory()
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisOptions{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSOptions{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis generation store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis generation store", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}

// buildGridLoop assembles the background renderer. Any invalid knob disables
// the feature with a warning; the rest of the service keeps running.
func buildGridLoop(logger *slog.Logger, cfg config.GridConfig, recorder *metrics.Recorder) *grid.Loop {
	if !cfg.Enabled {
		return nil
	}
	direction, err := grid.ParseDirection(cfg.Direction)
	if err != nil {
		logger.Warn("grid disabled", slog.Any("error", err))
		return nil
	}
	borderColor, err := grid.ParseHexColor(cfg.BorderColor)
	if err != nil {
		logger.Warn("grid disabled", slog.Any("error", err))
		return nil
	}
	hoverColor, err := grid.ParseHexColor(cfg.HoverFillColor)
	if err != nil {
		logger.Warn("grid disabled", slog.Any("error", err))
		return nil
	}
	fadeColor, err := grid.ParseHexColor(cfg.FadeColor)
	if err != nil {
		logger.Warn("grid disabled", slog.Any("error", err))
		return nil
	}
	renderer, err := grid.New(grid.Config{
		Direction:      direction,
		Speed:          cfg.Speed,
		SquareSize:     cfg.SquareSize,
		BorderColor:    borderColor,
		HoverFillColor: hoverColor,
		FadeColor:      fadeColor,
		Scale:          cfg.Scale,
	}, cfg.Width, cfg.Height)
	if err != nil {
		logger.Warn("grid disabled", slog.Any("error", err))
		return nil
	}
	pw, ph := renderer.PixelSize()
	surface := grid.NewImageSurface(pw, ph)
	return grid.NewLoop(renderer, surface, cfg.FPS, recorder.ObserveGridFrame)
}
