package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Hades2548/bloxberg-edge/internal/cache"
	"github.com/Hades2548/bloxberg-edge/internal/metrics"
)

// Phase names the lifecycle states of the cache proxy.
type Phase string

const (
	// PhaseIdle means no generation has been installed yet.
	PhaseIdle Phase = "idle"
	// PhaseInstalling means a generation is being seeded from the manifest.
	PhaseInstalling Phase = "installing"
	// PhaseActivating means stale generations are being evicted.
	PhaseActivating Phase = "activating"
	// PhaseActive means the current generation is serving lookups.
	PhaseActive Phase = "active"
)

// httpDoer is the minimal HTTP client surface the proxy needs, kept narrow so
// tests can substitute counting stubs.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Lifecycle drives install/activate transitions over the generation store.
// Exactly one generation is current at any time; installs are all-or-nothing
// and activation evicts every other generation. Transitions are not
// re-entrant: a second install or activate while one is running is refused.
type Lifecycle struct {
	store   cache.GenerationStore
	client  httpDoer
	logger  *slog.Logger
	rec     *metrics.Recorder
	maxBody int64

	mu      sync.Mutex
	phase   Phase
	current string
}

// NewLifecycle prepares the lifecycle agent in the idle phase.
func NewLifecycle(store cache.GenerationStore, client httpDoer, logger *slog.Logger, rec *metrics.Recorder, maxBody int64) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:   store,
		client:  client,
		logger:  logger.With(slog.String("agent", "lifecycle")),
		rec:     rec,
		maxBody: maxBody,
		phase:   PhaseIdle,
	}
}

// Current returns the active generation tag, or empty before the first
// successful install/activate cycle.
func (l *Lifecycle) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Phase returns the lifecycle phase for health reporting.
func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Install seeds the generation tag with every manifest asset. The seed is
// all-or-nothing: any fetch failure aborts the install, any partial writes
// are deleted, and the previously current generation keeps serving.
func (l *Lifecycle) Install(ctx context.Context, tag string, manifest []string) error {
	if len(manifest) == 0 {
		return errors.New("proxy: install requires a manifest")
	}

	l.mu.Lock()
	if l.phase == PhaseInstalling || l.phase == PhaseActivating {
		l.mu.Unlock()
		return fmt.Errorf("proxy: install refused during %s phase", l.phase)
	}
	if l.current == tag {
		// Redundant watcher events land here; the tag encodes the manifest
		// hash so the installed content is already what was asked for.
		l.mu.Unlock()
		l.logger.Debug("install skipped, generation already current", slog.String("generation", tag))
		return nil
	}
	prior := l.phase
	l.phase = PhaseInstalling
	l.mu.Unlock()

	restore := func() {
		l.mu.Lock()
		l.phase = prior
		l.mu.Unlock()
	}

	responses := make([]cache.StoredResponse, len(manifest))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, asset := range manifest {
		eg.Go(func() error {
			resp, err := l.fetchAsset(egCtx, asset)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		restore()
		l.rec.ObserveLifecycle(metrics.LifecycleInstall, "error")
		l.logger.Error("install failed, generation discarded", slog.String("generation", tag), slog.Any("error", err))
		return fmt.Errorf("proxy: install %s: %w", tag, err)
	}

	for i, asset := range manifest {
		key := cache.RequestKey(http.MethodGet, asset)
		if err := l.store.Store(ctx, tag, key, responses[i]); err != nil {
			if delErr := l.store.DeleteGeneration(ctx, tag); delErr != nil {
				l.logger.Error("partial generation cleanup failed", slog.String("generation", tag), slog.Any("error", delErr))
			}
			restore()
			l.rec.ObserveLifecycle(metrics.LifecycleInstall, "error")
			return fmt.Errorf("proxy: install %s: store %s: %w", tag, asset, err)
		}
	}

	l.mu.Lock()
	l.phase = prior
	l.mu.Unlock()
	l.rec.ObserveLifecycle(metrics.LifecycleInstall, "ok")
	l.logger.Info("generation installed", slog.String("generation", tag), slog.Int("assets", len(manifest)))
	return nil
}

// Activate makes tag the current generation and deletes every other stored
// generation. Repeated activation of the same tag is a no-op beyond the
// (empty) eviction sweep.
func (l *Lifecycle) Activate(ctx context.Context, tag string) error {
	l.mu.Lock()
	if l.phase == PhaseInstalling || l.phase == PhaseActivating {
		l.mu.Unlock()
		return fmt.Errorf("proxy: activate refused during %s phase", l.phase)
	}
	prior := l.phase
	l.phase = PhaseActivating
	l.mu.Unlock()

	// On failure the previously current generation keeps serving, so the
	// phase it was reported under is restored too.
	restore := func() {
		l.mu.Lock()
		l.phase = prior
		l.mu.Unlock()
	}

	tags, err := l.store.Generations(ctx)
	if err != nil {
		restore()
		l.rec.ObserveLifecycle(metrics.LifecycleActivate, "error")
		return fmt.Errorf("proxy: activate %s: enumerate generations: %w", tag, err)
	}
	for _, stale := range tags {
		if stale == tag {
			continue
		}
		if err := l.store.DeleteGeneration(ctx, stale); err != nil {
			restore()
			l.rec.ObserveLifecycle(metrics.LifecycleActivate, "error")
			return fmt.Errorf("proxy: activate %s: evict %s: %w", tag, stale, err)
		}
		l.logger.Info("stale generation evicted", slog.String("generation", stale))
	}

	l.mu.Lock()
	l.current = tag
	l.phase = PhaseActive
	l.mu.Unlock()
	l.rec.ObserveLifecycle(metrics.LifecycleActivate, "ok")
	l.logger.Info("generation activated", slog.String("generation", tag))
	return nil
}

// Refresh runs an install/activate cycle for the tag. A failed install leaves
// the previous generation serving.
func (l *Lifecycle) Refresh(ctx context.Context, tag string, manifest []string) error {
	if err := l.Install(ctx, tag, manifest); err != nil {
		return err
	}
	return l.Activate(ctx, tag)
}

func (l *Lifecycle) fetchAsset(ctx context.Context, asset string) (cache.StoredResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return cache.StoredResponse{}, fmt.Errorf("request %s: %w", asset, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return cache.StoredResponse{}, fmt.Errorf("fetch %s: %w", asset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cache.StoredResponse{}, fmt.Errorf("fetch %s: status %d", asset, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBody+1))
	if err != nil {
		return cache.StoredResponse{}, fmt.Errorf("read %s: %w", asset, err)
	}
	if int64(len(body)) > l.maxBody {
		return cache.StoredResponse{}, fmt.Errorf("fetch %s: body exceeds %d bytes", asset, l.maxBody)
	}
	return cache.StoredResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    body,
	}, nil
}
