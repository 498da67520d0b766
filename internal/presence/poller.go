package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const maxSnapshotBytes = 1 << 20

// httpDoer is the minimal client surface, substitutable in tests.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Poller periodically fetches a third-party presence endpoint and retains the
// latest raw snapshot. The payload is treated as opaque JSON: it is relayed,
// never interpreted.
type Poller struct {
	client   httpDoer
	url      string
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	snapshot  []byte
	fetchedAt time.Time
}

// NewPoller prepares a poller for the given endpoint.
func NewPoller(client httpDoer, url string, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		client:   client,
		url:      url,
		interval: interval,
		logger:   logger.With(slog.String("agent", "presence")),
	}
}

// Run polls until the context is cancelled. A failed poll keeps the previous
// snapshot; the first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	body, err := p.fetch(ctx)
	if err != nil {
		p.logger.Warn("presence poll failed", slog.Any("error", err))
		return
	}
	p.mu.Lock()
	p.snapshot = body
	p.fetchedAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *Poller) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("presence: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presence: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("presence: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("presence: read: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("presence: payload is not valid JSON")
	}
	return body, nil
}

// Snapshot returns the latest payload and its fetch time.
func (p *Poller) Snapshot() ([]byte, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snapshot == nil {
		return nil, time.Time{}, false
	}
	return append([]byte(nil), p.snapshot...), p.fetchedAt, true
}

// Handler serves the latest snapshot, 503 before the first successful poll.
func (p *Poller) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body, fetchedAt, ok := p.Snapshot()
		if !ok {
			http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Last-Modified", fetchedAt.Format(http.TimeFormat))
		if _, err := w.Write(body); err != nil {
			p.logger.Debug("client write aborted", slog.Any("error", err))
		}
	})
}
