package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Hades2548/bloxberg-edge/internal/cache"
	"github.com/Hades2548/bloxberg-edge/internal/metrics"
)

// hop-by-hop headers are connection-scoped and never stored or replayed.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Proxy intercepts requests for the upstream origin and allow-listed external
// assets, serving from the current generation when possible and populating it
// write-behind from network responses.
type Proxy struct {
	lifecycle *Lifecycle
	store     cache.GenerationStore
	client    httpDoer
	upstream  *url.URL
	allow     Allowlist
	maxBody   int64
	logger    *slog.Logger
	rec       *metrics.Recorder
}

// Options collects the proxy collaborators.
type Options struct {
	Lifecycle *Lifecycle
	Store     cache.GenerationStore
	Client    httpDoer
	Upstream  *url.URL
	Allowlist Allowlist
	MaxBody   int64
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// New wires the interception handler.
func New(opts Options) *Proxy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		lifecycle: opts.Lifecycle,
		store:     opts.Store,
		client:    opts.Client,
		upstream:  opts.Upstream,
		allow:     opts.Allowlist,
		maxBody:   opts.MaxBody,
		logger:    logger.With(slog.String("agent", "proxy")),
		rec:       opts.Metrics,
	}
}

// ServeHTTP handles same-origin traffic: the request path is replayed against
// the upstream origin through the caching policy.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *p.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery
	p.intercept(w, r, target.String(), "origin")
}

// ServeAsset handles the external-asset route: /asset?url=<absolute URL>.
// Only allow-listed hosts are served; anything else is refused rather than
// forwarded, since an edge has no browser to fall back to and an unchecked
// forward would make it an open proxy.
func (p *Proxy) ServeAsset(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		p.rec.ObserveProxy("asset", metrics.ProxyOutcomeRejected, 0)
		http.Error(w, "asset: absolute http(s) url parameter required", http.StatusBadRequest)
		return
	}
	if !p.allow.AllowsExternal(target.Host) {
		p.rec.ObserveProxy("asset", metrics.ProxyOutcomeRejected, 0)
		p.logger.Warn("asset host not allow-listed", slog.String("host", target.Host))
		http.Error(w, "asset: host not allow-listed", http.StatusBadRequest)
		return
	}
	p.intercept(w, r, target.String(), "asset")
}

// intercept applies the caching policy to a single request/target pair.
func (p *Proxy) intercept(w http.ResponseWriter, r *http.Request, target, route string) {
	start := time.Now()

	if r.Method != http.MethodGet {
		p.forward(w, r, target, route, start)
		return
	}

	key := cache.RequestKey(r.Method, target)
	generation := p.lifecycle.Current()

	if generation != "" {
		lookupStart := time.Now()
		stored, ok, err := p.store.Lookup(r.Context(), generation, key)
		switch {
		case err != nil:
			p.rec.ObserveCache(metrics.CacheOperationLookup, "error", time.Since(lookupStart))
			p.logger.Error("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		case ok:
			p.rec.ObserveCache(metrics.CacheOperationLookup, "hit", time.Since(lookupStart))
			p.writeStored(w, stored)
			p.rec.ObserveProxy(route, metrics.ProxyOutcomeHit, time.Since(start))
			return
		default:
			p.rec.ObserveCache(metrics.CacheOperationLookup, "miss", time.Since(lookupStart))
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		p.rec.ObserveProxy(route, metrics.ProxyOutcomeError, time.Since(start))
		http.Error(w, fmt.Sprintf("proxy: build request: %v", err), http.StatusInternalServerError)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		// The network layer is the only place failures stay user-visible; no
		// substitute content is synthesized.
		p.rec.ObserveProxy(route, metrics.ProxyOutcomeError, time.Since(start))
		http.Error(w, fmt.Sprintf("proxy: upstream fetch: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		p.rec.ObserveProxy(route, metrics.ProxyOutcomeError, time.Since(start))
		http.Error(w, fmt.Sprintf("proxy: upstream read: %v", err), http.StatusBadGateway)
		return
	}
	oversized := int64(len(body)) > p.maxBody

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		p.logger.Debug("client write aborted", slog.Any("error", err))
	} else if oversized {
		if _, err := io.Copy(w, resp.Body); err != nil {
			p.logger.Debug("client stream aborted", slog.Any("error", err))
		}
	}

	if generation == "" || !cacheable(resp, oversized) {
		p.rec.ObserveProxy(route, metrics.ProxyOutcomeBypass, time.Since(start))
		return
	}

	stored := cache.StoredResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    append([]byte(nil), body...),
	}
	// Write-behind: the response is already on the wire, so a failed store is
	// logged and never surfaces to the caller.
	go func() {
		storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		storeStart := time.Now()
		if err := p.store.Store(storeCtx, generation, key, stored); err != nil {
			p.rec.ObserveCache(metrics.CacheOperationStore, "error", time.Since(storeStart))
			p.logger.Error("cache store failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		p.rec.ObserveCache(metrics.CacheOperationStore, "stored", time.Since(storeStart))
	}()
	p.rec.ObserveProxy(route, metrics.ProxyOutcomeMiss, time.Since(start))
}

// forward replays a non-GET request upstream without touching the cache.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, target, route string, start time.Time) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		p.rec.ObserveProxy(route, metrics.ProxyOutcomeError, time.Since(start))
		http.Error(w, fmt.Sprintf("proxy: build request: %v", err), http.StatusInternalServerError)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		p.rec.ObserveProxy(route, metrics.ProxyOutcomeError, time.Since(start))
		http.Error(w, fmt.Sprintf("proxy: upstream fetch: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("client stream aborted", slog.Any("error", err))
	}
	p.rec.ObserveProxy(route, metrics.ProxyOutcomeBypass, time.Since(start))
}

func (p *Proxy) writeStored(w http.ResponseWriter, stored cache.StoredResponse) {
	for k, v := range stored.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(stored.Status)
	if len(stored.Body) > 0 {
		if _, err := w.Write(stored.Body); err != nil {
			p.logger.Debug("client write aborted", slog.Any("error", err))
		}
	}
}

// cacheable is the server-side analog of the opaque-response rule: anything
// that cannot be safely duplicated or validated is delivered but never stored.
func cacheable(resp *http.Response, oversized bool) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	if oversized {
		return false
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-store") {
		return false
	}
	return true
}

func copyRequestHeaders(dst, src http.Header) {
	for k, values := range src {
		if _, skip := hopByHop[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, values := range src {
		if _, skip := hopByHop[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// flattenHeaders keeps the first value per header for storage; replayed
// responses do not need multi-value fidelity for static assets.
func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, values := range h {
		if _, skip := hopByHop[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		if len(values) > 0 {
			flat[k] = values[0]
		}
	}
	return flat
}
