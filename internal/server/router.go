package server

import (
	"encoding/json"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Hades2548/bloxberg-edge/internal/grid"
	"github.com/Hades2548/bloxberg-edge/internal/proxy"
	"github.com/Hades2548/bloxberg-edge/internal/visitors"
)

// LifecycleState is the minimal surface health reporting needs from the
// cache proxy lifecycle.
type LifecycleState interface {
	Phase() proxy.Phase
	Current() string
}

// RouterOptions collects the handlers the router dispatches to. Nil optional
// collaborators disable their routes rather than failing construction.
type RouterOptions struct {
	Proxy         http.Handler
	Asset         http.Handler
	Presence      http.Handler
	Grid          *grid.Loop
	Visitors      *visitors.Store
	VisitorCookie string
	Lifecycle     LifecycleState
	Logger        *slog.Logger
}

// NewRouter wires URL dispatch for the edge: service routes first, the cache
// proxy as the catch-all.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "router"))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]string{"status": "ok"}
		if opts.Lifecycle != nil {
			payload["phase"] = string(opts.Lifecycle.Phase())
			payload["generation"] = opts.Lifecycle.Current()
		}
		writeJSON(w, http.StatusOK, payload, logger)
	})

	if opts.Grid != nil {
		mux.HandleFunc("GET /bg.png", func(w http.ResponseWriter, r *http.Request) {
			applyPointerParams(opts.Grid, r)
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-store")
			if err := png.Encode(w, opts.Grid.Snapshot()); err != nil {
				logger.Debug("background encode aborted", slog.Any("error", err))
			}
		})
	}

	if opts.Presence != nil {
		mux.Handle("GET /presence", opts.Presence)
	}

	if opts.Visitors != nil {
		cookieName := opts.VisitorCookie
		if cookieName == "" {
			cookieName = "bloxberg_visitor"
		}
		mux.HandleFunc("GET /visit", func(w http.ResponseWriter, r *http.Request) {
			totals, err := opts.Visitors.Totals(r.Context())
			if err != nil {
				logger.Error("visitor totals failed", slog.Any("error", err))
				http.Error(w, "visitor totals unavailable", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, totals, logger)
		})
		mux.HandleFunc("POST /visit", func(w http.ResponseWriter, r *http.Request) {
			visitorID := ""
			if cookie, err := r.Cookie(cookieName); err == nil {
				visitorID = cookie.Value
			}
			if visitorID == "" {
				visitorID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    visitorID,
					Path:     "/",
					MaxAge:   365 * 24 * 60 * 60,
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			firstSeen, err := opts.Visitors.RecordVisit(r.Context(), visitorID)
			if err != nil {
				logger.Error("visit record failed", slog.Any("error", err))
				http.Error(w, "visit not recorded", http.StatusInternalServerError)
				return
			}
			totals, err := opts.Visitors.Totals(r.Context())
			if err != nil {
				logger.Error("visitor totals failed", slog.Any("error", err))
				http.Error(w, "visitor totals unavailable", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"firstSeen": firstSeen,
				"visitors":  totals.Visitors,
				"visits":    totals.Visits,
			}, logger)
		})
	}

	if opts.Asset != nil {
		mux.Handle("GET /asset", opts.Asset)
	}

	if opts.Proxy != nil {
		mux.Handle("/", opts.Proxy)
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		})
	}

	return mux
}

// applyPointerParams lets callers drive the hover state through the image
// endpoint: px/py place the pointer, leave clears it.
func applyPointerParams(loop *grid.Loop, r *http.Request) {
	q := r.URL.Query()
	if q.Get("leave") != "" {
		loop.PointerLeft()
		return
	}
	rawX, rawY := q.Get("px"), q.Get("py")
	if rawX == "" || rawY == "" {
		return
	}
	px, errX := strconv.ParseFloat(rawX, 64)
	py, errY := strconv.ParseFloat(rawY, 64)
	if errX != nil || errY != nil {
		return
	}
	loop.PointerMoved(px, py)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("client write aborted", slog.Any("error", err))
	}
}
