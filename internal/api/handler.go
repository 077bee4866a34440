package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/postback/internal/config"
	"github.com/gyaneshwarpardhi/postback/internal/engine"
	"github.com/gyaneshwarpardhi/postback/internal/filter"
	"github.com/gyaneshwarpardhi/postback/internal/metrics"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
)

// PostbackPath is the path the affiliate network calls.
const PostbackPath = "/api/pocket/postback"

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	loader *config.Loader
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. ctx bounds background
// work such as the rate limiter janitor.
func New(ctx context.Context, eng *engine.Engine, loader *config.Loader) http.Handler {
	h := &Handler{eng: eng, loader: loader, mux: http.NewServeMux()}
	srv := loader.Config().Server

	var postback http.Handler = http.HandlerFunc(h.postback)
	if srv.RateLimitRPS > 0 {
		postback = newRateLimiter(ctx, srv.RateLimitRPS, srv.RateLimitBurst, srv.ProxyHops).middleware(postback)
	}
	h.mux.Handle("GET "+PostbackPath, postback)
	h.mux.Handle("POST "+PostbackPath, postback)
	h.mux.HandleFunc("GET /v1/traders/{id}", h.getStatus)
	h.mux.HandleFunc("POST /v1/traders/{id}/replay", h.replay)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(srv.ProxyHops, securityHeaders(corsMiddleware(srv.CORSOrigins, h.mux)))
}

// postbackResponse is the body returned to the network on success.
type postbackResponse struct {
	OK bool `json:"ok"`
	*engine.Result
}

// GET|POST /api/pocket/postback
func (h *Handler) postback(w http.ResponseWriter, r *http.Request) {
	cfg := h.loader.Config().Server
	if !validSecret(r.URL.Query().Get("secret"), cfg.Secret) {
		writeError(w, http.StatusUnauthorized, "bad_secret")
		return
	}

	raw, err := readPayload(w, r, cfg.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		// Unreadable bodies still get audited as whatever the query carried.
		slog.Warn("postback body ignored", "err", err, "content_type", r.Header.Get("Content-Type"))
	}
	raw["method"] = r.Method

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(cfg.ProcessTimeoutMs)*time.Millisecond)
	defer cancel()

	res, err := h.eng.Ingest(ctx, raw)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, postbackResponse{OK: true, Result: res})
}

// readPayload returns the query values for GET. For POST the body (JSON or
// form) is authoritative and query values fill in keys the body lacks. The
// secret never enters the payload. The returned Raw is never nil.
func readPayload(w http.ResponseWriter, r *http.Request, limit int64) (payload.Raw, error) {
	query := r.URL.Query()
	query.Del("secret")
	fromQuery := payload.FromValues(query)
	if r.Method == http.MethodGet {
		return fromQuery, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(limit); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return fromQuery, err
		}
		return payload.FromValues(r.PostForm).Merge(fromQuery), nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fromQuery, err
	}
	fromBody, err := payload.FromJSON(body)
	if err != nil {
		return fromQuery, err
	}
	return fromBody.Merge(fromQuery), nil
}

// validSecret compares in constant time. An unset secret rejects everything.
func validSecret(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// GET /v1/traders/{id}
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /v1/traders/{id}/replay re-applies the trader's audit log.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	st, n, err := h.eng.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"events": n,
		"status": st,
	})
}

// POST /v1/config/reload re-reads the config file and swaps the inbound filter.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := config.Validate(cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	f, err := filter.Build(cfg.Filters)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.eng.SwapFilter(f)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"reloaded":   true,
		"rules":      f.RuleCount(),
		"affiliates": len(cfg.Filters.Affiliates),
		"campaigns":  len(cfg.Filters.Campaigns),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GET /readyz: 503 if the store is unreachable or the forward queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.ForwardQueueUtilization.Set(util)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.eng.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "store_unavailable",
			"error":  err.Error(),
		})
		return
	}
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}
