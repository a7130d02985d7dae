// Package control exposes the worker's client-facing message channel and
// the privileged sync, push and inspection endpoints under /_worker/.
package control

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/lifecycle"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/proxy"
	"offline_cache_proxy/internal/worker"
)

// PathPrefix is where the control endpoints are mounted.
const PathPrefix = "/_worker/"

const maxPayloadBytes = 4 << 10

type HandlerConfig struct {
	Registration *lifecycle.Registration
	Store        cache.Store
	Auth         *Authenticator
	RateLimiter  *RateLimiter
	Metrics      *obs.Metrics
}

type handler struct {
	registration *lifecycle.Registration
	store        cache.Store
	auth         *Authenticator
	rateLimiter  *RateLimiter
	metrics      *obs.Metrics
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		registration: cfg.Registration,
		store:        cfg.Store,
		auth:         cfg.Auth,
		rateLimiter:  cfg.RateLimiter,
		metrics:      cfg.Metrics,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathPrefix+"message", h.handleMessage)
	mux.HandleFunc("GET "+PathPrefix+"notifications", h.handleNotifications)
	mux.Handle("POST "+PathPrefix+"sync", h.privileged(h.handleSync))
	mux.Handle("POST "+PathPrefix+"push", h.privileged(h.handlePush))
	mux.Handle("GET "+PathPrefix+"state", h.privileged(h.handleState))
	mux.Handle("GET "+PathPrefix+"metrics", h.privileged(h.metrics.Handler().ServeHTTP))
	h.mux = mux
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if requestID == "" {
		requestID = proxy.NewRequestID()
		if requestID == "" {
			requestID = time.Now().UTC().Format("20060102150405.000000000")
		}
	}
	r.Header.Set(proxy.RequestIDHeader, requestID)
	w.Header().Set(proxy.RequestIDHeader, requestID)

	if !h.rateLimiter.Allow(r.RemoteAddr) {
		writeError(w, requestID, http.StatusTooManyRequests, "rate_limited")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *handler) privileged(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(proxy.RequestIDHeader)
		if err := h.auth.Authenticate(r); err != nil {
			h.rateLimiter.RecordFailure(r.RemoteAddr)
			log.Printf("control auth failed path=%s remote=%s authorization=%s", r.URL.Path, r.RemoteAddr, obs.RedactHeaderValue("Authorization", r.Header.Get("Authorization")))
			status := http.StatusUnauthorized
			message := "unauthorized"
			var authErr *AuthError
			if errors.As(err, &authErr) {
				status = authErr.Status
				message = authErr.Message
			}
			writeError(w, requestID, status, message)
			return
		}
		h.rateLimiter.ResetFailures(r.RemoteAddr)
		next(w, r)
	})
}

type messageResponse struct {
	Type    string `json:"type,omitempty"`
	Handled bool   `json:"handled"`
	Version uint64 `json:"version"`
}

// handleMessage delivers a client message to the newest version: the waiting
// one when there is one, so that SKIP_WAITING can promote it.
func (h *handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	var msg worker.Message
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid message")
		return
	}

	target := h.registration.Waiting()
	if target == nil {
		target = h.registration.Active()
	}
	if target == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "no worker installed")
		return
	}
	handled := target.Engine().OnMessage(r.Context(), target, msg)
	writeJSON(w, requestID, http.StatusAccepted, messageResponse{Type: msg.Type, Handled: handled, Version: target.ID()})
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (h *handler) handleSync(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil || req.Tag == "" {
		writeError(w, requestID, http.StatusBadRequest, "sync tag required")
		return
	}
	active := h.registration.Active()
	if active == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "no active worker")
		return
	}
	handled := active.Engine().OnSync(r.Context(), req.Tag)
	writeJSON(w, requestID, http.StatusAccepted, messageResponse{Handled: handled, Version: active.ID()})
}

func (h *handler) handlePush(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		writeError(w, requestID, http.StatusRequestEntityTooLarge, "push payload too large")
		return
	}
	active := h.registration.Active()
	if active == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "no active worker")
		return
	}
	if len(payload) == 0 {
		payload = nil
	}
	shown, err := active.Engine().OnPush(r.Context(), active, payload)
	if err != nil {
		writeError(w, requestID, http.StatusInternalServerError, "notification failed")
		return
	}
	writeJSON(w, requestID, http.StatusCreated, shown)
}

func (h *handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, requestID, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	writeJSON(w, requestID, http.StatusOK, map[string]interface{}{
		"notifications": h.registration.Notifications().Recent(limit),
	})
}

type stateResponse struct {
	lifecycle.Snapshot
	Namespaces []string `json:"namespaces"`
}

func (h *handler) handleState(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	resp := stateResponse{Snapshot: h.registration.Snapshot(), Namespaces: []string{}}
	if h.store != nil {
		names, err := h.store.Namespaces(r.Context())
		if err != nil {
			writeError(w, requestID, http.StatusInternalServerError, "list caches failed")
			return
		}
		resp.Namespaces = names
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes))
	return decoder.Decode(target)
}

func writeError(w http.ResponseWriter, requestID string, status int, message string) {
	writeJSON(w, requestID, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, requestID string, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(proxy.RequestIDHeader, requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
