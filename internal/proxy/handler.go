// Package proxy turns inbound HTTP requests into fetch events for the active
// worker version and writes the outcome back to the client.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/lifecycle"
	"offline_cache_proxy/internal/limits"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/runtime"
	"offline_cache_proxy/internal/worker"
)

// Network fetches requests that bypass the worker.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*fetch.Response, error)
}

type Handler struct {
	// Origin is the public origin; relative request targets resolve to it.
	Origin       *url.URL
	Registration *lifecycle.Registration
	Network      Network
	Limits       limits.Limits
	Metrics      *obs.Metrics
	Inflight     *runtime.InflightTracker
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "proxy not ready", http.StatusServiceUnavailable)
		return
	}
	start := time.Now()
	requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if requestID == "" {
		requestID = NewRequestID()
	}

	ctx := obs.StartTrace(r.Context(), r)
	ctx = WithRequestID(ctx, requestID)
	ctx, span := obs.Tracer().Start(ctx, "proxy.request")
	defer span.End()
	r = r.WithContext(ctx)

	defer h.Inflight.Begin()()

	recorder := NewResponseRecorder(w, requestID)
	reqCtx := obs.RequestContext{
		RequestID:   requestID,
		Method:      r.Method,
		Host:        r.Host,
		Path:        r.URL.Path,
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		BytesIn:     max(r.ContentLength, 0),
		UserAgent:   r.UserAgent(),
		RemoteAddr:  r.RemoteAddr,
	}
	defer func() {
		reqCtx.Status = recorder.Status()
		if !recorder.WroteHeader() && recorder.ErrorCategory() == "client_canceled" {
			reqCtx.Status = 499
		}
		reqCtx.CacheStatus = recorder.CacheStatus()
		reqCtx.ErrorCategory = recorder.ErrorCategory()
		reqCtx.BytesOut = recorder.BytesWritten()
		reqCtx.Duration = time.Since(start)
		span.SetAttributes(
			attribute.String("cache.status", reqCtx.CacheStatus),
			attribute.Int("http.status_code", reqCtx.Status),
		)
		if reqCtx.ErrorCategory != "" {
			span.SetStatus(codes.Error, reqCtx.ErrorCategory)
		}
		h.Metrics.ObserveRequest(reqCtx.CacheStatus, reqCtx.Status, reqCtx.Duration)
		obs.LogAccess(reqCtx)
	}()

	if h.Origin == nil || h.Registration == nil || h.Network == nil {
		WriteProxyError(recorder, requestID, http.StatusServiceUnavailable, "not_ready", "proxy not ready")
		return
	}
	if violation := h.Limits.Check(r); violation != nil {
		WriteProxyError(recorder, requestID, violation.Status, violation.Category, violation.Message)
		return
	}
	h.Limits.LimitBody(recorder, r)

	outbound := h.fetchRequest(r)

	version := h.Registration.Controller(outbound)
	if version == nil {
		recorder.SetCacheStatus(CacheStatusBypass)
		h.forward(recorder, outbound, requestID)
		return
	}
	defer h.Registration.Release(version)
	reqCtx.Controlled = true
	reqCtx.CacheName = version.CacheName()

	obs.MarkPhase(ctx, "worker_fetch_start")
	result, err := version.Engine().OnFetch(ctx, outbound)
	obs.MarkPhase(ctx, "worker_fetch_end")
	if errors.Is(err, worker.ErrNotHandled) {
		recorder.SetCacheStatus(CacheStatusPassthrough)
		h.forward(recorder, outbound, requestID)
		return
	}
	if err != nil {
		recorder.SetCacheStatus(CacheStatusMiss)
		span.RecordError(err)
		writeFetchError(recorder, r, requestID, err)
		return
	}
	recorder.SetCacheStatus(string(result.Source))
	writeResponse(recorder, result.Response)
}

// forward sends a request the worker does not control straight to the
// network.
func (h *Handler) forward(w *ResponseRecorder, req *http.Request, requestID string) {
	resp, err := h.Network.Fetch(req.Context(), req)
	if err != nil {
		h.Metrics.RecordNetworkError(fetch.Category(err))
		writeFetchError(w, req, requestID, err)
		return
	}
	writeResponse(w, resp)
}

// fetchRequest builds the request the worker sees: the same request with an
// absolute URL on the public origin. An origin-form path is always kept on
// the origin, even when it starts with "//".
func (h *Handler) fetchRequest(r *http.Request) *http.Request {
	target := r.URL
	if !target.IsAbs() {
		target = &url.URL{
			Scheme:   h.Origin.Scheme,
			Host:     h.Origin.Host,
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		}
	}
	outbound := r.Clone(r.Context())
	outbound.URL = target
	outbound.Host = target.Host
	outbound.RequestURI = ""
	return outbound
}

func writeResponse(w *ResponseRecorder, resp *fetch.Response) {
	defer resp.Body.Close()
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	if _, err := io.Copy(w, resp.Body); err != nil {
		w.SetErrorCategory("response_write")
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
