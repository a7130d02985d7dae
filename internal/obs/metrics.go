package obs

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry           *prometheus.Registry
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	networkErrors      *prometheus.CounterVec
	cacheStoreFail     *prometheus.CounterVec
	lifecycleEvents    *prometheus.CounterVec
	namespaceDeletions *prometheus.CounterVec
	controlMessages    *prometheus.CounterVec
	notifications      prometheus.Counter
	versionInfo        *prometheus.GaugeVec
	inflight           prometheus.Gauge
	upstreamBreaker    *prometheus.GaugeVec
	mu                 sync.Mutex
	lastNamespace      string
	lastState          string
}

var (
	defaultMetricsMu sync.RWMutex
	defaultMetrics   *Metrics
)

func SetDefaultMetrics(metrics *Metrics) {
	defaultMetricsMu.Lock()
	defaultMetrics = metrics
	defaultMetricsMu.Unlock()
}

func DefaultMetrics() *Metrics {
	defaultMetricsMu.RLock()
	defer defaultMetricsMu.RUnlock()
	return defaultMetrics
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_proxy_requests_total",
		Help: "Total intercepted requests",
	}, []string{"cache_status", "status_class"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_proxy_request_duration_seconds",
		Help:    "Request handling duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache_status"})

	networkErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_proxy_network_errors_total",
		Help: "Total failed network fetches",
	}, []string{"category"})

	cacheStoreFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_proxy_cache_store_fail_total",
		Help: "Total failed background cache writes",
	}, []string{"cache_name"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_proxy_lifecycle_events_total",
		Help: "Total worker lifecycle events",
	}, []string{"event", "result"})

	namespaceDeletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_proxy_namespace_deletions_total",
		Help: "Total stale cache namespace deletions",
	}, []string{"result"})

	controlMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_proxy_control_messages_total",
		Help: "Total control messages received",
	}, []string{"type"})

	notifications := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_proxy_notifications_total",
		Help: "Total notifications shown",
	})

	versionInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_proxy_active_version_info",
		Help: "Active worker version metadata",
	}, []string{"cache_name", "state"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_proxy_inflight_requests",
		Help: "Requests currently being answered",
	})

	upstreamBreaker := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_proxy_upstream_breaker_state",
		Help: "Upstream breaker state, 1 for the current state",
	}, []string{"state"})

	registry.MustRegister(requests, requestDuration, networkErrors, cacheStoreFail, lifecycleEvents, namespaceDeletions, controlMessages, notifications, versionInfo, inflight, upstreamBreaker)

	return &Metrics{
		registry:           registry,
		requests:           requests,
		requestDuration:    requestDuration,
		networkErrors:      networkErrors,
		cacheStoreFail:     cacheStoreFail,
		lifecycleEvents:    lifecycleEvents,
		namespaceDeletions: namespaceDeletions,
		controlMessages:    controlMessages,
		notifications:      notifications,
		versionInfo:        versionInfo,
		inflight:           inflight,
		upstreamBreaker:    upstreamBreaker,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(cacheStatus string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	if cacheStatus == "" {
		cacheStatus = "bypass"
	}
	m.requests.WithLabelValues(cacheStatus, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(cacheStatus).Observe(duration.Seconds())
}

func (m *Metrics) RecordNetworkError(category string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	if category == "" {
		category = "other"
	}
	m.networkErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordCacheStoreFail(cacheName string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.cacheStoreFail.WithLabelValues(cacheName).Inc()
}

func (m *Metrics) RecordLifecycleEvent(event string, result string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.lifecycleEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) RecordNamespaceDeletion(result string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.namespaceDeletions.WithLabelValues(result).Inc()
}

// RecordControlMessage counts a control message; unknown types share one label.
func (m *Metrics) RecordControlMessage(messageType string, known bool) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	if !known {
		messageType = "unknown"
	}
	m.controlMessages.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) SetVersionInfo(cacheName string, state string) {
	if m == nil || cacheName == "" {
		return
	}
	if state == "" {
		state = "unknown"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastNamespace != "" {
		m.versionInfo.WithLabelValues(m.lastNamespace, m.lastState).Set(0)
	}
	m.versionInfo.WithLabelValues(cacheName, state).Set(1)
	m.lastNamespace = cacheName
	m.lastState = state
}

func (m *Metrics) SetInflight(active int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(active))
}

// SetUpstreamBreaker marks state as the current breaker state.
func (m *Metrics) SetUpstreamBreaker(state string) {
	if m == nil {
		return
	}
	for _, known := range []string{"closed", "open", "half_open"} {
		value := 0.0
		if known == state {
			value = 1
		}
		m.upstreamBreaker.WithLabelValues(known).Set(value)
	}
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
