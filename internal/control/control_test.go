package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/lifecycle"
	"offline_cache_proxy/internal/notify"
	"offline_cache_proxy/internal/obs"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 2, Now: clock.Now})

	assert.True(t, limiter.Allow("10.0.0.1:5000"))
	assert.True(t, limiter.Allow("10.0.0.1:5001"))
	assert.False(t, limiter.Allow("10.0.0.1:5002"), "burst exhausted for the same ip")
	assert.True(t, limiter.Allow("10.0.0.2:5000"), "other clients keep their own bucket")

	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1:5003"))
}

func TestRateLimiterBlocksRepeatedFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := NewRateLimiter(RateLimitConfig{RPS: 100, Burst: 100, MaxFailures: 3, BlockDuration: time.Minute, Now: clock.Now})

	for i := 0; i < 3; i++ {
		limiter.RecordFailure("10.0.0.1:5000")
	}
	assert.False(t, limiter.Allow("10.0.0.1:5000"))

	clock.Advance(time.Minute)
	assert.True(t, limiter.Allow("10.0.0.1:5000"))
}

func TestNilRateLimiterAllows(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RPS: -1})
	assert.Nil(t, limiter)
	assert.True(t, limiter.Allow("10.0.0.1:5000"))
	limiter.RecordFailure("10.0.0.1:5000")
}

func TestAuthenticator(t *testing.T) {
	req := func(header string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/_worker/state", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	var authErr *AuthError
	err := NewAuthenticator("").Authenticate(req("Bearer anything"))
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusServiceUnavailable, authErr.Status)

	auth := NewAuthenticator(" secret ")
	require.ErrorAs(t, auth.Authenticate(req("")), &authErr)
	assert.Equal(t, "token required", authErr.Message)
	require.ErrorAs(t, auth.Authenticate(req("Bearer nope")), &authErr)
	assert.Equal(t, "token invalid", authErr.Message)
	assert.NoError(t, auth.Authenticate(req("Bearer secret")))
}

func newTestHandler(token string, limiter *RateLimiter) (http.Handler, *lifecycle.Registration) {
	registration := lifecycle.NewRegistration(notify.NewCenter(4, nil))
	handler := NewHandler(HandlerConfig{
		Registration: registration,
		Store:        cache.NewMemoryStore(0),
		Auth:         NewAuthenticator(token),
		RateLimiter:  limiter,
		Metrics:      obs.NewMetrics(),
	})
	return handler, registration
}

func TestMessageWithoutWorker(t *testing.T) {
	handler, _ := newTestHandler("secret", nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/_worker/message", strings.NewReader(`{"type":"SKIP_WAITING"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.NotEmpty(t, recorder.Header().Get("X-Request-Id"))
}

func TestStateRequiresToken(t *testing.T) {
	handler, _ := newTestHandler("secret", nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/_worker/state", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	req := httptest.NewRequest(http.MethodGet, "/_worker/state", nil)
	req.Header.Set("Authorization", "Bearer secret")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var state struct {
		Retired    int      `json:"retired"`
		Namespaces []string `json:"namespaces"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &state))
	assert.Empty(t, state.Namespaces)
	assert.Zero(t, state.Retired)
}

func TestRateLimitedControlRequests(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	handler, _ := newTestHandler("secret", NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 1, Now: clock.Now}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/_worker/notifications", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/_worker/notifications", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestNotificationsRejectsBadLimit(t *testing.T) {
	handler, _ := newTestHandler("secret", nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/_worker/notifications?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
