package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) *CheckerFunc {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistryCheck(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker("a", StatusHealthy))
		r.Register(staticChecker("b", StatusDegraded))

		health := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.True(t, health.Healthy())
		assert.Equal(t, "b", health.Checks["b"].Name)

		r.Register(staticChecker("c", StatusUnhealthy))
		health = r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.False(t, health.Healthy())

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})

	t.Run("panicking checks are unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("bad", func(ctx context.Context) CheckResult {
			panic("boom")
		}))

		health := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Checks["bad"].Status)
	})

	t.Run("metadata is reported", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("version", "1.2.3")
		assert.Equal(t, "1.2.3", r.Check(context.Background()).Metadata["version"])
	})
}

func TestHealthHandlers(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker("queue", StatusDegraded))

	rec := httptest.NewRecorder()
	NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "degraded"`)

	rec = httptest.NewRecorder()
	ReadinessHandler(r, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	r.Register(staticChecker("breaker", StatusUnhealthy))
	rec = httptest.NewRecorder()
	NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	ReadinessHandler(r, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
