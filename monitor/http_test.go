package monitor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type exporterFunc func(format string) (string, error)

func (f exporterFunc) ExportMetrics(format string) (string, error) { return f(format) }

func TestRouter(t *testing.T) {
	registry := NewRegistry()
	registry.Register(staticChecker("queue", StatusHealthy))

	collector := NewCollector("courier")
	collector.RegisterCounter("items_delivered_total", "Items delivered")
	collector.Inc("items_delivered_total")

	router := NewRouter(registry, exporterFunc(collector.Export), time.Second)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	assert.Equal(t, "ready", get("/readyz").Body.String())
	assert.Equal(t, "alive", get("/livez").Body.String())

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# TYPE courier_items_delivered_total counter")

	rec = get("/metrics.json")
	assert.Contains(t, rec.Body.String(), `"items_delivered_total": 1`)

	broken := NewRouter(registry, exporterFunc(func(string) (string, error) {
		return "", errors.New("collector unavailable")
	}), time.Second)
	rec = httptest.NewRecorder()
	broken.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
