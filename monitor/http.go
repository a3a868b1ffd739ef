package monitor

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Exporter renders metrics in a named format
type Exporter interface {
	ExportMetrics(format string) (string, error)
}

// Mount adds the health and metrics endpoints to r:
//
//	GET /healthz       full JSON health report
//	GET /readyz        200 unless a component is unhealthy
//	GET /livez         always 200
//	GET /metrics       Prometheus text
//	GET /metrics.json  JSON metrics
func Mount(r chi.Router, registry *Registry, exporter Exporter, checkTimeout time.Duration) {
	r.Method(http.MethodGet, "/healthz", NewHandler(registry, checkTimeout))
	r.Get("/readyz", ReadinessHandler(registry, checkTimeout))
	r.Get("/livez", LivenessHandler())
	r.Get("/metrics", metricsHandler(exporter, FormatPrometheus, "text/plain; version=0.0.4"))
	r.Get("/metrics.json", metricsHandler(exporter, FormatJSON, "application/json"))
}

// NewRouter returns a chi router serving only the monitoring endpoints
func NewRouter(registry *Registry, exporter Exporter, checkTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	Mount(r, registry, exporter, checkTimeout)
	return r
}

func metricsHandler(exporter Exporter, format, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := exporter.ExportMetrics(format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}
