package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	courier "github.com/glimte/courier-go"
	"github.com/glimte/courier-go/deadletter"
	"github.com/glimte/courier-go/monitor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxIngestBody = 1 << 20

type enqueuer interface {
	Enqueue(payload courier.Event) error
}

type deadLetterReader interface {
	GetMetrics(ctx context.Context) (deadletter.Metrics, error)
	List(ctx context.Context) ([]deadletter.Record[courier.Event], error)
}

// newRouter wires ingest, dead-letter and monitoring endpoints
func newRouter(pipeline enqueuer, registry *monitor.Registry, exporter monitor.Exporter, deadLetters deadLetterReader) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	monitor.Mount(r, registry, exporter, 5*time.Second)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", ingestHandler(pipeline))
		r.Get("/deadletters", deadLettersHandler(deadLetters))
		r.Get("/deadletters/metrics", deadLetterMetricsHandler(deadLetters))
	})
	return r
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ingestHandler accepts one event or an array of events. Events are
// validated before any is enqueued; enqueueing stops at the first refusal.
func ingestHandler(pipeline enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, ingestResponse{Error: err.Error()})
			return
		}

		events, err := decodeEvents(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ingestResponse{Error: err.Error()})
			return
		}

		correlationID := middleware.GetReqID(r.Context())
		now := time.Now().UTC()
		for i := range events {
			fillDefaults(&events[i], correlationID, now)
			if err := events[i].Validate(); err != nil {
				writeJSON(w, http.StatusBadRequest, ingestResponse{Error: err.Error()})
				return
			}
		}

		for i, e := range events {
			if err := pipeline.Enqueue(e); err != nil {
				status := http.StatusInternalServerError
				switch {
				case errors.Is(err, courier.ErrQueueFull), errors.Is(err, courier.ErrBackpressure):
					status = http.StatusTooManyRequests
					w.Header().Set("Retry-After", "1")
				case errors.Is(err, courier.ErrPipelineClosed):
					status = http.StatusServiceUnavailable
				}
				writeJSON(w, status, ingestResponse{Accepted: i, Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(events)})
	}
}

func decodeEvents(body []byte) ([]courier.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var events []courier.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("invalid event array: %w", err)
		}
		if len(events) == 0 {
			return nil, errors.New("no events")
		}
		return events, nil
	}
	var e courier.Event
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return []courier.Event{e}, nil
}

func fillDefaults(e *courier.Event, correlationID string, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Severity == "" {
		e.Severity = courier.SeverityInfo
	}
	if e.CorrelationID == "" {
		e.CorrelationID = correlationID
	}
}

func deadLetterMetricsHandler(store deadLetterReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics, err := store.GetMetrics(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, metrics)
	}
}

func deadLettersHandler(store deadLetterReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := store.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
