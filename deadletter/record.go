// Package deadletter keeps a durable record of payloads that permanently
// failed delivery and raises alerts when they pile up.
package deadletter

import (
	"sort"
	"time"

	"github.com/glimte/courier-go/internal/reliability"
)

// Attempt is one failed delivery attempt
type Attempt = reliability.AttemptRecord

// Metadata carries diagnostic details about a failure
type Metadata struct {
	ErrorStack    string            `json:"errorStack,omitempty"`
	RetryHistory  []Attempt         `json:"retryHistory"`
	CorrelationID string            `json:"correlationId,omitempty"`
	BatchID       string            `json:"batchId,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Record is a permanently failed payload. Records are immutable once
// written; resolving one removes it from the store.
type Record[T any] struct {
	ID               string    `json:"id"`
	OriginalPayload  T         `json:"originalPayload"`
	FailureReason    string    `json:"failureReason"`
	FailureCount     int       `json:"failureCount"`
	FirstFailureTime time.Time `json:"firstFailureTime"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	OriginalQueueID  string    `json:"originalQueueId,omitempty"`
	OriginalJobID    string    `json:"originalJobId,omitempty"`
	Metadata         Metadata  `json:"metadata"`
}

// ReasonCount is a failure reason and how often it occurred
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Metrics summarises the records currently held by the store
type Metrics struct {
	TotalEvents       int           `json:"totalEvents"`
	EventsToday       int           `json:"eventsToday"`
	OldestEvent       *time.Time    `json:"oldestEvent,omitempty"`
	TopFailureReasons []ReasonCount `json:"topFailureReasons"`
	Timestamp         time.Time     `json:"timestamp"`
}

// maxTopReasons bounds Metrics.TopFailureReasons
const maxTopReasons = 10

// computeMetrics scans records in insertion order
func computeMetrics[T any](records []Record[T], now time.Time) Metrics {
	m := Metrics{
		TotalEvents:       len(records),
		TopFailureReasons: []ReasonCount{},
		Timestamp:         now,
	}

	y, mo, d := now.Date()
	startOfDay := time.Date(y, mo, d, 0, 0, 0, 0, now.Location())

	index := make(map[string]int)
	for _, r := range records {
		if !r.LastFailureTime.Before(startOfDay) {
			m.EventsToday++
		}
		if m.OldestEvent == nil || r.FirstFailureTime.Before(*m.OldestEvent) {
			t := r.FirstFailureTime
			m.OldestEvent = &t
		}
		if i, ok := index[r.FailureReason]; ok {
			m.TopFailureReasons[i].Count++
			continue
		}
		index[r.FailureReason] = len(m.TopFailureReasons)
		m.TopFailureReasons = append(m.TopFailureReasons, ReasonCount{Reason: r.FailureReason, Count: 1})
	}

	// stable sort keeps first-seen order for ties
	sort.SliceStable(m.TopFailureReasons, func(i, j int) bool {
		return m.TopFailureReasons[i].Count > m.TopFailureReasons[j].Count
	})
	if len(m.TopFailureReasons) > maxTopReasons {
		m.TopFailureReasons = m.TopFailureReasons[:maxTopReasons]
	}
	return m
}
