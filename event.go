package courier

import (
	"time"

	"github.com/glimte/courier-go/internal/reliability"
	"github.com/google/uuid"
)

// Severity grades an event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is an audit or log record carried by the pipeline. Well-known
// attributes have typed fields; anything else goes in Extra.
type Event struct {
	ID            string            `json:"id" msgpack:"id"`
	Type          string            `json:"type" msgpack:"type"`
	Source        string            `json:"source" msgpack:"source"`
	Timestamp     time.Time         `json:"timestamp" msgpack:"timestamp"`
	Severity      Severity          `json:"severity,omitempty" msgpack:"severity,omitempty"`
	Actor         string            `json:"actor,omitempty" msgpack:"actor,omitempty"`
	Action        string            `json:"action,omitempty" msgpack:"action,omitempty"`
	Resource      string            `json:"resource,omitempty" msgpack:"resource,omitempty"`
	Outcome       string            `json:"outcome,omitempty" msgpack:"outcome,omitempty"`
	Message       string            `json:"message,omitempty" msgpack:"message,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
	Extra         map[string]string `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time
func NewEvent(eventType, source string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Severity:  SeverityInfo,
	}
}

// Validate checks the required fields. Failures are permanent.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return reliability.NewValidationError("event id is required")
	case e.Type == "":
		return reliability.NewValidationError("event %s: type is required", e.ID)
	case e.Source == "":
		return reliability.NewValidationError("event %s: source is required", e.ID)
	case e.Timestamp.IsZero():
		return reliability.NewValidationError("event %s: timestamp is required", e.ID)
	}
	switch e.Severity {
	case "", SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return reliability.NewValidationError("event %s: unknown severity %q", e.ID, e.Severity)
	}
	return nil
}

// Key identifies the event in dead-letter records
func (e Event) Key() string { return e.ID }

// WithExtra returns a copy of e with key set in Extra
func (e Event) WithExtra(key, value string) Event {
	extra := make(map[string]string, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	e.Extra = extra
	return e
}
