package monitor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/courier-go/deadletter"
	"github.com/glimte/courier-go/internal/reliability"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Courier-Signature"

// AlertPayload is the JSON body posted for a dead-letter alert
type AlertPayload struct {
	Service   string             `json:"service"`
	Level     string             `json:"level"`
	Message   string             `json:"message"`
	Metrics   deadletter.Metrics `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`

	// Slack-compatible text, set when the handler uses Slack format
	Text string `json:"text,omitempty"`
}

// WebhookAlertHandler posts dead-letter alerts to a webhook endpoint
type WebhookAlertHandler struct {
	service     string
	url         string
	secret      string
	slackFormat bool
	client      *http.Client
	policy      reliability.RetryPolicy
	logger      *slog.Logger
}

// NewWebhookAlertHandler creates a handler posting to url
func NewWebhookAlertHandler(service, url string, logger *slog.Logger) *WebhookAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookAlertHandler{
		service: service,
		url:     url,
		logger:  logger,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2, 4),
	}
}

// WithSecret signs request bodies with secret
func (w *WebhookAlertHandler) WithSecret(secret string) *WebhookAlertHandler {
	w.secret = secret
	return w
}

// WithRetryPolicy sets how failed posts are retried
func (w *WebhookAlertHandler) WithRetryPolicy(policy reliability.RetryPolicy) *WebhookAlertHandler {
	w.policy = policy
	return w
}

// WithTimeout sets the request timeout
func (w *WebhookAlertHandler) WithTimeout(timeout time.Duration) *WebhookAlertHandler {
	w.client.Timeout = timeout
	return w
}

// WithSlackFormat adds a Slack-compatible text field
func (w *WebhookAlertHandler) WithSlackFormat() *WebhookAlertHandler {
	w.slackFormat = true
	return w
}

// HandleAlert implements deadletter.AlertHandler
func (w *WebhookAlertHandler) HandleAlert(ctx context.Context, metrics deadletter.Metrics) error {
	payload := w.formatPayload(metrics)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	err = reliability.Retry(ctx, w.policy, func() error {
		return w.send(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.url, err)
	}
	w.logger.Debug("Alert webhook sent", "service", w.service, "totalEvents", metrics.TotalEvents)
	return nil
}

func (w *WebhookAlertHandler) formatPayload(metrics deadletter.Metrics) AlertPayload {
	msg := fmt.Sprintf("%d dead-lettered items (%d today)", metrics.TotalEvents, metrics.EventsToday)
	if len(metrics.TopFailureReasons) > 0 {
		top := metrics.TopFailureReasons[0]
		msg += fmt.Sprintf("; top reason %q x%d", top.Reason, top.Count)
	}

	payload := AlertPayload{
		Service:   w.service,
		Level:     "warning",
		Message:   msg,
		Metrics:   metrics,
		Timestamp: metrics.Timestamp,
	}
	if w.slackFormat {
		payload.Text = fmt.Sprintf(":warning: *%s*: %s", w.service, msg)
	}
	return payload
}

func (w *WebhookAlertHandler) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier-Alerts/1.0")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return reliability.RetryableError{Err: fmt.Errorf("failed to send request: %w", err), Retryable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return reliability.RetryableError{Err: fmt.Errorf("webhook returned status %d", resp.StatusCode), Retryable: true}
	default:
		return reliability.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LogAlertHandler logs alerts
type LogAlertHandler struct {
	logger *slog.Logger
}

// NewLogAlertHandler creates a log alert handler
func NewLogAlertHandler(logger *slog.Logger) *LogAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlertHandler{logger: logger}
}

// HandleAlert implements deadletter.AlertHandler
func (l *LogAlertHandler) HandleAlert(ctx context.Context, metrics deadletter.Metrics) error {
	l.logger.Warn("Dead-letter alert",
		"totalEvents", metrics.TotalEvents,
		"eventsToday", metrics.EventsToday,
		"oldestEvent", metrics.OldestEvent,
		"topReasons", metrics.TopFailureReasons,
	)
	return nil
}
