package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/courier-go/batch"
	"github.com/glimte/courier-go/deadletter"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/queue"
)

// BreakerChecker reports a circuit breaker: open is unhealthy, half-open
// is degraded
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a checker for breaker
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "circuit_breaker"
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	m := c.breaker.GetMetrics()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"breaker":        m.Name,
			"state":          m.State.String(),
			"totalRequests":  m.TotalRequests,
			"failedRequests": m.FailedRequests,
			"failureRate":    m.FailureRate,
		},
	}

	switch m.State {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Circuit %s is open", m.Name)
		result.Details["nextAttempt"] = c.breaker.NextAttempt()
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Circuit %s is probing recovery", m.Name)
	default:
		result.Status = StatusHealthy
		result.Message = "Circuit is closed"
	}
	return result
}

// QueueStatsSource exposes queue statistics
type QueueStatsSource interface {
	Stats() queue.Stats
}

// QueueChecker degrades when the queue nears either bound and fails once
// the queue is closed
type QueueChecker struct {
	source        QueueStatsSource
	warningRatio  float64
	criticalRatio float64
}

// NewQueueChecker creates a queue checker with the given fill ratios
func NewQueueChecker(source QueueStatsSource, warningRatio, criticalRatio float64) *QueueChecker {
	return &QueueChecker{
		source:        source,
		warningRatio:  warningRatio,
		criticalRatio: criticalRatio,
	}
}

func (c *QueueChecker) Name() string {
	return "queue"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	s := c.source.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"size":                 s.Size,
			"maxSize":              s.MaxSize,
			"estimatedMemoryBytes": s.EstimatedMemoryBytes,
			"maxMemoryBytes":       s.MaxMemoryBytes,
			"rejected":             s.Rejected,
			"evicted":              s.Evicted,
		},
	}
	if s.OldestItemAge != nil {
		result.Details["oldestItemAge"] = s.OldestItemAge.String()
	}

	fill := ratio(int64(s.Size), int64(s.MaxSize))
	if mem := ratio(s.EstimatedMemoryBytes, s.MaxMemoryBytes); mem > fill {
		fill = mem
	}
	result.Details["fillRatio"] = fill

	switch {
	case s.Closed:
		result.Status = StatusUnhealthy
		result.Message = "Queue is closed"
	case fill >= c.criticalRatio:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue is %.0f%% full", fill*100)
	case fill >= c.warningRatio:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue is %.0f%% full", fill*100)
	default:
		result.Status = StatusHealthy
		result.Message = "Queue has capacity"
	}
	return result
}

func ratio(v, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return float64(v) / float64(max)
}

// BatchStatsSource exposes batch manager statistics
type BatchStatsSource interface {
	Stats() batch.Stats
}

// BatchChecker mirrors the batch manager's own health verdict
type BatchChecker struct {
	source BatchStatsSource
}

// NewBatchChecker creates a batch checker
func NewBatchChecker(source BatchStatsSource) *BatchChecker {
	return &BatchChecker{source: source}
}

func (c *BatchChecker) Name() string {
	return "batch"
}

func (c *BatchChecker) Check(ctx context.Context) CheckResult {
	s := c.source.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"pending":        s.Pending,
			"inFlight":       s.InFlight,
			"waiting":        s.Waiting,
			"failedFlushes":  s.FailedFlushes,
			"droppedBatches": s.DroppedBatches,
		},
	}
	if s.Healthy {
		result.Status = StatusHealthy
		result.Message = "Batches are flushing"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Recent flushes failed or the flush queue is saturated"
	}
	return result
}

// DeadLetterSource exposes dead-letter alert state
type DeadLetterSource interface {
	Alerting() bool
	GetMetrics(ctx context.Context) (deadletter.Metrics, error)
}

// DeadLetterChecker degrades while the dead-letter alert threshold is
// breached
type DeadLetterChecker struct {
	source DeadLetterSource
}

// NewDeadLetterChecker creates a dead-letter checker
func NewDeadLetterChecker(source DeadLetterSource) *DeadLetterChecker {
	return &DeadLetterChecker{source: source}
}

func (c *DeadLetterChecker) Name() string {
	return "dead_letters"
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	m, err := c.source.GetMetrics(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Dead-letter store unavailable"
		result.Error = err.Error()
		return result
	}
	result.Details["totalEvents"] = m.TotalEvents
	result.Details["eventsToday"] = m.EventsToday

	if c.source.Alerting() {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d dead letters held", m.TotalEvents)
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Dead letters below alert threshold"
	return result
}
