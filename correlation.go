package courier

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

type batchKey struct{}

// NewCorrelationID returns a fresh correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID scopes a correlation ID to ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID carried by ctx, or ""
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithBatchID scopes the ID of the batch being delivered to ctx
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchKey{}, id)
}

// BatchID returns the batch ID carried by ctx, or "". Sinks see it on
// every Deliver call.
func BatchID(ctx context.Context) string {
	id, _ := ctx.Value(batchKey{}).(string)
	return id
}
