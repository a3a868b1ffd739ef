package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	courier "github.com/glimte/courier-go"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Decoder turns a message body into a payload
type Decoder[T any] func(body []byte) (T, error)

// EnqueueFunc hands a decoded payload to the pipeline
type EnqueueFunc[T any] func(payload T) error

// Source feeds a pipeline from a RabbitMQ queue. A message is acked once the
// pipeline has accepted its payload, requeued while the pipeline pushes
// back, and rejected when it cannot be decoded.
type Source[T any] struct {
	consumer *rabbitmq.Consumer
	decode   Decoder[T]
	logger   *slog.Logger
}

// NewSource creates a source consuming through pool
func NewSource[T any](pool *rabbitmq.ChannelPool, decode Decoder[T], logger *slog.Logger, options ...rabbitmq.ConsumerOption) *Source[T] {
	if decode == nil {
		decode = func(body []byte) (T, error) {
			var payload T
			err := json.Unmarshal(body, &payload)
			return payload, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	options = append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, options...)
	return &Source[T]{
		consumer: rabbitmq.NewConsumer(pool, options...),
		decode:   decode,
		logger:   logger,
	}
}

// Subscribe starts consuming queue into enqueue
func (s *Source[T]) Subscribe(ctx context.Context, queue string, enqueue EnqueueFunc[T]) error {
	return s.consumer.Subscribe(ctx, queue, s.handler(enqueue))
}

func (s *Source[T]) handler(enqueue EnqueueFunc[T]) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		payload, err := s.decode(d.Body)
		if err != nil {
			return reliability.Permanent(fmt.Errorf("decode message %s: %w", d.MessageId, err))
		}
		if v, ok := any(payload).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}

		err = enqueue(payload)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, courier.ErrQueueFull), errors.Is(err, courier.ErrBackpressure):
			return reliability.RetryableError{Err: err, Retryable: true}
		case errors.Is(err, courier.ErrPipelineClosed):
			// leave it on the broker for the next instance
			return reliability.RetryableError{Err: err, Retryable: true}
		default:
			return err
		}
	}
}

// Close stops all subscriptions
func (s *Source[T]) Close() error {
	s.consumer.UnsubscribeAll()
	return nil
}
