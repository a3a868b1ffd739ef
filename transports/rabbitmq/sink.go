package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	courier "github.com/glimte/courier-go"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Batch headers set on every published message
const (
	HeaderBatchID    = "x-batch-id"
	HeaderBatchSize  = "x-batch-size"
	HeaderBatchIndex = "x-batch-index"
)

// Encoder turns a payload into a message body
type Encoder[T any] func(payload T) ([]byte, error)

// SinkOption configures a Sink
type SinkOption[T any] func(*Sink[T])

// WithExchange sets the exchange batches are published to and its kind.
// Without an exchange messages go to the default exchange, routed by queue
// name.
func WithExchange[T any](name, kind string) SinkOption[T] {
	return func(s *Sink[T]) {
		s.exchange = name
		s.kind = kind
	}
}

// WithRoutingKey sets a fixed routing key
func WithRoutingKey[T any](key string) SinkOption[T] {
	return func(s *Sink[T]) {
		s.routingKey = key
	}
}

// WithRouter derives the routing key from each payload
func WithRouter[T any](router func(payload T) string) SinkOption[T] {
	return func(s *Sink[T]) {
		s.router = router
	}
}

// WithQueue declares a durable queue bound to the exchange
func WithQueue[T any](name string) SinkOption[T] {
	return func(s *Sink[T]) {
		s.queue = name
	}
}

// WithEncoder replaces the JSON encoder
func WithEncoder[T any](contentType string, encode Encoder[T]) SinkOption[T] {
	return func(s *Sink[T]) {
		s.contentType = contentType
		s.encode = encode
	}
}

// WithConfirmTimeout bounds the wait for broker confirms
func WithConfirmTimeout[T any](timeout time.Duration) SinkOption[T] {
	return func(s *Sink[T]) {
		s.confirmTimeout = timeout
	}
}

// WithPoolSize sets how many channels may publish at once
func WithPoolSize[T any](size int) SinkOption[T] {
	return func(s *Sink[T]) {
		s.poolSize = size
	}
}

// WithLogger sets the logger
func WithLogger[T any](logger *slog.Logger) SinkOption[T] {
	return func(s *Sink[T]) {
		s.logger = logger
	}
}

// Sink publishes pipeline batches to RabbitMQ with publisher confirms. A
// batch succeeds only when the broker has confirmed every message.
type Sink[T any] struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager

	exchange       string
	kind           string
	routingKey     string
	router         func(T) string
	queue          string
	contentType    string
	encode         Encoder[T]
	confirmTimeout time.Duration
	poolSize       int
	logger         *slog.Logger
}

var _ courier.Sink[courier.Event] = (*Sink[courier.Event])(nil)
var _ reliability.HealthChecker = (*Sink[courier.Event])(nil)

// NewSink creates a sink on manager. Nothing is sent to the broker until
// Declare or Deliver.
func NewSink[T any](manager *rabbitmq.ConnectionManager, options ...SinkOption[T]) (*Sink[T], error) {
	s := &Sink[T]{
		manager:        manager,
		kind:           amqp.ExchangeTopic,
		contentType:    "application/json",
		encode:         func(payload T) ([]byte, error) { return json.Marshal(payload) },
		confirmTimeout: 10 * time.Second,
		poolSize:       10,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.exchange == "" && s.queue == "" {
		return nil, fmt.Errorf("%w: sink needs an exchange or a queue", rabbitmq.ErrInvalidConfiguration)
	}

	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithMaxSize(s.poolSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	s.pool = pool
	s.publisher = rabbitmq.NewPublisher(pool,
		rabbitmq.WithConfirmTimeout(s.confirmTimeout),
		rabbitmq.WithPublisherLogger(s.logger),
	)
	s.topology = rabbitmq.NewTopologyManager(pool)
	return s, nil
}

// Declare creates the exchange, queue and binding the sink publishes to
func (s *Sink[T]) Declare(ctx context.Context) error {
	if s.exchange == "" {
		_, err := s.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: s.queue, Durable: true})
		return err
	}
	return s.topology.DeclareTopology(ctx, rabbitmq.DeliveryTopology(s.exchange, s.kind, s.queue, s.routingKey))
}

// Deliver publishes batch and waits for confirms. Payloads that cannot be
// encoded fail the batch permanently.
func (s *Sink[T]) Deliver(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	messages, err := s.messages(ctx, batch)
	if err != nil {
		return err
	}
	if err := s.publisher.PublishBatch(ctx, messages); err != nil {
		return err
	}
	s.logger.Debug("Batch published",
		"exchange", s.exchange,
		"messages", len(messages),
		"batchId", courier.BatchID(ctx),
	)
	return nil
}

func (s *Sink[T]) messages(ctx context.Context, batch []T) ([]rabbitmq.PublishMessage, error) {
	batchID := courier.BatchID(ctx)
	if batchID == "" {
		batchID = uuid.New().String()
	}
	correlationID := courier.CorrelationID(ctx)
	now := time.Now().UTC()

	messages := make([]rabbitmq.PublishMessage, 0, len(batch))
	for i, payload := range batch {
		body, err := s.encode(payload)
		if err != nil {
			return nil, reliability.Permanent(fmt.Errorf("encode item %d of batch %s: %w", i, batchID, err))
		}
		messages = append(messages, rabbitmq.PublishMessage{
			Exchange:   s.exchange,
			RoutingKey: s.route(payload),
			Message: amqp.Publishing{
				MessageId:     uuid.New().String(),
				CorrelationId: correlationID,
				Timestamp:     now,
				ContentType:   s.contentType,
				DeliveryMode:  amqp.Persistent,
				Body:          body,
				Headers: amqp.Table{
					HeaderBatchID:    batchID,
					HeaderBatchSize:  int32(len(batch)),
					HeaderBatchIndex: int32(i),
				},
			},
		})
	}
	return messages, nil
}

func (s *Sink[T]) route(payload T) string {
	if s.exchange == "" {
		return s.queue
	}
	if s.router != nil {
		return s.router(payload)
	}
	return s.routingKey
}

// Check reports whether the broker connection is up. It serves as the
// circuit breaker's health check.
func (s *Sink[T]) Check(ctx context.Context) bool {
	return s.manager.Check(ctx)
}

// Inspect returns the broker's view of the sink's queue
func (s *Sink[T]) Inspect(ctx context.Context) (rabbitmq.QueueInfo, error) {
	if s.queue == "" {
		return rabbitmq.QueueInfo{}, errors.New("sink has no queue to inspect")
	}
	return s.topology.InspectQueue(ctx, s.queue)
}

// Close releases the sink's channels. The connection belongs to the caller.
func (s *Sink[T]) Close() error {
	return s.pool.Close()
}
