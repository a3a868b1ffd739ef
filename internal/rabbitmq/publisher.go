package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on pooled confirm-mode channels and waits for
// the broker to confirm them. Retrying is left to the caller.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for broker confirms
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishMessage is one message of a batch
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Message    amqp.Publishing
}

// Publish publishes a single message and waits for its confirm
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.PublishBatch(ctx, []PublishMessage{{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Message:    msg,
	}})
}

// PublishBatch publishes every message on one channel, then waits for all
// confirms. The batch fails on the first nack, channel error or timeout.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	healthy := true
	defer func() {
		// a channel left with unconfirmed publishes cannot be reused
		if !healthy {
			ch.Channel.Close()
		}
		p.pool.Put(ch)
	}()

	confirms := make([]*amqp.DeferredConfirmation, len(messages))
	for i, msg := range messages {
		dc, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			msg.Exchange,
			msg.RoutingKey,
			msg.Mandatory,
			false,
			msg.Message,
		)
		if err != nil {
			healthy = false
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				MessageID:  msg.Message.MessageId,
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		confirms[i] = dc
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	for i, dc := range confirms {
		msg := messages[i]
		acked, err := dc.WaitContext(waitCtx)
		if err != nil {
			healthy = false
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				MessageID:  msg.Message.MessageId,
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		if !acked {
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				MessageID:  msg.Message.MessageId,
				Err:        ErrPublishNotConfirmed,
				Timestamp:  time.Now(),
			}
		}
	}

	p.logger.Debug("Batch published", "messages", len(messages), "channel", ch.ID())
	return nil
}
