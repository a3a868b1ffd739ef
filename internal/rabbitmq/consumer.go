package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages message consumption from RabbitMQ. Deliveries are acked
// when the handler succeeds, requeued when it fails with a retryable error
// and rejected otherwise.
type Consumer struct {
	pool            *ChannelPool
	prefetchCount   int
	handlerTimeout  time.Duration
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandlerTimeout bounds each handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

type consumerInfo struct {
	queue  string
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe starts consuming messages from a queue until ctx ends or
// Unsubscribe is called
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	if _, exists := c.activeConsumers.Load(queue); exists {
		return fmt.Errorf("already consuming from queue %s", queue)
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queue, err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := "courier-" + uuid.New().String()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		c.pool.Put(ch)
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &consumerInfo{
		queue:  queue,
		tag:    tag,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.activeConsumers.Store(queue, info)

	go c.processMessages(consumerCtx, info, ch, deliveries, handler)

	c.logger.Info("Subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)
	return nil
}

func (c *Consumer) processMessages(ctx context.Context, info *consumerInfo, ch *PooledChannel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		if err := ch.Cancel(info.tag, false); err != nil {
			c.logger.Debug("Consumer cancel failed", "queue", info.queue, "error", err)
			ch.Channel.Close()
		}
		c.pool.Put(ch)
		c.activeConsumers.Delete(info.queue)
		close(info.done)
		c.logger.Info("Consumer stopped", "queue", info.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Delivery channel closed", "queue", info.queue, "error", ErrConsumerCancelled)
				return
			}
			c.handleMessage(ctx, info.queue, delivery, handler)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ack message", "queue", queue, "error", ackErr)
		}
		return
	}

	requeue := isRetryable(err)
	c.logger.Warn("Message handler failed",
		"queue", queue,
		"messageId", delivery.MessageId,
		"requeue", requeue,
		"error", err,
	)
	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		c.logger.Error("Failed to nack message",
			"queue", queue,
			"error", nackErr,
			"originalError", err,
		)
	}
}

// isRetryable requeues unless the error says otherwise
func isRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// Unsubscribe stops consuming from a queue and waits for the consumer to exit
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*consumerInfo)
	info.cancel()
	<-info.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup
	c.activeConsumers.Range(func(key, value interface{}) bool {
		info := value.(*consumerInfo)
		wg.Add(1)
		go func() {
			defer wg.Done()
			info.cancel()
			<-info.done
		}()
		return true
	})
	wg.Wait()
}

// ActiveQueues lists the queues being consumed
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
