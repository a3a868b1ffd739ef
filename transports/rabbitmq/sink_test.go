package rabbitmq

import (
	"context"
	"errors"
	"testing"

	courier "github.com/glimte/courier-go"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T, options ...SinkOption[courier.Event]) *Sink[courier.Event] {
	t.Helper()
	sink, err := NewSink[courier.Event](rabbitmq.NewConnectionManager("amqp://localhost"), options...)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestNewSink(t *testing.T) {
	t.Run("Needs a destination", func(t *testing.T) {
		_, err := NewSink[courier.Event](rabbitmq.NewConnectionManager("amqp://localhost"))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("Needs a connection manager", func(t *testing.T) {
		_, err := NewSink[courier.Event](nil, WithQueue[courier.Event]("events"))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}

func TestSinkMessages(t *testing.T) {
	events := []courier.Event{
		courier.NewEvent("user.login", "auth"),
		courier.NewEvent("user.logout", "auth"),
	}

	t.Run("Carries batch and correlation headers", func(t *testing.T) {
		sink := newTestSink(t,
			WithExchange[courier.Event]("audit", amqp.ExchangeTopic),
			WithRoutingKey[courier.Event]("audit.events"),
		)
		ctx := courier.WithBatchID(courier.WithCorrelationID(context.Background(), "corr-1"), "batch-1")

		messages, err := sink.messages(ctx, events)
		require.NoError(t, err)
		require.Len(t, messages, 2)

		for i, m := range messages {
			assert.Equal(t, "audit", m.Exchange)
			assert.Equal(t, "audit.events", m.RoutingKey)
			assert.Equal(t, "corr-1", m.Message.CorrelationId)
			assert.Equal(t, "application/json", m.Message.ContentType)
			assert.Equal(t, amqp.Persistent, m.Message.DeliveryMode)
			assert.NotEmpty(t, m.Message.MessageId)
			assert.Equal(t, "batch-1", m.Message.Headers[HeaderBatchID])
			assert.Equal(t, int32(2), m.Message.Headers[HeaderBatchSize])
			assert.Equal(t, int32(i), m.Message.Headers[HeaderBatchIndex])
			assert.Contains(t, string(m.Message.Body), events[i].ID)
		}
		assert.NotEqual(t, messages[0].Message.MessageId, messages[1].Message.MessageId)
	})

	t.Run("Router picks the routing key", func(t *testing.T) {
		sink := newTestSink(t,
			WithExchange[courier.Event]("audit", amqp.ExchangeTopic),
			WithRouter(func(e courier.Event) string { return "audit." + e.Type }),
		)
		messages, err := sink.messages(context.Background(), events)
		require.NoError(t, err)
		assert.Equal(t, "audit.user.login", messages[0].RoutingKey)
		assert.Equal(t, "audit.user.logout", messages[1].RoutingKey)
		assert.NotEmpty(t, messages[0].Message.Headers[HeaderBatchID])
	})

	t.Run("Default exchange routes by queue", func(t *testing.T) {
		sink := newTestSink(t, WithQueue[courier.Event]("audit-events"))
		messages, err := sink.messages(context.Background(), events[:1])
		require.NoError(t, err)
		assert.Equal(t, "", messages[0].Exchange)
		assert.Equal(t, "audit-events", messages[0].RoutingKey)
	})

	t.Run("Encoding failures are permanent", func(t *testing.T) {
		sink := newTestSink(t,
			WithQueue[courier.Event]("audit-events"),
			WithEncoder[courier.Event]("application/x-test", func(courier.Event) ([]byte, error) {
				return nil, errors.New("unsupported")
			}),
		)
		err := sink.Deliver(context.Background(), events)
		require.Error(t, err)
		assert.False(t, reliability.DefaultRetryPolicy().IsRetryable(err))
	})
}

func TestSinkDeliver(t *testing.T) {
	t.Run("Empty batch", func(t *testing.T) {
		sink := newTestSink(t, WithQueue[courier.Event]("audit-events"))
		assert.NoError(t, sink.Deliver(context.Background(), nil))
	})

	t.Run("Broker unavailable is retryable", func(t *testing.T) {
		sink := newTestSink(t, WithQueue[courier.Event]("audit-events"))
		err := sink.Deliver(context.Background(), []courier.Event{courier.NewEvent("x", "y")})
		require.Error(t, err)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
		assert.True(t, reliability.DefaultRetryPolicy().IsRetryable(err))
		assert.False(t, sink.Check(context.Background()))
	})

	t.Run("Inspect needs a queue", func(t *testing.T) {
		sink := newTestSink(t, WithExchange[courier.Event]("audit", amqp.ExchangeFanout))
		_, err := sink.Inspect(context.Background())
		assert.Error(t, err)
	})
}

func TestSourceHandler(t *testing.T) {
	source := NewSource[courier.Event](nil, nil, nil)
	valid := courier.NewEvent("user.login", "auth")
	body := []byte(`{"id":"` + valid.ID + `","type":"user.login","source":"auth","timestamp":"2024-01-01T00:00:00Z"}`)

	t.Run("Accepted payload acks", func(t *testing.T) {
		var got courier.Event
		h := source.handler(func(e courier.Event) error {
			got = e
			return nil
		})
		require.NoError(t, h(context.Background(), amqp.Delivery{Body: body}))
		assert.Equal(t, valid.ID, got.ID)
	})

	t.Run("Backpressure requeues", func(t *testing.T) {
		h := source.handler(func(courier.Event) error { return courier.ErrQueueFull })
		err := h(context.Background(), amqp.Delivery{Body: body})
		require.Error(t, err)
		assert.True(t, isRetryable(err))
	})

	t.Run("Garbage is rejected", func(t *testing.T) {
		h := source.handler(func(courier.Event) error { return nil })
		err := h(context.Background(), amqp.Delivery{Body: []byte("{")})
		require.Error(t, err)
		assert.False(t, isRetryable(err))
	})

	t.Run("Invalid event is rejected", func(t *testing.T) {
		h := source.handler(func(courier.Event) error { return nil })
		err := h(context.Background(), amqp.Delivery{Body: []byte(`{"id":"1"}`)})
		require.Error(t, err)
		assert.False(t, isRetryable(err))
	})
}

func isRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
