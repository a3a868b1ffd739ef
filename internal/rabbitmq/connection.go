package rabbitmq

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/glimte/courier-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxReconnectDelay caps the backoff between reconnection attempts
const maxReconnectDelay = 5 * time.Minute

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	isConnected    bool
	closed         bool
	ctx            context.Context
	cancel         context.CancelFunc
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex

	dial func(url string) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay; later attempts
// back off exponentially
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts bounds reconnection attempts. Zero or less
// retries forever.
func WithMaxReconnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = attempts
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
		dial:           amqp.Dial,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attachLocked(conn)
	cm.logger.Info("Connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// dialContext dials with the configured timeout, giving up early when ctx
// ends
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-connCtx.Done():
		// close a connection that arrives after we gave up
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attachLocked installs conn and starts watching it for closure
func (cm *ConnectionManager) attachLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.handleReconnect(notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Check reports whether the broker connection is usable. It satisfies
// reliability.HealthChecker.
func (cm *ConnectionManager) Check(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return cm.IsConnected()
}

// Close closes the connection and stops reconnecting. Calling it again is
// a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	cm.cancel()

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error = ErrConnectionClosed
		if ok && err != nil {
			cause = err
		}
		cm.logger.Error("Connection closed", "error", cause)
		cm.notifyDisconnected(cause)

		cm.reconnect()

	case <-cm.ctx.Done():
	}
}

// reconnectPolicy derives the backoff from the configured delay and limit
func (cm *ConnectionManager) reconnectPolicy() reliability.RetryPolicy {
	attempts := cm.maxRetries
	if attempts <= 0 {
		attempts = math.MaxInt32
	}
	delay := cm.reconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	always := func(error) bool { return true }
	return reliability.NewExponentialBackoff(delay, maxReconnectDelay, 2, attempts, always)
}

// reconnect dials until it succeeds, attempts run out or the manager closes
func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	retry := reliability.NewRetryManager(reliability.WithRetryLogger(cm.logger))

	err := retry.ExecuteWithRetry(cm.ctx, cm.reconnectPolicy(), func(ctx context.Context, attempt int) error {
		cm.logger.Info("Attempting to reconnect", "attempt", attempt, "maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		conn, err := cm.dialContext(ctx)
		if err != nil {
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		cm.attachLocked(conn)

		cm.logger.Info("Reconnected to RabbitMQ", "attempts", attempt, "duration", time.Since(start))
		return nil
	})

	switch {
	case err == nil:
		cm.notifyConnected()
	case cm.ctx.Err() != nil:
		// closed while reconnecting
	default:
		cm.logger.Error("Max reconnection attempts reached", "duration", time.Since(start), "error", err)
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  cm.maxRetries,
		})
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	out := make([]ConnectionStateListener, len(cm.stateListeners))
	copy(out, cm.stateListeners)
	return out
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go cm.safeNotify(func() { listener.OnConnected() })
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go cm.safeNotify(func() { listener.OnDisconnected(err) })
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go cm.safeNotify(func() { listener.OnReconnecting(attempt) })
	}
}

func (cm *ConnectionManager) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Warn("Connection listener panicked", "panic", r)
		}
	}()
	fn()
}
