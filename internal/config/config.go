package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of the courier daemon
type Config struct {
	Name     string
	HTTPAddr string
	LogLevel slog.Level

	AMQP       AMQPConfig
	Pipeline   PipelineConfig
	Retry      RetryConfig
	Breaker    BreakerConfig
	DeadLetter DeadLetterConfig
	Alert      AlertConfig
}

// AMQPConfig describes the RabbitMQ destination and optional ingest queue
type AMQPConfig struct {
	URL          string
	Exchange     string
	ExchangeKind string
	RoutingKey   string
	Queue        string
	IngestQueue  string
}

// PipelineConfig sizes the queue and batching
type PipelineConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	Concurrency    int
	QueueMaxItems  int
	QueueMaxBytes  int64
	CallTimeout    time.Duration
	ShutdownPeriod time.Duration
}

// RetryConfig is the exponential backoff applied to each batch
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// BreakerConfig configures the destination's circuit breaker
type BreakerConfig struct {
	FailureThreshold int
	MinThroughput    int
	RecoveryTimeout  time.Duration
}

// DeadLetterConfig configures dead-letter persistence and alerting
type DeadLetterConfig struct {
	Path           string
	AlertThreshold int
	AlertCooldown  time.Duration
	RetentionDays  int
}

// AlertConfig is the dead-letter alert webhook
type AlertConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// Load reads the environment, seeded from the given .env files (".env" when
// none are named). Missing files are ignored; invalid values are reported
// together.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	ldr := &envLoader{}
	cfg := &Config{}

	cfg.Name = ldr.getString("COURIER_NAME", "courier")
	cfg.HTTPAddr = ldr.getString("COURIER_HTTP_ADDR", ":8080")
	cfg.LogLevel = ldr.getLevel("COURIER_LOG_LEVEL", slog.LevelInfo)

	cfg.AMQP.URL = ldr.getString("COURIER_AMQP_URL", "")
	cfg.AMQP.Exchange = ldr.getString("COURIER_EXCHANGE", "courier.events")
	cfg.AMQP.ExchangeKind = ldr.getString("COURIER_EXCHANGE_KIND", "topic")
	cfg.AMQP.RoutingKey = ldr.getString("COURIER_ROUTING_KEY", "events")
	cfg.AMQP.Queue = ldr.getString("COURIER_QUEUE", "")
	cfg.AMQP.IngestQueue = ldr.getString("COURIER_INGEST_QUEUE", "")

	cfg.Pipeline.BatchSize = ldr.getPositiveInt("COURIER_BATCH_SIZE", 100)
	cfg.Pipeline.FlushInterval = ldr.getDuration("COURIER_FLUSH_INTERVAL", time.Second)
	cfg.Pipeline.Concurrency = ldr.getPositiveInt("COURIER_CONCURRENCY", 4)
	cfg.Pipeline.QueueMaxItems = ldr.getPositiveInt("COURIER_QUEUE_MAX_ITEMS", 10000)
	cfg.Pipeline.QueueMaxBytes = int64(ldr.getPositiveInt("COURIER_QUEUE_MAX_BYTES", 64<<20))
	cfg.Pipeline.CallTimeout = ldr.getDuration("COURIER_CALL_TIMEOUT", 30*time.Second)
	cfg.Pipeline.ShutdownPeriod = ldr.getDuration("COURIER_SHUTDOWN_TIMEOUT", 30*time.Second)

	cfg.Retry.MaxAttempts = ldr.getPositiveInt("COURIER_RETRY_MAX_ATTEMPTS", 5)
	cfg.Retry.InitialDelay = ldr.getDuration("COURIER_RETRY_INITIAL_DELAY", 100*time.Millisecond)
	cfg.Retry.MaxDelay = ldr.getDuration("COURIER_RETRY_MAX_DELAY", 10*time.Second)
	cfg.Retry.Multiplier = ldr.getFloat("COURIER_RETRY_MULTIPLIER", 2)

	cfg.Breaker.FailureThreshold = ldr.getPositiveInt("COURIER_BREAKER_FAILURE_THRESHOLD", 5)
	cfg.Breaker.MinThroughput = ldr.getPositiveInt("COURIER_BREAKER_MIN_THROUGHPUT", 10)
	cfg.Breaker.RecoveryTimeout = ldr.getDuration("COURIER_BREAKER_RECOVERY_TIMEOUT", 60*time.Second)

	cfg.DeadLetter.Path = ldr.getString("COURIER_DLQ_PATH", "courier-deadletters.db")
	cfg.DeadLetter.AlertThreshold = ldr.getPositiveInt("COURIER_DLQ_ALERT_THRESHOLD", 100)
	cfg.DeadLetter.AlertCooldown = ldr.getDuration("COURIER_DLQ_ALERT_COOLDOWN", 15*time.Minute)
	cfg.DeadLetter.RetentionDays = ldr.getPositiveInt("COURIER_DLQ_RETENTION_DAYS", 30)

	cfg.Alert.WebhookURL = ldr.getString("COURIER_ALERT_WEBHOOK_URL", "")
	cfg.Alert.WebhookSecret = ldr.getString("COURIER_ALERT_WEBHOOK_SECRET", "")

	if cfg.Retry.InitialDelay > cfg.Retry.MaxDelay {
		ldr.addError("COURIER_RETRY_INITIAL_DELAY must not exceed COURIER_RETRY_MAX_DELAY")
	}
	if cfg.Retry.Multiplier < 1 {
		ldr.addError("COURIER_RETRY_MULTIPLIER must be at least 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}

func (l *envLoader) getString(key, def string) string {
	if val, ok := l.lookup(key); ok {
		return val
	}
	return def
}

func (l *envLoader) getPositiveInt(key string, def int) int {
	val, ok := l.lookup(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	if i < 1 {
		l.addError(fmt.Sprintf("%s must be positive", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64) float64 {
	val, ok := l.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getDuration(key string, def time.Duration) time.Duration {
	val, ok := l.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a duration such as 500ms or 2s", key))
		return def
	}
	if d <= 0 {
		l.addError(fmt.Sprintf("%s must be positive", key))
		return def
	}
	return d
}

func (l *envLoader) getLevel(key string, def slog.Level) slog.Level {
	val, ok := l.lookup(key)
	if !ok {
		return def
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(val)); err != nil {
		l.addError(fmt.Sprintf("%s must be one of debug, info, warn, error", key))
		return def
	}
	return level
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
