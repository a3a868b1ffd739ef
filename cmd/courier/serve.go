package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	courier "github.com/glimte/courier-go"
	"github.com/glimte/courier-go/deadletter"
	"github.com/glimte/courier-go/internal/config"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/monitor"
	"github.com/glimte/courier-go/resource"
	transport "github.com/glimte/courier-go/transports/rabbitmq"
	"github.com/spf13/cobra"
)

const breakerHealthInterval = 10 * time.Second

func newServeCommand(cfg *config.Config) *cobra.Command {
	var (
		addr        string
		amqpURL     string
		batchSize   int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest API and the delivery pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("amqp-url") {
				cfg.AMQP.URL = amqpURL
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Pipeline.BatchSize = batchSize
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Pipeline.Concurrency = concurrency
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&amqpURL, "amqp-url", "", "RabbitMQ URL; events are written to stdout when empty")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Maximum events per delivered batch")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Concurrent batch deliveries")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := openDeadLetters(cfg, logger)
	if err != nil {
		return err
	}
	store.OnAlert(monitor.NewLogAlertHandler(logger))
	if cfg.Alert.WebhookURL != "" {
		store.OnAlert(monitor.NewWebhookAlertHandler(cfg.Name, cfg.Alert.WebhookURL, logger).
			WithSecret(cfg.Alert.WebhookSecret))
	}

	options := []courier.Option{
		courier.WithName(cfg.Name),
		courier.WithLogger(logger),
		courier.WithBatchSize(cfg.Pipeline.BatchSize),
		courier.WithFlushInterval(cfg.Pipeline.FlushInterval),
		courier.WithConcurrency(cfg.Pipeline.Concurrency),
		courier.WithCallTimeout(cfg.Pipeline.CallTimeout),
		courier.WithQueueLimits(cfg.Pipeline.QueueMaxItems, cfg.Pipeline.QueueMaxBytes),
		courier.WithRetryPolicy(reliability.NewExponentialBackoff(
			cfg.Retry.InitialDelay, cfg.Retry.MaxDelay, cfg.Retry.Multiplier, cfg.Retry.MaxAttempts)),
		courier.WithBreakerOptions(
			reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			reliability.WithMinimumThroughput(cfg.Breaker.MinThroughput),
			reliability.WithRecoveryTimeout(cfg.Breaker.RecoveryTimeout),
		),
	}

	var (
		sink     courier.Sink[courier.Event]
		manager  *rabbitmq.ConnectionManager
		amqpSink *transport.Sink[courier.Event]
	)
	if cfg.AMQP.URL == "" {
		logger.Warn("No AMQP URL configured, writing events to stdout")
		sink = stdoutSink()
	} else {
		manager = rabbitmq.NewConnectionManager(cfg.AMQP.URL, rabbitmq.WithLogger(logger))
		if err := manager.Connect(ctx); err != nil {
			store.Close()
			return fmt.Errorf("failed to connect: %w", err)
		}
		amqpSink, err = transport.NewSink[courier.Event](manager,
			transport.WithExchange[courier.Event](cfg.AMQP.Exchange, cfg.AMQP.ExchangeKind),
			transport.WithRoutingKey[courier.Event](cfg.AMQP.RoutingKey),
			transport.WithQueue[courier.Event](cfg.AMQP.Queue),
			transport.WithLogger[courier.Event](logger),
		)
		if err == nil {
			err = amqpSink.Declare(ctx)
		}
		if err != nil {
			manager.Close()
			store.Close()
			return fmt.Errorf("failed to prepare AMQP sink: %w", err)
		}
		sink = amqpSink
		options = append(options, courier.WithBreakerOptions(
			reliability.WithHealthCheck(amqpSink, breakerHealthInterval)))
	}

	pipeline := courier.New[courier.Event](sink, store, options...)

	if manager != nil {
		if err := trackAMQP(ctx, cfg, pipeline, manager, amqpSink, logger); err != nil {
			pipeline.Shutdown(context.Background())
			return err
		}
		pipeline.Registry().Register(monitor.NewCheckerFunc("amqp", func(ctx context.Context) monitor.CheckResult {
			result := monitor.CheckResult{Name: "amqp", Timestamp: time.Now(), Status: monitor.StatusHealthy, Message: "Connected"}
			if !manager.Check(ctx) {
				result.Status = monitor.StatusDegraded
				result.Message = "Broker connection lost, reconnecting"
			}
			return result
		}))
	}

	if err := pipeline.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(pipeline, pipeline.Registry(), pipeline, store),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case runErr = <-serverErr:
		logger.Error("HTTP server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownPeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return errors.Join(runErr, pipeline.Shutdown(shutdownCtx))
}

func openDeadLetters(cfg *config.Config, logger *slog.Logger) (*deadletter.Store[courier.Event], error) {
	sink, err := deadletter.OpenSQLiteSink[courier.Event](cfg.DeadLetter.Path)
	if err != nil {
		return nil, err
	}
	return deadletter.NewStore[courier.Event](sink,
		deadletter.WithAlertThreshold(cfg.DeadLetter.AlertThreshold),
		deadletter.WithAlertCooldown(cfg.DeadLetter.AlertCooldown),
		deadletter.WithMaxRetentionDays(cfg.DeadLetter.RetentionDays),
		deadletter.WithLogger(logger),
	), nil
}

// trackAMQP hands the broker handles to the pipeline's resource manager and
// starts the optional ingest consumer. Shutdown releases them newest first:
// the consumer, then the sink's channels, then the connection.
func trackAMQP(ctx context.Context, cfg *config.Config, pipeline *courier.Pipeline[courier.Event], manager *rabbitmq.ConnectionManager, sink *transport.Sink[courier.Event], logger *slog.Logger) error {
	resources := pipeline.Resources()
	if _, err := resources.Register(resource.Resource{
		ID:          "amqp-connection",
		Type:        resource.TypeConnection,
		Description: rabbitmq.SanitizeURL(cfg.AMQP.URL),
		Cleanup:     func(context.Context) error { return manager.Close() },
	}); err != nil {
		return err
	}
	if _, err := resources.Register(resource.Resource{
		ID:          "amqp-sink",
		Type:        resource.TypeStream,
		Description: "exchange " + cfg.AMQP.Exchange,
		Cleanup:     func(context.Context) error { return sink.Close() },
	}); err != nil {
		return err
	}

	if cfg.AMQP.IngestQueue == "" {
		return nil
	}
	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithMaxSize(2))
	if err != nil {
		return err
	}
	source := transport.NewSource[courier.Event](pool, nil, logger)
	if err := source.Subscribe(ctx, cfg.AMQP.IngestQueue, pipeline.Enqueue); err != nil {
		pool.Close()
		return fmt.Errorf("failed to consume %s: %w", cfg.AMQP.IngestQueue, err)
	}
	_, err = resources.Register(resource.Resource{
		ID:          "amqp-ingest",
		Type:        resource.TypeWorker,
		Description: "consumer on " + cfg.AMQP.IngestQueue,
		Cleanup: func(context.Context) error {
			source.Close()
			return pool.Close()
		},
	})
	return err
}

// stdoutSink writes each batch as JSON lines
func stdoutSink() courier.Sink[courier.Event] {
	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	return courier.SinkFunc[courier.Event](func(ctx context.Context, batch []courier.Event) error {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range batch {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})
}
