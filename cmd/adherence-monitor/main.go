// Package main provides the adherence monitor entry point.
// Consumes dose events and flags patients with repeated blocked attempts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/config"
	"github.com/drfirst/go-kocon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-kocon/internal/monitor"
	"github.com/drfirst/go-kocon/internal/observability/logging"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
	"github.com/drfirst/go-kocon/internal/observability/tracing"
)

const serviceName = "kocon-adherence-monitor"

func main() {
	cfg, err := config.Load(os.Getenv("KOCON_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.StreamingEnabled() {
		logger.Fatal("kafka.brokers must be set for the adherence monitor")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("adherence monitor failed", zap.Error(err))
	}
	logger.Info("adherence monitor stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.TracingFor(serviceName), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	tracker := monitor.NewTracker(monitor.Config{
		Window:    cfg.Monitor.Window,
		Threshold: cfg.Monitor.Threshold,
	})

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.GroupID
	consumerCfg.Topics = []string{cfg.Kafka.DoseTopic}
	consumerCfg.DeadLetterTopic = cfg.Kafka.DeadLetterTopic

	consumer, err := redpanda.NewConsumer(consumerCfg, monitor.Handler(tracker, m, logger), logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	if err := redpanda.HealthCheck(ctx, cfg.Kafka.Brokers); err != nil {
		logger.Warn("brokers not reachable yet, consumer will keep retrying", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitor.MetricsPort),
		Handler:           metrics.HandlerFor(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	consumer.Start(ctx)
	logger.Info("adherence monitor started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group_id", cfg.Kafka.GroupID),
		zap.String("topic", cfg.Kafka.DoseTopic),
		zap.Duration("window", cfg.Monitor.Window),
		zap.Int("threshold", cfg.Monitor.Threshold))

	reportLag(ctx, admin, cfg.Kafka.GroupID, cfg.Monitor.LagInterval, consumer, logger)

	logger.Info("shutting down")
	consumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}

// reportLag logs consumer group lag and consumer counters until ctx ends
func reportLag(ctx context.Context, admin *redpanda.Admin, groupID string, every time.Duration, consumer *redpanda.Consumer, logger *zap.Logger) {
	if every <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lags, err := admin.ConsumerGroupLag(ctx, groupID)
			if err != nil {
				logger.Warn("lag check failed", zap.Error(err))
				continue
			}
			stats := consumer.Stats()
			for _, l := range lags {
				logger.Info("consumer lag",
					zap.String("topic", l.Topic),
					zap.Int64("lag", l.Total),
					zap.Int64("messages_read", stats.MessagesRead),
					zap.Int64("errors", stats.ErrorCount),
					zap.Int64("dead_lettered", stats.DeadLettered))
			}
		}
	}
}
