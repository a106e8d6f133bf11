// Package main provides the dispenser API service entry point.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/api/handlers"
	"github.com/drfirst/go-kocon/internal/config"
	"github.com/drfirst/go-kocon/internal/domain/dispense"
	"github.com/drfirst/go-kocon/internal/domain/eligibility"
	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/infrastructure/outbox"
	"github.com/drfirst/go-kocon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-kocon/internal/insight"
	"github.com/drfirst/go-kocon/internal/observability/logging"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
	"github.com/drfirst/go-kocon/internal/observability/tracing"
	"github.com/drfirst/go-kocon/pkg/circuitbreaker"
	"github.com/drfirst/go-kocon/pkg/idempotency"
)

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("dispenser api failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.TracingFor(cfg.Service.Name), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clock := eligibility.SystemClock{Location: loc}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	breakers := circuitbreaker.NewManager(logger)
	health := handlers.NewHealthHandler(cfg.Service.Name, breakers)

	// Patient store, seeded before the change log is attached so the demo
	// roster is not streamed.
	repo := patient.NewRepository(logger)
	if cfg.Seed.Demo {
		if err := patient.Seed(ctx, repo, clock.Now()); err != nil {
			return fmt.Errorf("seed demo roster: %w", err)
		}
		logger.Info("demo roster loaded", zap.Int("patients", len(repo.List(ctx))))
	}

	if cfg.StreamingEnabled() {
		relay, producer, err := startStreaming(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			relay.Stop()
			ps, rs := producer.Stats(), relay.Stats()
			logger.Info("event stream closed",
				zap.Int64("messages_sent", ps.MessagesSent),
				zap.Int64("produce_errors", ps.ErrorCount),
				zap.Int64("relayed", rs.Processed),
				zap.Int64("dead_lettered", rs.DeadLettered))
			producer.Close()
		}()

		repo.WithChangeLog(relay)
		m.RegisterGaugeFunc("outbox_pending_entries", "Change entries waiting to be published",
			func() float64 { return float64(relay.Len()) })
		health.AddCheck("stream", producer.Ping)
	} else {
		logger.Info("no brokers configured, event streaming disabled")
	}

	dispenser, err := dispense.New(repo, clock, dispense.Config{
		Latency:   cfg.Dispense.Latency,
		Workers:   cfg.Dispense.Workers,
		QueueSize: cfg.Dispense.QueueSize,
	}, m, logger)
	if err != nil {
		return fmt.Errorf("create dispenser: %w", err)
	}
	dispenser.Start()
	defer func() {
		if err := dispenser.Stop(); err != nil {
			logger.Warn("dispenser stop", zap.Error(err))
		}
	}()
	health.AddCheck("dispenser", func(ctx context.Context) error {
		if !dispenser.Healthy() {
			return errors.New("dispense workers saturated")
		}
		return nil
	})

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.DefaultTTL = cfg.Idempotency.TTL
	inboxCfg.RecoveryTimeout = cfg.Idempotency.RecoveryTimeout
	inbox := idempotency.NewInbox(inboxCfg, logger)

	summaries, err := newInsightService(ctx, cfg, breakers, m, logger)
	if err != nil {
		return err
	}

	router := handlers.NewRouter(handlers.Deps{
		Repo:           repo,
		Clock:          clock,
		Dispenser:      dispenser,
		Inbox:          inbox,
		Insight:        summaries,
		Metrics:        m,
		Health:         health,
		Logger:         logger,
		MetricsHandler: metrics.HandlerFor(registry),
		ServiceName:    cfg.Service.Name,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		InsightRate:    cfg.Insight.RateLimit,
		InsightBurst:   cfg.Insight.Burst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting dispenser API",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("timezone", loc.String()),
			zap.Duration("dispense_latency", cfg.Dispense.Latency),
			zap.Bool("streaming", cfg.StreamingEnabled()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// startStreaming connects the producer, ensures topics and starts the relay.
func startStreaming(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*outbox.Outbox, *redpanda.Producer, error) {
	if cfg.Kafka.EnsureTopics {
		admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create admin client: %w", err)
		}
		err = admin.CreateTopics(ctx, redpanda.TopicConfigsFor(
			cfg.Kafka.DoseTopic, cfg.Kafka.PatientTopic, cfg.Kafka.DeadLetterTopic))
		admin.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("ensure topics: %w", err)
		}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create producer: %w", err)
	}

	relay := outbox.New(producer, outbox.Config{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		MaxRetries:   cfg.Outbox.MaxRetries,
		Capacity:     cfg.Outbox.Capacity,
		Topics: map[string]string{
			patient.ChangeDoseEventRecorded: cfg.Kafka.DoseTopic,
		},
		DefaultTopic:    cfg.Kafka.PatientTopic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
	}, logger)
	relay.Start()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))
	return relay, producer, nil
}

// newInsightService wires the compliance summary generator. Without an API
// key every summary reports the missing key.
func newInsightService(ctx context.Context, cfg *config.Config, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*insight.Service, error) {
	insightCfg := insight.DefaultConfig()
	insightCfg.Timeout = cfg.Insight.Timeout
	insightCfg.CacheTTL = cfg.Insight.CacheTTL

	if cfg.Insight.APIKey == "" {
		logger.Warn("insight API key missing, compliance summaries disabled")
		return insight.New(nil, nil, insightCfg, m, logger), nil
	}

	var gen insight.Generator
	gemini, err := insight.NewGeminiGenerator(ctx, cfg.Insight.APIKey, cfg.Insight.Model)
	if err != nil {
		logger.Error("insight client unavailable, compliance summaries will fail", zap.Error(err))
		gen = insight.Unavailable(err)
	} else {
		gen = gemini
	}

	breakerCfg := circuitbreaker.DefaultConfig("gemini")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
	}
	breaker, err := breakers.GetOrCreate("gemini", breakerCfg)
	if err != nil {
		return nil, fmt.Errorf("create insight breaker: %w", err)
	}
	m.CircuitBreakerState.WithLabelValues("gemini").Set(breaker.GetState().Value())

	return insight.New(gen, breaker, insightCfg, m, logger), nil
}
