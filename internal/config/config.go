// Package config loads service configuration from defaults, an optional
// config.yaml and KOCON_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/drfirst/go-kocon/internal/observability/tracing"
)

type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	Clock       ClockConfig       `mapstructure:"clock"`
	Dispense    DispenseConfig    `mapstructure:"dispense"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Insight     InsightConfig     `mapstructure:"insight"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Seed        SeedConfig        `mapstructure:"seed"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type ClockConfig struct {
	// Timezone is an IANA name; empty uses the host zone
	Timezone string `mapstructure:"timezone"`
}

type DispenseConfig struct {
	Latency   time.Duration `mapstructure:"latency" validate:"gte=0"`
	Workers   int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize int           `mapstructure:"queue_size" validate:"gt=0"`
}

type IdempotencyConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

type InsightConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gt=0"`
	Burst     int           `mapstructure:"burst" validate:"gt=0"`
}

type KafkaConfig struct {
	// Brokers left empty disables event streaming
	Brokers         []string `mapstructure:"brokers"`
	DoseTopic       string   `mapstructure:"dose_topic"`
	PatientTopic    string   `mapstructure:"patient_topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	GroupID         string   `mapstructure:"group_id"`
	EnsureTopics    bool     `mapstructure:"ensure_topics"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
	Capacity     int           `mapstructure:"capacity" validate:"gte=0"`
}

type MonitorConfig struct {
	Window      time.Duration `mapstructure:"window"`
	Threshold   int           `mapstructure:"threshold" validate:"gte=0"`
	MetricsPort int           `mapstructure:"metrics_port" validate:"gt=0,lte=65535"`
	LagInterval time.Duration `mapstructure:"lag_interval"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

type SeedConfig struct {
	Demo bool `mapstructure:"demo"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "kocon-dispenser-api")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("clock.timezone", "")

	v.SetDefault("dispense.latency", 1500*time.Millisecond)
	v.SetDefault("dispense.workers", 32)
	v.SetDefault("dispense.queue_size", 256)

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.recovery_timeout", time.Minute)

	v.SetDefault("insight.api_key", "")
	v.SetDefault("insight.model", "gemini-2.5-flash")
	v.SetDefault("insight.timeout", 20*time.Second)
	v.SetDefault("insight.cache_ttl", 10*time.Minute)
	v.SetDefault("insight.rate_limit", 0.5)
	v.SetDefault("insight.burst", 3)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.dose_topic", "kocon.dose-events")
	v.SetDefault("kafka.patient_topic", "kocon.patient-events")
	v.SetDefault("kafka.dead_letter_topic", "kocon.dead-letter")
	v.SetDefault("kafka.group_id", "kocon-adherence-monitor")
	v.SetDefault("kafka.ensure_topics", true)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 200*time.Millisecond)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.capacity", 10000)

	v.SetDefault("monitor.window", 24*time.Hour)
	v.SetDefault("monitor.threshold", 5)
	v.SetDefault("monitor.metrics_port", 9091)
	v.SetDefault("monitor.lag_interval", 30*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("seed.demo", true)
}

// Load reads configuration. An empty path searches for config.yaml in the
// working directory and ./config; a missing file is not an error then.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KOCON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("insight.api_key", "KOCON_INSIGHT_API_KEY", "GEMINI_API_KEY", "API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Location resolves the dispenser time zone
func (c *Config) Location() (*time.Location, error) {
	if c.Clock.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Clock.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid clock.timezone %q: %w", c.Clock.Timezone, err)
	}
	return loc, nil
}

// TracingFor returns the span export settings for the named service
func (c *Config) TracingFor(service string) tracing.Config {
	return tracing.Config{
		Enabled:        c.Tracing.Enabled,
		ServiceName:    service,
		ServiceVersion: c.Service.Version,
		Environment:    c.Service.Environment,
		Endpoint:       c.Tracing.Endpoint,
		Insecure:       c.Tracing.Insecure,
		SampleRate:     c.Tracing.SampleRate,
		ExportTimeout:  10 * time.Second,
	}
}

// StreamingEnabled reports whether brokers are configured
func (c *Config) StreamingEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
