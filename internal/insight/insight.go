// Package insight produces the AI compliance summary shown to clinicians.
// Generation failures never surface as errors: callers always receive text.
package insight

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
	"github.com/drfirst/go-kocon/pkg/circuitbreaker"
)

// Texts returned in place of a generated summary
const (
	MessageMissingKey = "API Key is missing. Please configure the environment variable."
	MessageFailed     = "Failed to generate analysis. Please try again later."
	MessageEmpty      = "No analysis could be generated."
)

// RecentEvents is how many of the newest events go into the prompt
const RecentEvents = 20

// Generator turns a prompt into text
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Outcome classifies a summary
type Outcome string

const (
	OutcomeGenerated   Outcome = "generated"
	OutcomeCached      Outcome = "cached"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
	OutcomeEmpty       Outcome = "empty"
)

// Summary is the text shown for a patient
type Summary struct {
	PatientID   string    `json:"patient_id"`
	Text        string    `json:"text"`
	Outcome     Outcome   `json:"outcome"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Config holds insight configuration
type Config struct {
	// Timeout bounds one generation call
	Timeout time.Duration
	// CacheTTL is how long a generated summary is reused for an unchanged record
	CacheTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:  20 * time.Second,
		CacheTTL: 10 * time.Minute,
	}
}

// Service produces compliance summaries
type Service struct {
	generator Generator
	breaker   *circuitbreaker.CircuitBreaker
	cache     *gocache.Cache
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a service. A nil generator means no API key is configured.
// breaker and m may be nil.
func New(generator Generator, breaker *circuitbreaker.CircuitBreaker, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		generator: generator,
		breaker:   breaker,
		cache:     gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		config:    cfg,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("insight"),
	}
}

// Summarize returns the compliance summary for rec
func (s *Service) Summarize(ctx context.Context, rec *patient.Record) Summary {
	ctx, span := s.tracer.Start(ctx, "insight_summarize",
		trace.WithAttributes(attribute.String("patient_id", rec.ID)))
	defer span.End()

	summary := s.summarize(ctx, rec)
	span.SetAttributes(attribute.String("outcome", string(summary.Outcome)))
	if s.metrics != nil {
		s.metrics.InsightRequests.WithLabelValues(string(summary.Outcome)).Inc()
	}
	return summary
}

func (s *Service) summarize(ctx context.Context, rec *patient.Record) Summary {
	now := time.Now()
	if s.generator == nil {
		return Summary{PatientID: rec.ID, Text: MessageMissingKey, Outcome: OutcomeUnavailable, GeneratedAt: now}
	}

	key := cacheKey(rec)
	if v, ok := s.cache.Get(key); ok {
		cached := v.(Summary)
		cached.Outcome = OutcomeCached
		return cached
	}

	start := time.Now()
	text, err := s.generate(ctx, BuildPrompt(rec))
	if s.metrics != nil {
		s.metrics.InsightDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.Error("compliance summary generation failed",
			zap.String("patient_id", rec.ID),
			zap.Error(err))
		return Summary{PatientID: rec.ID, Text: MessageFailed, Outcome: OutcomeFailed, GeneratedAt: now}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Summary{PatientID: rec.ID, Text: MessageEmpty, Outcome: OutcomeEmpty, GeneratedAt: now}
	}

	summary := Summary{PatientID: rec.ID, Text: text, Outcome: OutcomeGenerated, GeneratedAt: now}
	s.cache.Set(key, summary, gocache.DefaultExpiration)
	return summary
}

func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	if s.breaker == nil {
		return s.generator.Generate(ctx, prompt)
	}
	out, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.generator.Generate(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// cacheKey changes whenever the record gains an event or is re-synced
func cacheKey(rec *patient.Record) string {
	latest := ""
	if len(rec.Events) > 0 {
		latest = rec.Events[0].ID
	}
	return rec.ID + "|" + latest + "|" + strconv.FormatInt(rec.Device.LastSync.UnixNano(), 10)
}

// BuildPrompt renders the clinician-facing analysis request for rec
func BuildPrompt(rec *patient.Record) string {
	events := rec.Events
	if len(events) > RecentEvents {
		events = events[:RecentEvents]
	}

	var logs strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&logs, "- %s: %s", ev.Timestamp.Format("2006-01-02 15:04:05 MST"), ev.Kind)
		if ev.Note != "" {
			fmt.Fprintf(&logs, " (%s)", ev.Note)
		}
		logs.WriteByte('\n')
	}

	return fmt.Sprintf(`You are a medical assistant analyzing data from a smart medication dispenser for a patient named %s.
Condition: %s.

Current Prescription:
- Max daily dose: %d
- Min interval: %d minutes
- Allowed window: %s to %s

Recent Usage Logs (Last %d events):
%s
Please provide a brief, professional medical summary (max 3 sentences) identifying if the patient is compliant, adhering to the schedule, or showing signs of addictive behavior (frequent blocked attempts). Address the doctor directly.
`,
		rec.Name, rec.Condition,
		rec.Config.DailyLimit, rec.Config.IntervalMinutes,
		rec.Config.AllowedStartTime, rec.Config.AllowedEndTime,
		RecentEvents, logs.String())
}
