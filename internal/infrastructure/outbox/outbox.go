// Package outbox buffers record changes written by the patient store and relays
// them to the event stream in write order.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrFull is returned by Write when the pending queue is at capacity.
var ErrFull = errors.New("outbox is full")

// Entry is a single change waiting to be published
type Entry struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
}

// NewEntry marshals payload into a new entry keyed by the aggregate ID.
func NewEntry(aggregateType, aggregateID, eventType string, payload interface{}) (*Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Entry{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Config holds configuration for the relay loop
type Config struct {
	// BatchSize is the number of entries published per poll
	BatchSize int
	// PollInterval is how often pending entries are relayed
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// Capacity bounds the pending queue; zero means unbounded
	Capacity int
	// Topics maps event types to destination topics
	Topics map[string]string
	// DefaultTopic receives event types missing from Topics
	DefaultTopic string
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		Capacity:        10_000,
		Topics:          map[string]string{},
		DefaultTopic:    "kocon.patient-events",
		DeadLetterTopic: "kocon.dead-letter",
	}
}

// Publisher delivers a relayed entry to the event stream
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox is an in-process transactional outbox. Writers append entries while
// holding their own lock so the change and its entry become visible together.
type Outbox struct {
	config    Config
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	pending []*Entry

	processed    atomic.Int64
	deadLettered atomic.Int64
	dropped      atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an outbox relaying to publisher
func New(publisher Publisher, cfg Config, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Write queues an entry for publishing. It never blocks on the publisher.
func (o *Outbox) Write(entry *Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.config.Capacity > 0 && len(o.pending) >= o.config.Capacity {
		o.dropped.Add(1)
		return ErrFull
	}
	o.pending = append(o.pending, entry)
	return nil
}

// Start begins relaying pending entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop halts the relay loop and makes a final bounded attempt to drain the queue.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Flush(ctx); err != nil {
		o.logger.Warn("outbox not drained on stop",
			zap.Int("pending", o.Len()),
			zap.Error(err))
	}
	o.logger.Info("outbox relay stopped")
}

// Flush relays batches until the queue is empty, a publish fails, or ctx ends.
func (o *Outbox) Flush(ctx context.Context) error {
	for o.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := o.processBatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of pending entries
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.processBatch(o.ctx); err != nil {
				o.logger.Debug("outbox batch interrupted", zap.Error(err))
			}
		}
	}
}

// processBatch publishes up to BatchSize entries in order. On a failed publish
// the failing entry and everything behind it go back to the head of the queue.
func (o *Outbox) processBatch(ctx context.Context) (int, error) {
	batch := o.take(o.config.BatchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	ctx, span := o.tracer.Start(ctx, "outbox_process_batch",
		trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	for i, entry := range batch {
		if err := o.processEntry(ctx, entry); err != nil {
			entry.RetryCount++
			entry.LastError = err.Error()

			if o.config.MaxRetries > 0 && entry.RetryCount >= o.config.MaxRetries {
				o.moveToDeadLetter(ctx, entry)
				continue
			}

			o.requeue(batch[i:])
			span.RecordError(err)
			o.logger.Warn("outbox publish failed",
				zap.String("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount),
				zap.Error(err))
			return i, fmt.Errorf("publish %s: %w", entry.ID, err)
		}
		o.processed.Add(1)
	}

	return len(batch), nil
}

func (o *Outbox) processEntry(ctx context.Context, entry *Entry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.String("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic := o.topicFor(entry.EventType)
	if err := o.publisher.Publish(ctx, topic, entry.AggregateID, entry.Payload); err != nil {
		span.RecordError(err)
		return err
	}

	o.logger.Debug("outbox entry published",
		zap.String("id", entry.ID),
		zap.String("topic", topic))
	return nil
}

func (o *Outbox) moveToDeadLetter(ctx context.Context, entry *Entry) {
	dlPayload, _ := json.Marshal(map[string]interface{}{
		"original_topic": o.topicFor(entry.EventType),
		"event_type":     entry.EventType,
		"aggregate_id":   entry.AggregateID,
		"payload":        entry.Payload,
		"retry_count":    entry.RetryCount,
		"last_error":     entry.LastError,
		"created_at":     entry.CreatedAt,
	})

	o.deadLettered.Add(1)
	if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.AggregateID, dlPayload); err != nil {
		o.logger.Error("failed to publish to dead letter",
			zap.String("id", entry.ID),
			zap.Error(err))
		return
	}
	o.logger.Warn("outbox entry dead-lettered",
		zap.String("id", entry.ID),
		zap.String("event_type", entry.EventType),
		zap.String("last_error", entry.LastError))
}

func (o *Outbox) topicFor(eventType string) string {
	if topic, ok := o.config.Topics[eventType]; ok {
		return topic
	}
	return o.config.DefaultTopic
}

func (o *Outbox) take(n int) []*Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n > len(o.pending) {
		n = len(o.pending)
	}
	batch := make([]*Entry, n)
	copy(batch, o.pending[:n])
	o.pending = o.pending[n:]
	return batch
}

func (o *Outbox) requeue(entries []*Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending := make([]*Entry, 0, len(entries)+len(o.pending))
	pending = append(pending, entries...)
	o.pending = append(pending, o.pending...)
}

// Stats holds relay statistics
type Stats struct {
	Pending       int64
	Processed     int64
	DeadLettered  int64
	Dropped       int64
	OldestPending *time.Time
}

// Stats returns current relay statistics
func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := Stats{
		Pending:      int64(len(o.pending)),
		Processed:    o.processed.Load(),
		DeadLettered: o.deadLettered.Load(),
		Dropped:      o.dropped.Load(),
	}
	if len(o.pending) > 0 {
		oldest := o.pending[0].CreatedAt
		stats.OldestPending = &oldest
	}
	return stats
}
