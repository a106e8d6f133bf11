package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is where a new group starts reading: "earliest" or "latest"
	StartOffset string
	// MaxAttempts is how many times the handler sees a record before it is
	// dead-lettered
	MaxAttempts int
	// RetryBackoff is the pause between attempts, multiplied by the attempt number
	RetryBackoff time.Duration
	// DeadLetterTopic receives records the handler kept failing on; empty
	// drops them after logging
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the adherence monitor
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "kocon-adherence-monitor",
		Topics:            []string{TopicDoseEvents},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     8 << 20,
		StartOffset:       "earliest",
		MaxAttempts:       3,
		RetryBackoff:      200 * time.Millisecond,
		DeadLetterTopic:   TopicDeadLetter,
	}
}

// MessageHandler is called for each consumed message. A returned error is
// retried up to MaxAttempts before the record is dead-lettered.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed record
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records for a consumer group. A record's offset is committed
// once it was handled or dead-lettered.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead   atomic.Int64
	bytesRead      atomic.Int64
	errorCount     atomic.Int64
	deadLettered   atomic.Int64
	lastCommitTime atomic.Int64 // unix nanos
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(cfg.HeartbeatInterval))
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.FetchMaxBytes))
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
	}, nil
}

// Start begins consuming until ctx ends or Stop is called
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
}

// Stop ends consumption, commits handled offsets and closes the client
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.errorCount.Add(1)
		})

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(ctx, record)
		})

		if err := c.client.CommitMarkedOffsets(ctx); err != nil {
			if ctx.Err() == nil {
				c.logger.Error("failed to commit offsets", zap.Error(err))
				c.errorCount.Add(1)
			}
			continue
		}
		c.lastCommitTime.Store(time.Now().UnixNano())
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	attempts := c.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			break
		}
		c.errorCount.Add(1)
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < attempts && !sleepCtx(ctx, c.config.RetryBackoff*time.Duration(attempt)) {
			return
		}
	}

	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			// shutting down; leave the record for the next owner
			return
		}
		c.deadLetter(ctx, record, err)
	} else {
		c.messagesRead.Add(1)
		c.bytesRead.Add(int64(len(record.Value)))
	}
	c.client.MarkCommitRecords(record)
}

// deadLetter forwards a record the handler kept failing on
func (c *Consumer) deadLetter(ctx context.Context, record *kgo.Record, cause error) {
	if c.config.DeadLetterTopic == "" {
		c.logger.Error("dropping unprocessable record",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(cause))
		return
	}

	dl := kgo.KeySliceRecord(record.Key, record.Value)
	dl.Topic = c.config.DeadLetterTopic
	dl.Headers = append(dl.Headers,
		kgo.RecordHeader{Key: "original_topic", Value: []byte(record.Topic)},
		kgo.RecordHeader{Key: "original_partition", Value: []byte(strconv.Itoa(int(record.Partition)))},
		kgo.RecordHeader{Key: "original_offset", Value: []byte(strconv.FormatInt(record.Offset, 10))},
		kgo.RecordHeader{Key: "last_error", Value: []byte(cause.Error())},
	)
	if err := c.client.ProduceSync(ctx, dl).FirstErr(); err != nil {
		c.logger.Error("failed to dead-letter record",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return
	}
	c.deadLettered.Add(1)
	c.logger.Warn("record dead-lettered",
		zap.String("topic", record.Topic),
		zap.Int64("offset", record.Offset),
		zap.String("dead_letter_topic", c.config.DeadLetterTopic))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	DeadLettered   int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	var last time.Time
	if ns := c.lastCommitTime.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return ConsumerStats{
		MessagesRead:   c.messagesRead.Load(),
		BytesRead:      c.bytesRead.Load(),
		ErrorCount:     c.errorCount.Load(),
		DeadLettered:   c.deadLettered.Load(),
		LastCommitTime: last,
	}
}
