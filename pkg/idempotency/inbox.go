// Package idempotency provides an inbox that runs a handler at most once per
// idempotency key and replays the stored result for repeated deliveries.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrMessageInProgress indicates the key is currently being processed
	ErrMessageInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused indicates the key was first used with a different payload
	ErrKeyReused = errors.New("idempotency key reused with a different payload")
	// ErrPreviouslyFailed indicates the key failed permanently before
	ErrPreviouslyFailed = errors.New("request with this idempotency key failed permanently")
)

// Entry is one idempotency record
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Fingerprint    string
	Result         json.RawMessage
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// DefaultTTL is how long entries are remembered
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		RecoveryTimeout: time.Minute,
	}
}

// Inbox manages idempotent request processing in memory
type Inbox struct {
	entries *gocache.Cache
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer

	mu sync.Mutex // guards mutation of stored entries
}

// NewInbox creates a new inbox
func NewInbox(cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		entries: gocache.New(cfg.DefaultTTL, cfg.CleanupInterval),
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("inbox"),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn once per (handlerName, key). A finished key returns the
// stored result without running fn. A key whose handler returned a
// non-terminal error may be retried.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, recovered, err := i.start(key, handlerName, GenerateKey(string(payload)))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if entry.Status == StatusFinished {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{IsNew: false, Result: entry.Result}, nil
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	result, handlerErr := fn(ctx, payload)

	i.mu.Lock()
	entry.UpdatedAt = time.Now()
	if handlerErr != nil {
		entry.Status = StatusRecoverable
		if isTerminalError(handlerErr) {
			entry.Status = StatusFailed
		}
		entry.LastError = handlerErr.Error()
	} else {
		entry.Status = StatusFinished
		entry.Result = result
	}
	i.mu.Unlock()

	if handlerErr != nil {
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	return &ProcessResult{
		IsNew:        !recovered,
		WasRecovered: recovered,
		Result:       result,
	}, nil
}

// start claims the key. It returns the entry (finished entries are returned
// as-is for replay) and whether an earlier attempt is being retried.
func (i *Inbox) start(key, handlerName, fingerprint string) (*Entry, bool, error) {
	cacheKey := handlerName + "|" + key
	now := time.Now()

	i.mu.Lock()
	defer i.mu.Unlock()

	if v, ok := i.entries.Get(cacheKey); ok {
		entry := v.(*Entry)
		if entry.Fingerprint != fingerprint {
			return nil, false, ErrKeyReused
		}

		switch entry.Status {
		case StatusFinished:
			return entry, false, nil
		case StatusFailed:
			return nil, false, fmt.Errorf("%w: %s", ErrPreviouslyFailed, entry.LastError)
		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, false, ErrMessageInProgress
			}
			i.logger.Warn("recovering abandoned inbox entry",
				zap.String("idempotency_key", key),
				zap.String("handler", handlerName))
		}

		entry.Status = StatusStarted
		entry.UpdatedAt = now
		return entry, true, nil
	}

	entry := &Entry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	i.entries.Set(cacheKey, entry, gocache.DefaultExpiration)
	return entry, false, nil
}

// GenerateKey derives a deterministic key from its parts
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as permanent: the key will not be processed again.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func isTerminalError(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Stats holds inbox statistics
type Stats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()

	var stats Stats
	for _, item := range i.entries.Items() {
		entry := item.Object.(*Entry)
		stats.TotalEntries++
		switch entry.Status {
		case StatusStarted:
			stats.Started++
		case StatusFinished:
			stats.Finished++
		case StatusRecoverable:
			stats.Recoverable++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}
