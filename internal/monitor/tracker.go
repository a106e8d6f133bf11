// Package monitor watches the dose event stream for adherence anomalies:
// bursts of blocked attempts and emergency overrides.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
)

// AnomalyType classifies an anomaly
type AnomalyType string

const (
	AnomalyBlockedAttempts AnomalyType = "BLOCKED_ATTEMPTS"
	AnomalyEmergencyDose   AnomalyType = "EMERGENCY_DOSE"
)

// Anomaly is raised for a patient that needs clinical attention
type Anomaly struct {
	Type         AnomalyType `json:"type"`
	PatientID    string      `json:"patient_id"`
	SerialNumber string      `json:"serial_number"`
	Count        int         `json:"count"`
	At           time.Time   `json:"at"`
	Note         string      `json:"note,omitempty"`
}

// Config holds tracker configuration
type Config struct {
	// Window is the rolling period over which blocked attempts are counted
	Window time.Duration
	// Threshold raises an anomaly once the count exceeds it
	Threshold int
}

// DefaultConfig matches the clinician dashboard warning threshold
func DefaultConfig() Config {
	return Config{
		Window:    24 * time.Hour,
		Threshold: 5,
	}
}

type activity struct {
	blocked []time.Time // ascending
	raised  bool
}

// Tracker counts blocked attempts per patient by event time
type Tracker struct {
	config Config
	seen   *gocache.Cache

	mu       sync.Mutex
	patients map[string]*activity
}

// NewTracker creates a tracker
func NewTracker(cfg Config) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Tracker{
		config:   cfg,
		seen:     gocache.New(2*cfg.Window, cfg.Window),
		patients: make(map[string]*activity),
	}
}

// Observe records one event and returns any anomalies it raises.
// Redelivered events are ignored.
func (t *Tracker) Observe(rec patient.DoseEventRecorded) []Anomaly {
	if rec.Event.ID != "" {
		if err := t.seen.Add(rec.PatientID+"/"+rec.Event.ID, struct{}{}, gocache.DefaultExpiration); err != nil {
			return nil
		}
	}

	switch rec.Event.Kind {
	case patient.KindEmergencyDose:
		return []Anomaly{{
			Type:         AnomalyEmergencyDose,
			PatientID:    rec.PatientID,
			SerialNumber: rec.SerialNumber,
			Count:        1,
			At:           rec.Event.Timestamp,
			Note:         rec.Event.Note,
		}}
	case patient.KindAttemptBlocked:
		return t.observeBlocked(rec)
	}
	return nil
}

func (t *Tracker) observeBlocked(rec patient.DoseEventRecorded) []Anomaly {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.patients[rec.PatientID]
	if !ok {
		a = &activity{}
		t.patients[rec.PatientID] = a
	}

	ts := rec.Event.Timestamp
	i := sort.Search(len(a.blocked), func(i int) bool { return a.blocked[i].After(ts) })
	a.blocked = append(a.blocked, time.Time{})
	copy(a.blocked[i+1:], a.blocked[i:])
	a.blocked[i] = ts

	latest := a.blocked[len(a.blocked)-1]
	cutoff := latest.Add(-t.config.Window)
	drop := sort.Search(len(a.blocked), func(i int) bool { return a.blocked[i].After(cutoff) })
	a.blocked = a.blocked[drop:]

	count := len(a.blocked)
	if count <= t.config.Threshold {
		a.raised = false
		return nil
	}
	if a.raised {
		return nil
	}
	a.raised = true
	return []Anomaly{{
		Type:         AnomalyBlockedAttempts,
		PatientID:    rec.PatientID,
		SerialNumber: rec.SerialNumber,
		Count:        count,
		At:           latest,
		Note:         fmt.Sprintf("%d blocked attempts within %s", count, t.config.Window),
	}}
}

// BlockedCount returns the blocked attempts currently inside the window
func (t *Tracker) BlockedCount(patientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.patients[patientID]; ok {
		return len(a.blocked)
	}
	return 0
}

// Handler decodes dose events from the stream, feeds them to t and logs
// the anomalies raised. m may be nil.
func Handler(t *Tracker, m *metrics.Metrics, logger *zap.Logger) redpanda.MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var rec patient.DoseEventRecorded
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			// skipped, not retried
			logger.Error("skipping undecodable dose event",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		if m != nil {
			m.EventsConsumed.WithLabelValues(string(rec.Event.Kind)).Inc()
		}

		for _, a := range t.Observe(rec) {
			if m != nil {
				m.AnomaliesDetected.WithLabelValues(string(a.Type)).Inc()
			}
			logger.Warn("adherence anomaly",
				zap.String("type", string(a.Type)),
				zap.String("patient_id", a.PatientID),
				zap.String("serial_number", a.SerialNumber),
				zap.Int("count", a.Count),
				zap.Time("at", a.At),
				zap.String("note", a.Note))
		}
		return nil
	}
}
