// Package dispense runs dispense attempts against a patient's device: it checks
// eligibility, models the hardware cycle as an asynchronous task and commits
// exactly one event when the cycle finishes.
package dispense

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/domain/eligibility"
	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
	"github.com/drfirst/go-kocon/pkg/workerpool"
)

var (
	// ErrDispenseInProgress is returned while the device is already running a cycle
	ErrDispenseInProgress = errors.New("dispense already in progress")
	// ErrConfirmationRequired is returned for an emergency attempt without explicit confirmation and justification
	ErrConfirmationRequired = errors.New("emergency override requires confirmation and a justification")
	// ErrBusy is returned when no worker capacity is left to run the cycle
	ErrBusy = errors.New("dispenser is at capacity")
)

// Status is the result of an attempt
type Status string

const (
	StatusDispensed Status = "DISPENSED"
	StatusDenied    Status = "DENIED"
)

// Request describes one press of the dispense button
type Request struct {
	Emergency     bool   `json:"emergency"`
	Confirmed     bool   `json:"confirmed"`
	Justification string `json:"justification" validate:"max=500"`
}

// Outcome reports what an attempt did
type Outcome struct {
	Status  Status              `json:"status"`
	Verdict eligibility.Verdict `json:"verdict"`
	// Event is the committed dose, or the audit entry for a blocked attempt
	Event           *patient.DoseEvent `json:"event,omitempty"`
	MedicationLevel int                `json:"medication_level"`
	DeniedReason    string             `json:"denied_reason,omitempty"`
}

// Store is the part of the patient store the dispenser needs
type Store interface {
	Get(ctx context.Context, id string) (*patient.Record, error)
	AppendEvent(ctx context.Context, id string, ev patient.DoseEvent) (*patient.Record, error)
}

// Config holds dispenser configuration
type Config struct {
	// Latency is the fixed duration of one hardware dispense cycle
	Latency time.Duration
	// Workers bounds how many devices can run a cycle at once
	Workers int
	// QueueSize bounds accepted cycles waiting for a worker
	QueueSize int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Latency:   1500 * time.Millisecond,
		Workers:   32,
		QueueSize: 256,
	}
}

// Dispenser serializes dispense attempts per device
type Dispenser struct {
	store   Store
	clock   eligibility.Clock
	config  Config
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type cycle struct {
	patientID string
	kind      patient.EventKind
	note      string
	started   time.Time
}

type committed struct {
	record *patient.Record
	event  patient.DoseEvent
}

// New creates a dispenser. m may be nil.
func New(store Store, clock eligibility.Clock, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Dispenser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = eligibility.SystemClock{}
	}

	d := &Dispenser{
		store:    store,
		clock:    clock,
		config:   cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("dispenser"),
		inFlight: make(map[string]struct{}),
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:                 cfg.Workers,
		QueueSize:               cfg.QueueSize,
		GracefulShutdownTimeout: 2*cfg.Latency + 5*time.Second,
	}, d.runCycle, logger.Named("dispense-pool"))
	if err != nil {
		return nil, fmt.Errorf("create dispense pool: %w", err)
	}
	d.pool = pool

	return d, nil
}

// Start launches the dispense workers
func (d *Dispenser) Start() { d.pool.Start() }

// Stop waits for running cycles to commit
func (d *Dispenser) Stop() error { return d.pool.Stop() }

// inProgress reports whether a cycle is running for the patient's device
func (d *Dispenser) inProgress(patientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[patientID]
	return ok
}

// Healthy reports whether the worker pool has spare capacity
func (d *Dispenser) Healthy() bool { return d.pool.IsHealthy() }

// Attempt evaluates eligibility and, when permitted, runs one dispense cycle.
// The cycle cannot be cancelled: if ctx ends first, Attempt returns ctx.Err()
// and the dose still commits.
func (d *Dispenser) Attempt(ctx context.Context, patientID string, req Request) (*Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispense_attempt",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.Bool("emergency", req.Emergency),
		))
	defer span.End()

	mode := "normal"
	if req.Emergency {
		mode = "emergency"
	}

	if req.Emergency && (!req.Confirmed || strings.TrimSpace(req.Justification) == "") {
		d.countAttempt(mode, "unconfirmed")
		return nil, ErrConfirmationRequired
	}

	if !d.acquire(patientID) {
		d.countAttempt(mode, "busy")
		return nil, fmt.Errorf("%w: %s", ErrDispenseInProgress, patientID)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			d.release(patientID)
		}
	}()

	rec, err := d.store.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	verdict := eligibility.Evaluate(rec.Config, rec.Events, now, rec.Device.MedicationLevel)
	span.SetAttributes(
		attribute.String("verdict.state", string(verdict.State)),
		attribute.String("verdict.reason", string(verdict.Reason)),
	)

	if reason, denied := deny(verdict, req); denied {
		outcome, err := d.denied(ctx, rec, verdict, req, reason, now)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		d.countAttempt(mode, "denied")
		return outcome, nil
	}

	kind, note := patient.KindDoseTaken, ""
	if req.Emergency {
		kind, note = patient.KindEmergencyDose, strings.TrimSpace(req.Justification)
	}

	done, err := d.pool.Submit(&workerpool.Task{
		ID:      uuid.New().String(),
		Payload: cycle{patientID: patientID, kind: kind, note: note, started: time.Now()},
		Context: context.WithoutCancel(ctx),
	})
	if err != nil {
		d.countAttempt(mode, "busy")
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	handedOff = true

	select {
	case <-ctx.Done():
		d.logger.Warn("caller left before dispense committed",
			zap.String("patient_id", patientID),
			zap.Error(ctx.Err()))
		return nil, ctx.Err()
	case res := <-done:
		if !res.Success {
			d.countAttempt(mode, "error")
			span.RecordError(res.Error)
			return nil, res.Error
		}
		c := res.Data.(committed)
		d.countAttempt(mode, "dispensed")
		ev := c.event
		return &Outcome{
			Status:          StatusDispensed,
			Verdict:         verdict,
			Event:           &ev,
			MedicationLevel: c.record.Device.MedicationLevel,
		}, nil
	}
}

// deny applies the preconditions for the requested mode
func deny(v eligibility.Verdict, req Request) (string, bool) {
	if !req.Emergency {
		if v.Ready() {
			return "", false
		}
		return v.Message, true
	}

	switch {
	case v.State == eligibility.StateEmpty:
		return v.Message, true
	case v.Ready():
		return "Emergency override not needed: dispensing is allowed", true
	case !v.OverrideAvailable:
		return "Emergency override is disabled for this prescription", true
	}
	return "", false
}

// denied builds the outcome for a rejected attempt. A normal attempt refused
// by a policy lock is recorded as a blocked attempt.
func (d *Dispenser) denied(ctx context.Context, rec *patient.Record, v eligibility.Verdict, req Request, reason string, now time.Time) (*Outcome, error) {
	outcome := &Outcome{
		Status:          StatusDenied,
		Verdict:         v,
		MedicationLevel: rec.Device.MedicationLevel,
		DeniedReason:    reason,
	}

	if d.metrics != nil {
		d.metrics.DispensesDenied.WithLabelValues(string(v.State), string(v.Reason)).Inc()
	}

	if req.Emergency || !v.Locked() {
		d.logger.Info("dispense denied",
			zap.String("patient_id", rec.ID),
			zap.String("state", string(v.State)),
			zap.Bool("emergency", req.Emergency),
			zap.String("reason", reason))
		return outcome, nil
	}

	ev := patient.NewDoseEvent(patient.KindAttemptBlocked, now, v.Message)
	updated, err := d.store.AppendEvent(ctx, rec.ID, ev)
	if err != nil {
		return nil, fmt.Errorf("record blocked attempt: %w", err)
	}
	outcome.Event = &ev
	outcome.MedicationLevel = updated.Device.MedicationLevel

	d.logger.Info("dispense blocked",
		zap.String("patient_id", rec.ID),
		zap.String("event_id", ev.ID),
		zap.String("reason", string(v.Reason)))

	return outcome, nil
}

// runCycle is the worker function: it waits out the hardware cycle, then
// commits the dose stamped with the completion time.
func (d *Dispenser) runCycle(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	c := task.Payload.(cycle)
	defer d.release(c.patientID)

	ctx, span := d.tracer.Start(ctx, "dispense_cycle",
		trace.WithAttributes(
			attribute.String("patient_id", c.patientID),
			attribute.String("kind", string(c.kind)),
		))
	defer span.End()

	time.Sleep(d.config.Latency)

	ev := patient.NewDoseEvent(c.kind, d.clock.Now(), c.note)
	rec, err := d.store.AppendEvent(ctx, c.patientID, ev)
	if err != nil {
		span.RecordError(err)
		return &workerpool.Result{Error: fmt.Errorf("commit dose: %w", err)}
	}

	if d.metrics != nil {
		d.metrics.DosesDispensed.WithLabelValues(string(c.kind)).Inc()
		d.metrics.DispenseDuration.Observe(time.Since(c.started).Seconds())
	}

	fields := []zap.Field{
		zap.String("patient_id", c.patientID),
		zap.String("event_id", ev.ID),
		zap.String("kind", string(c.kind)),
		zap.Int("medication_level", rec.Device.MedicationLevel),
	}
	if c.kind == patient.KindEmergencyDose {
		d.logger.Warn("emergency dose dispensed", append(fields, zap.String("justification", c.note))...)
	} else {
		d.logger.Info("dose dispensed", fields...)
	}

	return &workerpool.Result{Success: true, Data: committed{record: rec, event: ev}}
}

func (d *Dispenser) acquire(patientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[patientID]; busy {
		return false
	}
	d.inFlight[patientID] = struct{}{}
	if d.metrics != nil {
		d.metrics.DispensesInFlight.Inc()
	}
	return true
}

func (d *Dispenser) release(patientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, patientID)
	if d.metrics != nil {
		d.metrics.DispensesInFlight.Dec()
	}
}

func (d *Dispenser) countAttempt(mode, result string) {
	if d.metrics != nil {
		d.metrics.DispenseAttempts.WithLabelValues(mode, result).Inc()
	}
}
