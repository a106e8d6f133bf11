package patient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/infrastructure/outbox"
)

var (
	// ErrPatientNotFound is returned when no record has the requested ID
	ErrPatientNotFound = errors.New("patient not found")
	// ErrDuplicateSerial is returned when a serial number is already registered
	ErrDuplicateSerial = errors.New("serial number already registered")
	// ErrInvalidEvent is returned for events with an unknown kind or zero timestamp
	ErrInvalidEvent = errors.New("invalid dose event")
)

// Change event types written to the change log
const (
	AggregateType = "Patient"

	ChangePatientRegistered  = "PatientRegistered"
	ChangeConfigUpdated      = "PrescriptionConfigUpdated"
	ChangeDoseEventRecorded  = "DoseEventRecorded"
	ChangeMedicationRefilled = "MedicationRefilled"
	ChangeDeviceUpdated      = "DeviceStateUpdated"
)

// DoseEventRecorded is the change payload for an appended event
type DoseEventRecorded struct {
	PatientID       string    `json:"patient_id"`
	SerialNumber    string    `json:"serial_number"`
	Event           DoseEvent `json:"event"`
	MedicationLevel int       `json:"medication_level"`
}

// ChangeLog receives one entry per committed mutation
type ChangeLog interface {
	Write(entry *outbox.Entry) error
}

// Registration is the input for provisioning a new device
type Registration struct {
	SerialNumber string `json:"serial_number" validate:"omitempty,max=64"`
	Name         string `json:"name" validate:"required,max=120"`
	Age          int    `json:"age" validate:"gte=0,lte=130"`
	Condition    string `json:"condition" validate:"required,max=120"`
}

// DeviceUpdate carries telemetry reported by a dispenser. Nil fields are left unchanged.
type DeviceUpdate struct {
	BatteryLevel    *int          `json:"battery_level,omitempty" validate:"omitempty,gte=0,lte=100"`
	Status          *DeviceStatus `json:"status,omitempty"`
	FirmwareVersion *string       `json:"firmware_version,omitempty" validate:"omitempty,max=32"`
}

// Repository is the authoritative in-memory store of patient records.
// Every mutation happens under a single lock and readers receive deep copies.
type Repository struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // newest registration first
	changes ChangeLog
	logger  *zap.Logger
}

// NewRepository creates an empty repository
func NewRepository(logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		records: make(map[string]*Record),
		logger:  logger,
	}
}

// WithChangeLog attaches a change log. Call before the repository is shared.
func (r *Repository) WithChangeLog(c ChangeLog) *Repository {
	r.changes = c
	return r
}

// List returns snapshots of all records, newest registration first
func (r *Repository) List(ctx context.Context) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// Get returns a snapshot of one record
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return rec.Clone(), nil
}

// Events returns up to limit of the most recent events; limit <= 0 returns all.
func (r *Repository) Events(ctx context.Context, id string, limit int) ([]DoseEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	n := len(rec.Events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DoseEvent, n)
	copy(out, rec.Events[:n])
	return out, nil
}

// Register provisions a device with default configuration and prepends it.
func (r *Repository) Register(ctx context.Context, reg Registration, now time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serial := strings.TrimSpace(reg.SerialNumber)
	if serial == "" {
		serial = r.generateSerial()
	} else if r.serialTaken(serial) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSerial, serial)
	}

	rec := &Record{
		ID:        r.generateID(),
		Name:      strings.TrimSpace(reg.Name),
		Age:       reg.Age,
		Condition: strings.TrimSpace(reg.Condition),
		Device: Device{
			SerialNumber:    serial,
			BatteryLevel:    100,
			MedicationLevel: FullMedicationLevel,
			LastSync:        now,
			FirmwareVersion: DefaultFirmwareVersion,
			Status:          StatusOnline,
		},
		Config: DefaultConfig(),
		Events: []DoseEvent{},
	}

	r.insert(rec)
	r.record(rec.ID, ChangePatientRegistered, rec)

	r.logger.Info("device registered",
		zap.String("patient_id", rec.ID),
		zap.String("serial_number", serial))

	return rec.Clone(), nil
}

// Insert prepends a fully formed record, keeping its ID and events.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" {
		rec = rec.Clone()
		rec.ID = r.generateID()
	}
	if _, exists := r.records[rec.ID]; exists {
		return fmt.Errorf("patient %s already exists", rec.ID)
	}
	if r.serialTaken(rec.Device.SerialNumber) {
		return fmt.Errorf("%w: %s", ErrDuplicateSerial, rec.Device.SerialNumber)
	}

	c := rec.Clone()
	sort.SliceStable(c.Events, func(i, j int) bool {
		return c.Events[i].Timestamp.After(c.Events[j].Timestamp)
	})
	r.insert(c)
	return nil
}

// UpdateConfig replaces the prescription wholesale and stamps the sync time.
func (r *Repository) UpdateConfig(ctx context.Context, id string, cfg PrescriptionConfig, now time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	rec.Config = cfg
	rec.Device.LastSync = now

	r.record(id, ChangeConfigUpdated, map[string]interface{}{
		"patient_id": id,
		"config":     cfg,
		"last_sync":  now,
	})
	return rec.Clone(), nil
}

// AppendEvent inserts ev keeping history newest first. Dose events decrement
// the medication level by one, never below zero, in the same update.
func (r *Repository) AppendEvent(ctx context.Context, id string, ev DoseEvent) (*Record, error) {
	if !ev.Kind.Valid() || ev.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: kind=%q", ErrInvalidEvent, ev.Kind)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}

	// First position whose timestamp is not after ev; ev goes ahead of equal timestamps.
	i := sort.Search(len(rec.Events), func(i int) bool {
		return !rec.Events[i].Timestamp.After(ev.Timestamp)
	})
	rec.Events = append(rec.Events, DoseEvent{})
	copy(rec.Events[i+1:], rec.Events[i:])
	rec.Events[i] = ev

	if ev.Kind.IsDose() && rec.Device.MedicationLevel > 0 {
		rec.Device.MedicationLevel--
	}

	r.record(id, ChangeDoseEventRecorded, DoseEventRecorded{
		PatientID:       id,
		SerialNumber:    rec.Device.SerialNumber,
		Event:           ev,
		MedicationLevel: rec.Device.MedicationLevel,
	})
	return rec.Clone(), nil
}

// Refill resets the cartridge to full
func (r *Repository) Refill(ctx context.Context, id string, now time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	rec.Device.MedicationLevel = FullMedicationLevel
	rec.Device.LastSync = now

	r.record(id, ChangeMedicationRefilled, map[string]interface{}{
		"patient_id":       id,
		"medication_level": FullMedicationLevel,
		"refilled_at":      now,
	})
	return rec.Clone(), nil
}

// UpdateDevice applies reported telemetry
func (r *Repository) UpdateDevice(ctx context.Context, id string, upd DeviceUpdate, now time.Time) (*Record, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("unknown device status %q", *upd.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	if upd.BatteryLevel != nil {
		rec.Device.BatteryLevel = *upd.BatteryLevel
	}
	if upd.Status != nil {
		rec.Device.Status = *upd.Status
	}
	if upd.FirmwareVersion != nil {
		rec.Device.FirmwareVersion = *upd.FirmwareVersion
	}
	rec.Device.LastSync = now

	r.record(id, ChangeDeviceUpdated, map[string]interface{}{
		"patient_id": id,
		"device":     rec.Device,
	})
	return rec.Clone(), nil
}

// insert prepends rec. Callers hold the write lock.
func (r *Repository) insert(rec *Record) {
	r.records[rec.ID] = rec
	r.order = append([]string{rec.ID}, r.order...)
}

// record writes a change entry. Callers hold the write lock.
func (r *Repository) record(id, eventType string, payload interface{}) {
	if r.changes == nil {
		return
	}
	entry, err := outbox.NewEntry(AggregateType, id, eventType, payload)
	if err == nil {
		err = r.changes.Write(entry)
	}
	if err != nil {
		r.logger.Error("failed to write change entry",
			zap.String("patient_id", id),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (r *Repository) generateID() string {
	for {
		id := "p-" + strings.ToUpper(uuid.New().String()[:8])
		if _, exists := r.records[id]; !exists {
			return id
		}
	}
}

func (r *Repository) generateSerial() string {
	for i := 0; i < 100; i++ {
		serial := fmt.Sprintf("KOCON-XH-%04d", uuid.New().ID()%10000)
		if !r.serialTaken(serial) {
			return serial
		}
	}
	return "KOCON-XH-" + strings.ToUpper(uuid.New().String()[:8])
}

func (r *Repository) serialTaken(serial string) bool {
	for _, rec := range r.records {
		if strings.EqualFold(rec.Device.SerialNumber, serial) {
			return true
		}
	}
	return false
}
