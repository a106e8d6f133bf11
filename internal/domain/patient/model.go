// Package patient implements patient records, prescription configuration and
// the dose event history kept for each dispenser.
package patient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceStatus represents the connectivity state reported by a dispenser
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "Online"
	StatusOffline     DeviceStatus = "Offline"
	StatusSyncPending DeviceStatus = "Sync Pending"
	StatusLocked      DeviceStatus = "Locked"
)

// Valid reports whether s is a known status
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusSyncPending, StatusLocked:
		return true
	}
	return false
}

// EventKind represents the type of a dose event
type EventKind string

const (
	KindDoseTaken      EventKind = "DOSE_TAKEN"
	KindAttemptBlocked EventKind = "ATTEMPT_BLOCKED"
	KindDeviceError    EventKind = "DEVICE_ERROR"
	KindEmergencyDose  EventKind = "EMERGENCY_DOSE"
)

// Valid reports whether k is a known event kind
func (k EventKind) Valid() bool {
	switch k {
	case KindDoseTaken, KindAttemptBlocked, KindDeviceError, KindEmergencyDose:
		return true
	}
	return false
}

// IsDose reports whether the event dispensed medication.
func (k EventKind) IsDose() bool {
	return k == KindDoseTaken || k == KindEmergencyDose
}

// TimeOfDay is a wall-clock time with minute precision, stored as minutes
// since midnight. It encodes as "HH:MM".
type TimeOfDay int

// MinutesPerDay is the number of distinct TimeOfDay values
const MinutesPerDay = 24 * 60

// NewTimeOfDay builds a TimeOfDay from hour and minute
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses a strict "HH:MM" value in the range 00:00-23:59.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || !twoDigits(hh) || !twoDigits(mm) {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return NewTimeOfDay(hour, minute), nil
}

func twoDigits(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

// TimeOfDayOf returns the wall-clock minute of t in t's location
func TimeOfDayOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute())
}

// Minutes returns minutes since midnight
func (t TimeOfDay) Minutes() int { return int(t) }

// Valid reports whether t falls within a single day
func (t TimeOfDay) Valid() bool { return t >= 0 && t < MinutesPerDay }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// MarshalText implements encoding.TextMarshaler
func (t TimeOfDay) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("time of day %d out of range", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// On returns the instant at which t occurs on day's calendar date in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, day.Location())
}

// PrescriptionConfig is the dosing policy enforced on a dispenser
type PrescriptionConfig struct {
	IntervalMinutes     int       `json:"interval_minutes" validate:"gte=0"`
	DailyLimit          int       `json:"daily_limit" validate:"gte=0"`
	TherapyDurationDays int       `json:"therapy_duration_days" validate:"gte=0"`
	AllowedStartTime    TimeOfDay `json:"allowed_start_time"`
	AllowedEndTime      TimeOfDay `json:"allowed_end_time"`
	EmergencyUnlock     bool      `json:"emergency_unlock"`
}

// DefaultConfig returns the configuration given to newly registered devices
func DefaultConfig() PrescriptionConfig {
	return PrescriptionConfig{
		IntervalMinutes:     240,
		DailyLimit:          4,
		TherapyDurationDays: 14,
		AllowedStartTime:    NewTimeOfDay(8, 0),
		AllowedEndTime:      NewTimeOfDay(20, 0),
		EmergencyUnlock:     false,
	}
}

// Interval returns the minimum gap between doses
func (c PrescriptionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Window renders the allowed dosing hours
func (c PrescriptionConfig) Window() string {
	return c.AllowedStartTime.String() + " - " + c.AllowedEndTime.String()
}

// DoseEvent is one immutable entry in a device's history
type DoseEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"type"`
	Note      string    `json:"note,omitempty"`
}

// NewDoseEvent creates an event with a fresh ID
func NewDoseEvent(kind EventKind, at time.Time, note string) DoseEvent {
	return DoseEvent{
		ID:        uuid.New().String(),
		Timestamp: at,
		Kind:      kind,
		Note:      note,
	}
}

// Device is the dispenser state attached to a patient
type Device struct {
	SerialNumber    string       `json:"serial_number"`
	BatteryLevel    int          `json:"battery_level"`
	MedicationLevel int          `json:"medication_level"`
	LastSync        time.Time    `json:"last_sync"`
	FirmwareVersion string       `json:"firmware_version"`
	Status          DeviceStatus `json:"status"`
}

const (
	// FullMedicationLevel is the level of a freshly filled cartridge
	FullMedicationLevel = 100
	// DefaultFirmwareVersion is reported by newly provisioned devices
	DefaultFirmwareVersion = "1.5.0"
)

// Record is a patient together with their device, prescription and history.
// Events are ordered newest first.
type Record struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Age       int                `json:"age"`
	Condition string             `json:"condition"`
	Device    Device             `json:"device"`
	Config    PrescriptionConfig `json:"config"`
	Events    []DoseEvent        `json:"events"`
}

// Clone returns a deep copy of r
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Events = make([]DoseEvent, len(r.Events))
	copy(c.Events, r.Events)
	return &c
}

// CountEvents returns how many events of kind the record holds
func (r *Record) CountEvents(kind EventKind) int {
	n := 0
	for _, e := range r.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
