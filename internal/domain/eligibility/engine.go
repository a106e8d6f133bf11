// Package eligibility decides whether a dispenser may release a dose right now.
//
// Evaluate is a pure function of the prescription, the event history, the
// current instant and the cartridge level. Verdicts are never stored; callers
// re-evaluate whenever they need a fresh answer.
package eligibility

import (
	"fmt"
	"time"

	"github.com/drfirst/go-kocon/internal/domain/patient"
)

// State is the top-level outcome of an evaluation
type State string

const (
	StateReady  State = "READY"
	StateLocked State = "LOCKED"
	StateEmpty  State = "EMPTY"
)

// Reason explains a Locked verdict
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDailyLimitReached Reason = "DAILY_LIMIT_REACHED"
	ReasonOutsideWindow     Reason = "OUTSIDE_WINDOW"
	ReasonCooldownActive    Reason = "COOLDOWN_ACTIVE"
)

// Verdict is the momentary eligibility decision plus the diagnostics used to reach it.
type Verdict struct {
	State  State  `json:"state"`
	Reason Reason `json:"reason,omitempty"`
	// RetryAfter is set only for ReasonCooldownActive
	RetryAfter        *time.Time `json:"retry_after,omitempty"`
	OverrideAvailable bool       `json:"override_available"`
	Message           string     `json:"message"`

	DosesToday  int        `json:"doses_today"`
	DailyLimit  int        `json:"daily_limit"`
	LastDose    *time.Time `json:"last_dose,omitempty"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
}

// Ready reports whether a normal dispense is permitted
func (v Verdict) Ready() bool { return v.State == StateReady }

// Locked reports whether a policy rule blocks dispensing
func (v Verdict) Locked() bool { return v.State == StateLocked }

// Countdown returns the time left until the cooldown lifts, or zero.
func (v Verdict) Countdown(now time.Time) time.Duration {
	if v.RetryAfter == nil {
		return 0
	}
	if d := v.RetryAfter.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Evaluate applies the dosing rules in precedence order: cartridge empty,
// daily limit, allowed window, cooldown. The first rule that matches decides.
// now's location defines the calendar day and the wall-clock minute.
func Evaluate(cfg patient.PrescriptionConfig, history []patient.DoseEvent, now time.Time, medicationLevel int) Verdict {
	v := Verdict{
		State:       StateReady,
		DailyLimit:  cfg.DailyLimit,
		EvaluatedAt: now,
		Message:     "Ready to dispense",
	}

	last, dosesToday := scanDoses(history, now)
	v.DosesToday = dosesToday
	if !last.IsZero() {
		v.LastDose = &last
	}

	switch {
	case medicationLevel <= 0:
		v.State = StateEmpty
		v.Message = "Cartridge Empty"
		return v

	case dosesToday >= cfg.DailyLimit:
		v.lock(ReasonDailyLimitReached, "Daily limit reached", cfg)

	case !InWindow(patient.TimeOfDayOf(now), cfg.AllowedStartTime, cfg.AllowedEndTime):
		v.lock(ReasonOutsideWindow, "Allowed hours: "+cfg.Window(), cfg)

	default:
		// With no dose on record the cooldown counts from the epoch and is satisfied.
		next := last.Add(cfg.Interval())
		if now.Before(next) {
			v.lock(ReasonCooldownActive, "Interval cooldown", cfg)
			v.RetryAfter = &next
		}
	}

	return v
}

func (v *Verdict) lock(reason Reason, message string, cfg patient.PrescriptionConfig) {
	v.State = StateLocked
	v.Reason = reason
	v.Message = message
	v.OverrideAvailable = cfg.EmergencyUnlock
}

// scanDoses finds the latest dose and counts doses on now's calendar day.
// History order is not relied on.
func scanDoses(history []patient.DoseEvent, now time.Time) (last time.Time, today int) {
	loc := now.Location()
	y, m, d := now.Date()
	for _, ev := range history {
		if !ev.Kind.IsDose() {
			continue
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
		ey, em, ed := ev.Timestamp.In(loc).Date()
		if ey == y && em == m && ed == d {
			today++
		}
	}
	return last, today
}

// InWindow reports whether minute lies in the inclusive window [start, end].
// A window whose start is after its end wraps past midnight.
func InWindow(minute, start, end patient.TimeOfDay) bool {
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// FormatCountdown renders d as zero-padded HH:MM:SS, truncated to whole
// seconds. Negative durations render as 00:00:00.
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
