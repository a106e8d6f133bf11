// Package dashboard computes the practice overview and per-patient adherence
// history from patient record snapshots.
package dashboard

import (
	"sort"
	"time"

	"github.com/drfirst/go-kocon/internal/domain/patient"
)

const (
	// LowBatteryThreshold flags devices whose battery is below this percentage
	LowBatteryThreshold = 20
	// LowMedicationThreshold flags cartridges below this level
	LowMedicationThreshold = 15
	// BlockedAttemptWarningThreshold flags patients with more blocked attempts than this
	BlockedAttemptWarningThreshold = 5
)

// PatientRef identifies a patient in an alert list
type PatientRef struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number"`
	Value        int    `json:"value"`
}

// Alerts lists the patients behind each warning counter
type Alerts struct {
	LowMedication []PatientRef `json:"low_medication"`
	LowBattery    []PatientRef `json:"low_battery"`
	Offline       []PatientRef `json:"offline"`
	Warnings      []PatientRef `json:"warnings"`
}

// Stats is the practice overview
type Stats struct {
	TotalPatients        int    `json:"total_patients"`
	OfflineDevices       int    `json:"offline_devices"`
	LowBatteryDevices    int    `json:"low_battery_devices"`
	LowMedicationDevices int    `json:"low_medication_devices"`
	Warnings             int    `json:"warnings"`
	Alerts               Alerts `json:"alerts"`
}

// AllClear reports whether no device needs attention
func (s Stats) AllClear() bool {
	return s.OfflineDevices == 0 && s.LowBatteryDevices == 0 && s.LowMedicationDevices == 0
}

// Summarize aggregates records in the order given
func Summarize(records []*patient.Record) Stats {
	stats := Stats{
		TotalPatients: len(records),
		Alerts: Alerts{
			LowMedication: []PatientRef{},
			LowBattery:    []PatientRef{},
			Offline:       []PatientRef{},
			Warnings:      []PatientRef{},
		},
	}

	for _, rec := range records {
		ref := func(v int) PatientRef {
			return PatientRef{ID: rec.ID, Name: rec.Name, SerialNumber: rec.Device.SerialNumber, Value: v}
		}

		if rec.Device.Status == patient.StatusOffline {
			stats.OfflineDevices++
			stats.Alerts.Offline = append(stats.Alerts.Offline, ref(0))
		}
		if rec.Device.BatteryLevel < LowBatteryThreshold {
			stats.LowBatteryDevices++
			stats.Alerts.LowBattery = append(stats.Alerts.LowBattery, ref(rec.Device.BatteryLevel))
		}
		if rec.Device.MedicationLevel < LowMedicationThreshold {
			stats.LowMedicationDevices++
			stats.Alerts.LowMedication = append(stats.Alerts.LowMedication, ref(rec.Device.MedicationLevel))
		}
		if blocked := rec.CountEvents(patient.KindAttemptBlocked); blocked > BlockedAttemptWarningThreshold {
			stats.Warnings++
			stats.Alerts.Warnings = append(stats.Alerts.Warnings, ref(blocked))
		}
	}

	return stats
}

// DayBucket holds one local calendar day of activity
type DayBucket struct {
	Date    string `json:"date"` // YYYY-MM-DD
	Doses   int    `json:"doses"`
	Blocked int    `json:"blocked"`
}

// AdherenceHistory buckets events by calendar day in loc, oldest day first.
// Device errors are not counted. A nil loc uses UTC.
func AdherenceHistory(events []patient.DoseEvent, loc *time.Location) []DayBucket {
	if loc == nil {
		loc = time.UTC
	}

	byDay := make(map[string]*DayBucket)
	for _, ev := range events {
		day := ev.Timestamp.In(loc).Format(time.DateOnly)
		b, ok := byDay[day]
		if !ok {
			b = &DayBucket{Date: day}
			byDay[day] = b
		}
		switch {
		case ev.Kind.IsDose():
			b.Doses++
		case ev.Kind == patient.KindAttemptBlocked:
			b.Blocked++
		}
	}

	out := make([]DayBucket, 0, len(byDay))
	for _, b := range byDay {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
