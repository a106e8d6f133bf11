package patient

import (
	"context"
	"fmt"
	"time"
)

// demoHistory builds a routine of two daily doses with a late-night blocked
// attempt every third day, going back the given number of days from now.
// Events that would lie in the future are skipped.
func demoHistory(days int, now time.Time) []DoseEvent {
	var events []DoseEvent
	for i := 0; i < days; i++ {
		day := now.AddDate(0, 0, -i)

		add := func(n int, at TimeOfDay, kind EventKind, note string) {
			ts := at.On(day)
			if ts.After(now) {
				return
			}
			events = append(events, DoseEvent{
				ID:        fmt.Sprintf("log-%d-%d", i, n),
				Timestamp: ts,
				Kind:      kind,
				Note:      note,
			})
		}

		add(1, NewTimeOfDay(8, 30), KindDoseTaken, "")
		add(2, NewTimeOfDay(13, 15), KindDoseTaken, "")
		if i%3 == 0 {
			add(3, NewTimeOfDay(23, 45), KindAttemptBlocked, "Outside allowed timeframe")
		}
	}
	return events
}

// DemoRecords returns the demo patient roster relative to now
func DemoRecords(now time.Time) []*Record {
	return []*Record{
		{
			ID:        "p-101",
			Name:      "Hans Müller",
			Age:       54,
			Condition: "Chronic Pain Management",
			Device: Device{
				SerialNumber:    "KOCON-XH-9921",
				BatteryLevel:    85,
				MedicationLevel: 42,
				LastSync:        now,
				FirmwareVersion: "1.4.2",
				Status:          StatusOnline,
			},
			Config: PrescriptionConfig{
				IntervalMinutes:     240,
				DailyLimit:          4,
				TherapyDurationDays: 14,
				AllowedStartTime:    NewTimeOfDay(8, 0),
				AllowedEndTime:      NewTimeOfDay(22, 0),
			},
			Events: demoHistory(7, now),
		},
		{
			ID:        "p-102",
			Name:      "Sabine Weber",
			Age:       32,
			Condition: "Post-Op Recovery",
			Device: Device{
				SerialNumber:    "KOCON-XH-4410",
				BatteryLevel:    12,
				MedicationLevel: 8,
				LastSync:        time.Date(2023, time.October, 25, 9, 0, 0, 0, time.UTC),
				FirmwareVersion: "1.4.0",
				Status:          StatusOffline,
			},
			Config: PrescriptionConfig{
				IntervalMinutes:     360,
				DailyLimit:          3,
				TherapyDurationDays: 7,
				AllowedStartTime:    NewTimeOfDay(9, 0),
				AllowedEndTime:      NewTimeOfDay(20, 0),
				EmergencyUnlock:     true,
			},
			Events: demoHistory(3, now),
		},
		{
			ID:        "p-103",
			Name:      "Michael Schmidt",
			Age:       67,
			Condition: "Palliative Care",
			Device: Device{
				SerialNumber:    "KOCON-XH-1102",
				BatteryLevel:    92,
				MedicationLevel: 88,
				LastSync:        now,
				FirmwareVersion: "1.4.2",
				Status:          StatusOnline,
			},
			Config: PrescriptionConfig{
				IntervalMinutes:     120,
				DailyLimit:          8,
				TherapyDurationDays: 30,
				AllowedStartTime:    NewTimeOfDay(6, 0),
				AllowedEndTime:      NewTimeOfDay(23, 59),
			},
			Events: []DoseEvent{},
		},
	}
}

// Seed loads the demo roster so that List returns it in roster order.
func Seed(ctx context.Context, repo *Repository, now time.Time) error {
	records := DemoRecords(now)
	for i := len(records) - 1; i >= 0; i-- {
		if err := repo.Insert(ctx, records[i]); err != nil {
			return fmt.Errorf("seed %s: %w", records[i].ID, err)
		}
	}
	return nil
}
