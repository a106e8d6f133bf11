package dispense

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-kocon/internal/domain/eligibility"
	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
)

// steppingClock advances by step on every read so the completion time of a
// cycle is distinguishable from the time it was evaluated.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func day(h, m int) time.Time {
	return time.Date(2025, time.March, 12, h, m, 0, 0, time.UTC)
}

type fixture struct {
	repo      *patient.Repository
	dispenser *Dispenser
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, clock eligibility.Clock, latency time.Duration, records ...*patient.Record) *fixture {
	t.Helper()
	repo := patient.NewRepository(nil)
	for _, r := range records {
		require.NoError(t, repo.Insert(context.Background(), r))
	}

	m := metrics.New(prometheus.NewRegistry())
	d, err := New(repo, clock, Config{Latency: latency, Workers: 4, QueueSize: 16}, m, zaptest.NewLogger(t))
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() { _ = d.Stop() })

	return &fixture{repo: repo, dispenser: d, metrics: m}
}

func hans(level int, unlock bool, events ...patient.DoseEvent) *patient.Record {
	return &patient.Record{
		ID:   "p-101",
		Name: "Hans Müller",
		Device: patient.Device{
			SerialNumber:    "KOCON-XH-9921",
			MedicationLevel: level,
			Status:          patient.StatusOnline,
		},
		Config: patient.PrescriptionConfig{
			IntervalMinutes:  240,
			DailyLimit:       4,
			AllowedStartTime: patient.NewTimeOfDay(8, 0),
			AllowedEndTime:   patient.NewTimeOfDay(22, 0),
			EmergencyUnlock:  unlock,
		},
		Events: events,
	}
}

func fixed(t time.Time) eligibility.Clock {
	return eligibility.ClockFunc(func() time.Time { return t })
}

func TestDispenseCommitsAtCompletionTime(t *testing.T) {
	clock := &steppingClock{now: day(17, 20), step: 2 * time.Second}
	f := newFixture(t, clock, 10*time.Millisecond,
		hans(42, false,
			patient.NewDoseEvent(patient.KindDoseTaken, day(13, 15), ""),
			patient.NewDoseEvent(patient.KindDoseTaken, day(8, 30), "")))

	out, err := f.dispenser.Attempt(context.Background(), "p-101", Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusDispensed, out.Status)
	assert.Equal(t, eligibility.StateReady, out.Verdict.State)
	require.NotNil(t, out.Event)
	assert.Equal(t, patient.KindDoseTaken, out.Event.Kind)
	assert.Equal(t, day(17, 20).Add(2*time.Second), out.Event.Timestamp)
	assert.Equal(t, 41, out.MedicationLevel)

	rec, err := f.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	assert.Equal(t, 41, rec.Device.MedicationLevel)
	require.Len(t, rec.Events, 3)
	assert.Equal(t, out.Event.ID, rec.Events[0].ID)
	assert.False(t, f.dispenser.inProgress("p-101"))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DosesDispensed.WithLabelValues("DOSE_TAKEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispenseAttempts.WithLabelValues("normal", "dispensed")))
}

func TestDeniedAttemptWhileLockedIsRecorded(t *testing.T) {
	f := newFixture(t, fixed(day(14, 0)), time.Millisecond,
		hans(42, false,
			patient.NewDoseEvent(patient.KindDoseTaken, day(13, 15), ""),
			patient.NewDoseEvent(patient.KindDoseTaken, day(8, 30), "")))

	out, err := f.dispenser.Attempt(context.Background(), "p-101", Request{})
	require.NoError(t, err)

	assert.Equal(t, StatusDenied, out.Status)
	assert.Equal(t, eligibility.ReasonCooldownActive, out.Verdict.Reason)
	require.NotNil(t, out.Event)
	assert.Equal(t, patient.KindAttemptBlocked, out.Event.Kind)
	assert.Equal(t, "Interval cooldown", out.Event.Note)
	assert.Equal(t, day(14, 0), out.Event.Timestamp)
	assert.Equal(t, 42, out.MedicationLevel)

	rec, err := f.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	assert.Equal(t, 42, rec.Device.MedicationLevel)
	assert.Equal(t, 1, rec.CountEvents(patient.KindAttemptBlocked))

	// a blocked attempt does not move the daily count
	v := eligibility.Evaluate(rec.Config, rec.Events, day(14, 0), rec.Device.MedicationLevel)
	assert.Equal(t, 2, v.DosesToday)
}

func TestEmptyCartridgeDeniesWithoutRecording(t *testing.T) {
	f := newFixture(t, fixed(day(12, 0)), time.Millisecond, hans(0, true))

	for _, req := range []Request{{}, {Emergency: true, Confirmed: true, Justification: "severe pain"}} {
		out, err := f.dispenser.Attempt(context.Background(), "p-101", req)
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, out.Status)
		assert.Equal(t, eligibility.StateEmpty, out.Verdict.State)
		assert.False(t, out.Verdict.OverrideAvailable)
		assert.Nil(t, out.Event)
	}

	rec, err := f.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	assert.Empty(t, rec.Events)
	assert.Equal(t, 0, rec.Device.MedicationLevel)
}

func TestEmergencyRequiresConfirmation(t *testing.T) {
	f := newFixture(t, fixed(day(23, 0)), time.Millisecond, hans(10, true))

	for _, req := range []Request{
		{Emergency: true},
		{Emergency: true, Confirmed: true},
		{Emergency: true, Confirmed: true, Justification: "   "},
		{Emergency: true, Justification: "pain"},
	} {
		_, err := f.dispenser.Attempt(context.Background(), "p-101", req)
		assert.ErrorIs(t, err, ErrConfirmationRequired)
	}

	rec, err := f.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	assert.Empty(t, rec.Events)
	assert.Equal(t, 10, rec.Device.MedicationLevel)
}

func TestEmergencyUnavailable(t *testing.T) {
	emergency := Request{Emergency: true, Confirmed: true, Justification: "pain"}

	t.Run("unlock disabled", func(t *testing.T) {
		f := newFixture(t, fixed(day(23, 0)), time.Millisecond, hans(10, false))
		out, err := f.dispenser.Attempt(context.Background(), "p-101", emergency)
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, out.Status)
		assert.Equal(t, eligibility.ReasonOutsideWindow, out.Verdict.Reason)
		assert.Nil(t, out.Event)
	})

	t.Run("not locked", func(t *testing.T) {
		f := newFixture(t, fixed(day(12, 0)), time.Millisecond, hans(10, true))
		out, err := f.dispenser.Attempt(context.Background(), "p-101", emergency)
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, out.Status)
		assert.True(t, out.Verdict.Ready())
		assert.Nil(t, out.Event)
	})
}

func TestEmergencyOverridePastDailyLimit(t *testing.T) {
	rec := hans(50, true,
		patient.NewDoseEvent(patient.KindDoseTaken, day(9, 0), ""),
		patient.NewDoseEvent(patient.KindDoseTaken, day(7, 0), ""),
		patient.NewDoseEvent(patient.KindDoseTaken, day(5, 0), ""))
	rec.Config.DailyLimit = 3
	f := newFixture(t, fixed(day(10, 0)), time.Millisecond, rec)

	out, err := f.dispenser.Attempt(context.Background(), "p-101", Request{Emergency: true, Confirmed: true, Justification: "breakthrough pain"})
	require.NoError(t, err)
	assert.Equal(t, StatusDispensed, out.Status)
	assert.Equal(t, eligibility.ReasonDailyLimitReached, out.Verdict.Reason)
	assert.Equal(t, patient.KindEmergencyDose, out.Event.Kind)
	assert.Equal(t, "breakthrough pain", out.Event.Note)
	assert.Equal(t, 49, out.MedicationLevel)

	out, err = f.dispenser.Attempt(context.Background(), "p-101", Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, out.Status)
	assert.Equal(t, eligibility.ReasonDailyLimitReached, out.Verdict.Reason)
	assert.Equal(t, 4, out.Verdict.DosesToday)
	assert.Equal(t, patient.KindAttemptBlocked, out.Event.Kind)
	assert.Equal(t, 49, out.MedicationLevel)
}

func TestConcurrentAttemptsOnOneDeviceAreRejected(t *testing.T) {
	other := hans(20, false)
	other.ID = "p-102"
	other.Device.SerialNumber = "KOCON-XH-4410"
	f := newFixture(t, fixed(day(12, 0)), 80*time.Millisecond, hans(20, false), other)

	type result struct {
		out *Outcome
		err error
	}
	results := make(chan result, 3)
	var wg sync.WaitGroup
	for _, id := range []string{"p-101", "p-101", "p-102"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := f.dispenser.Attempt(context.Background(), id, Request{})
			results <- result{out, err}
		}(id)
		if id == "p-101" {
			// let the first attempt take the device before the second arrives
			time.Sleep(10 * time.Millisecond)
		}
	}
	wg.Wait()
	close(results)

	var dispensed, inProgress int
	for r := range results {
		switch {
		case errors.Is(r.err, ErrDispenseInProgress):
			inProgress++
		case r.err == nil && r.out.Status == StatusDispensed:
			dispensed++
		default:
			t.Fatalf("unexpected result: %+v %v", r.out, r.err)
		}
	}
	assert.Equal(t, 2, dispensed)
	assert.Equal(t, 1, inProgress)

	rec, err := f.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	assert.Len(t, rec.Events, 1)
	assert.Equal(t, 19, rec.Device.MedicationLevel)
}

func TestCommitSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, fixed(day(12, 0)), 60*time.Millisecond, hans(20, false))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.dispenser.Attempt(ctx, "p-101", Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// nothing visible until the cycle completes
	rec, err := f.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	assert.Empty(t, rec.Events)
	assert.True(t, f.dispenser.inProgress("p-101"))

	require.NoError(t, f.dispenser.Stop())
	rec, err = f.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, 19, rec.Device.MedicationLevel)
	assert.False(t, f.dispenser.inProgress("p-101"))
}

func TestUnknownPatient(t *testing.T) {
	f := newFixture(t, fixed(day(12, 0)), time.Millisecond)
	_, err := f.dispenser.Attempt(context.Background(), "p-404", Request{})
	assert.ErrorIs(t, err, patient.ErrPatientNotFound)
	assert.False(t, f.dispenser.inProgress("p-404"))
}
