package patient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-kocon/internal/infrastructure/outbox"
)

var testNow = time.Date(2025, time.March, 12, 14, 0, 0, 0, time.UTC)

type changeRecorder struct {
	mu      sync.Mutex
	entries []*outbox.Entry
}

func (c *changeRecorder) Write(e *outbox.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *changeRecorder) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.entries {
		out = append(out, e.EventType)
	}
	return out
}

func register(t *testing.T, repo *Repository, name string) *Record {
	t.Helper()
	rec, err := repo.Register(context.Background(), Registration{Name: name, Age: 40, Condition: "Post-Op Recovery"}, testNow)
	require.NoError(t, err)
	return rec
}

func TestRegisterAppliesDefaultsAndPrepends(t *testing.T) {
	repo := NewRepository(nil)
	first := register(t, repo, "Anna")
	second := register(t, repo, "Bernd")

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Device.SerialNumber, second.Device.SerialNumber)
	assert.Regexp(t, `^KOCON-XH-`, first.Device.SerialNumber)

	assert.Equal(t, DefaultConfig(), first.Config)
	assert.Equal(t, 240, first.Config.IntervalMinutes)
	assert.Equal(t, 4, first.Config.DailyLimit)
	assert.Equal(t, "08:00 - 20:00", first.Config.Window())
	assert.False(t, first.Config.EmergencyUnlock)
	assert.Equal(t, FullMedicationLevel, first.Device.MedicationLevel)
	assert.Equal(t, 100, first.Device.BatteryLevel)
	assert.Equal(t, StatusOnline, first.Device.Status)
	assert.Equal(t, DefaultFirmwareVersion, first.Device.FirmwareVersion)
	assert.Empty(t, first.Events)

	list := repo.List(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestRegisterRejectsDuplicateSerial(t *testing.T) {
	repo := NewRepository(nil)
	_, err := repo.Register(context.Background(), Registration{SerialNumber: "KOCON-XH-0001", Name: "A", Condition: "c"}, testNow)
	require.NoError(t, err)

	_, err = repo.Register(context.Background(), Registration{SerialNumber: "kocon-xh-0001", Name: "B", Condition: "c"}, testNow)
	assert.ErrorIs(t, err, ErrDuplicateSerial)
	assert.Len(t, repo.List(context.Background()), 1)
}

func TestAppendEventKeepsNewestFirst(t *testing.T) {
	repo := NewRepository(nil)
	rec := register(t, repo, "Anna")
	ctx := context.Background()

	at := func(h, m int) time.Time { return time.Date(2025, time.March, 12, h, m, 0, 0, time.UTC) }

	_, err := repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindDoseTaken, at(8, 30), ""))
	require.NoError(t, err)
	_, err = repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindDoseTaken, at(13, 15), ""))
	require.NoError(t, err)
	// arrives late with an older timestamp
	late := NewDoseEvent(KindAttemptBlocked, at(10, 0), "Interval cooldown")
	_, err = repo.AppendEvent(ctx, rec.ID, late)
	require.NoError(t, err)
	tie := NewDoseEvent(KindDeviceError, at(13, 15), "jam")
	got, err := repo.AppendEvent(ctx, rec.ID, tie)
	require.NoError(t, err)

	require.Len(t, got.Events, 4)
	assert.Equal(t, tie.ID, got.Events[0].ID)
	assert.Equal(t, at(13, 15), got.Events[1].Timestamp)
	assert.Equal(t, late.ID, got.Events[2].ID)
	assert.Equal(t, at(8, 30), got.Events[3].Timestamp)
}

func TestAppendEventMedicationLedger(t *testing.T) {
	repo := NewRepository(nil)
	ctx := context.Background()
	rec := register(t, repo, "Anna")

	got, err := repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindDoseTaken, testNow, ""))
	require.NoError(t, err)
	assert.Equal(t, 99, got.Device.MedicationLevel)

	got, err = repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindEmergencyDose, testNow, "pain 9/10"))
	require.NoError(t, err)
	assert.Equal(t, 98, got.Device.MedicationLevel)

	got, err = repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindAttemptBlocked, testNow, "Daily limit reached"))
	require.NoError(t, err)
	assert.Equal(t, 98, got.Device.MedicationLevel)

	got, err = repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindDeviceError, testNow, ""))
	require.NoError(t, err)
	assert.Equal(t, 98, got.Device.MedicationLevel)
}

func TestAppendEventFloorsAtZero(t *testing.T) {
	repo := NewRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, &Record{ID: "p-1", Device: Device{SerialNumber: "S-1", MedicationLevel: 0}}))

	got, err := repo.AppendEvent(ctx, "p-1", NewDoseEvent(KindEmergencyDose, testNow, "override"))
	require.NoError(t, err)
	assert.Equal(t, 0, got.Device.MedicationLevel)
}

func TestAppendEventValidation(t *testing.T) {
	repo := NewRepository(nil)
	ctx := context.Background()
	rec := register(t, repo, "Anna")

	_, err := repo.AppendEvent(ctx, rec.ID, DoseEvent{Kind: "BOGUS", Timestamp: testNow})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = repo.AppendEvent(ctx, rec.ID, DoseEvent{Kind: KindDoseTaken})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = repo.AppendEvent(ctx, "p-missing", NewDoseEvent(KindDoseTaken, testNow, ""))
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestUpdateConfigStampsLastSync(t *testing.T) {
	repo := NewRepository(nil)
	rec := register(t, repo, "Anna")

	cfg := PrescriptionConfig{
		IntervalMinutes:  60,
		DailyLimit:       6,
		AllowedStartTime: NewTimeOfDay(7, 0),
		AllowedEndTime:   NewTimeOfDay(23, 0),
		EmergencyUnlock:  true,
	}
	later := testNow.Add(time.Hour)
	got, err := repo.UpdateConfig(context.Background(), rec.ID, cfg, later)
	require.NoError(t, err)
	assert.Equal(t, cfg, got.Config)
	assert.Equal(t, later, got.Device.LastSync)

	_, err = repo.UpdateConfig(context.Background(), "nope", cfg, later)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	repo := NewRepository(nil)
	ctx := context.Background()
	rec := register(t, repo, "Anna")
	_, err := repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindDoseTaken, testNow, ""))
	require.NoError(t, err)

	snap, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	snap.Events[0].Note = "tampered"
	snap.Config.DailyLimit = 99

	fresh, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Events[0].Note)
	assert.Equal(t, 4, fresh.Config.DailyLimit)
}

func TestEventsLimit(t *testing.T) {
	repo := NewRepository(nil)
	ctx := context.Background()
	rec := register(t, repo, "Anna")
	for i := 0; i < 5; i++ {
		_, err := repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindDoseTaken, testNow.Add(time.Duration(i)*time.Hour), ""))
		require.NoError(t, err)
	}

	events, err := repo.Events(ctx, rec.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, testNow.Add(4*time.Hour), events[0].Timestamp)

	all, err := repo.Events(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRefillAndDeviceUpdate(t *testing.T) {
	repo := NewRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, &Record{ID: "p-1", Device: Device{SerialNumber: "S-1", MedicationLevel: 3, Status: StatusOnline}}))

	got, err := repo.Refill(ctx, "p-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, FullMedicationLevel, got.Device.MedicationLevel)

	battery := 15
	status := StatusOffline
	got, err = repo.UpdateDevice(ctx, "p-1", DeviceUpdate{BatteryLevel: &battery, Status: &status}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 15, got.Device.BatteryLevel)
	assert.Equal(t, StatusOffline, got.Device.Status)

	bogus := DeviceStatus("Rebooting")
	_, err = repo.UpdateDevice(ctx, "p-1", DeviceUpdate{Status: &bogus}, testNow)
	assert.Error(t, err)
}

func TestMutationsWriteChangeLog(t *testing.T) {
	changes := &changeRecorder{}
	repo := NewRepository(nil).WithChangeLog(changes)
	ctx := context.Background()

	rec := register(t, repo, "Anna")
	_, err := repo.UpdateConfig(ctx, rec.ID, DefaultConfig(), testNow)
	require.NoError(t, err)
	ev := NewDoseEvent(KindDoseTaken, testNow, "")
	_, err = repo.AppendEvent(ctx, rec.ID, ev)
	require.NoError(t, err)
	_, err = repo.Refill(ctx, rec.ID, testNow)
	require.NoError(t, err)

	assert.Equal(t, []string{
		ChangePatientRegistered,
		ChangeConfigUpdated,
		ChangeDoseEventRecorded,
		ChangeMedicationRefilled,
	}, changes.types())

	var payload DoseEventRecorded
	require.NoError(t, json.Unmarshal(changes.entries[2].Payload, &payload))
	assert.Equal(t, rec.ID, payload.PatientID)
	assert.Equal(t, ev.ID, payload.Event.ID)
	assert.Equal(t, 99, payload.MedicationLevel)
	assert.Equal(t, rec.ID, changes.entries[2].AggregateID)
}

func TestConcurrentAppendsAreAtomic(t *testing.T) {
	repo := NewRepository(nil)
	ctx := context.Background()
	rec := register(t, repo, "Anna")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AppendEvent(ctx, rec.ID, NewDoseEvent(KindDoseTaken, testNow.Add(time.Duration(i)*time.Second), ""))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Device.MedicationLevel)
	require.Len(t, got.Events, 50)
	for i := 1; i < len(got.Events); i++ {
		assert.False(t, got.Events[i].Timestamp.After(got.Events[i-1].Timestamp))
	}
}

func TestSeed(t *testing.T) {
	repo := NewRepository(nil)
	now := time.Date(2025, time.March, 12, 14, 0, 0, 0, time.UTC)
	require.NoError(t, Seed(context.Background(), repo, now))

	list := repo.List(context.Background())
	require.Len(t, list, 3)
	assert.Equal(t, "p-101", list[0].ID)
	assert.Equal(t, "p-103", list[2].ID)

	hans := list[0]
	assert.Equal(t, "08:00 - 22:00", hans.Config.Window())
	// today: 08:30 and 13:15 are past, 23:45 is not yet
	assert.Equal(t, time.Date(2025, time.March, 12, 13, 15, 0, 0, time.UTC), hans.Events[0].Timestamp)
	for _, e := range hans.Events {
		assert.False(t, e.Timestamp.After(now))
	}
	assert.Equal(t, 14, hans.CountEvents(KindDoseTaken))
	assert.Equal(t, 2, hans.CountEvents(KindAttemptBlocked))
	assert.Empty(t, list[2].Events)
}
