package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-kocon/internal/domain/dispense"
	"github.com/drfirst/go-kocon/internal/domain/eligibility"
	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/insight"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
	"github.com/drfirst/go-kocon/pkg/idempotency"
)

var now = time.Date(2025, time.March, 12, 14, 0, 0, 0, time.UTC)

type staticGenerator string

func (g staticGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return string(g), nil
}

type server struct {
	repo    *patient.Repository
	handler http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := eligibility.ClockFunc(func() time.Time { return now })

	repo := patient.NewRepository(logger)
	require.NoError(t, patient.Seed(context.Background(), repo, now))

	m := metrics.New(prometheus.NewRegistry())
	d, err := dispense.New(repo, clock, dispense.Config{Latency: 10 * time.Millisecond, Workers: 2, QueueSize: 8}, m, logger)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() { _ = d.Stop() })

	health := NewHealthHandler("kocon-test", nil)
	health.AddCheck("dispenser", func(ctx context.Context) error { return nil })

	return &server{
		repo: repo,
		handler: NewRouter(Deps{
			Repo:         repo,
			Clock:        clock,
			Dispenser:    d,
			Inbox:        idempotency.NewInbox(idempotency.DefaultConfig(), logger),
			Insight:      insight.New(staticGenerator("Patient is adherent."), nil, insight.DefaultConfig(), m, logger),
			Metrics:      m,
			Health:       health,
			Logger:       logger,
			ServiceName:  "kocon-test",
			InsightRate:  0.001,
			InsightBurst: 1,
		}),
	}
}

func (s *server) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListPatientsInRosterOrder(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/v1/patients", "")
	require.Equal(t, http.StatusOK, rec.Code)

	records := decodeBody[[]patient.Record](t, rec)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"p-101", "p-102", "p-103"}, []string{records[0].ID, records[1].ID, records[2].ID})
}

func TestGetUnknownPatient(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{
		"/api/v1/patients/p-999",
		"/api/v1/patients/p-999/eligibility",
		"/api/v1/patients/p-999/events",
		"/api/v1/patients/p-999/insight",
	} {
		rec := s.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.JSONEq(t, `{"error":"patient not found"}`, rec.Body.String())
	}
}

func TestEligibilityReportsCooldown(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/v1/patients/p-101/eligibility", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[EligibilityResponse](t, rec)
	assert.Equal(t, eligibility.StateLocked, resp.State)
	assert.Equal(t, eligibility.ReasonCooldownActive, resp.Reason)
	assert.Equal(t, "Interval cooldown", resp.Message)
	assert.Equal(t, "03:15:00", resp.Countdown)
	assert.Equal(t, int64(11700), resp.CountdownSeconds)
	assert.Equal(t, 2, resp.DosesToday)
	assert.Equal(t, 42, resp.MedicationLevel)
}

func TestDispenseDeniedRecordsBlockedAttempt(t *testing.T) {
	s := newServer(t)
	before, err := s.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/api/v1/patients/p-101/dispense", `{}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	outcome := decodeBody[dispense.Outcome](t, rec)
	assert.Equal(t, dispense.StatusDenied, outcome.Status)
	require.NotNil(t, outcome.Event)
	assert.Equal(t, patient.KindAttemptBlocked, outcome.Event.Kind)
	assert.Equal(t, "Interval cooldown", outcome.Event.Note)

	after, err := s.repo.Get(context.Background(), "p-101")
	require.NoError(t, err)
	assert.Len(t, after.Events, len(before.Events)+1)
	assert.Equal(t, before.Device.MedicationLevel, after.Device.MedicationLevel)
}

func TestDispenseReadyCommitsDose(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/api/v1/patients/p-103/dispense", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	outcome := decodeBody[dispense.Outcome](t, rec)
	assert.Equal(t, dispense.StatusDispensed, outcome.Status)
	assert.Equal(t, 87, outcome.MedicationLevel)
	require.NotNil(t, outcome.Event)
	assert.Equal(t, patient.KindDoseTaken, outcome.Event.Kind)
	assert.True(t, outcome.Event.Timestamp.Equal(now))

	verdict := decodeBody[EligibilityResponse](t, s.do(http.MethodGet, "/api/v1/patients/p-103/eligibility", ""))
	assert.Equal(t, eligibility.ReasonCooldownActive, verdict.Reason)
	assert.Equal(t, "02:00:00", verdict.Countdown)
}

func TestEmergencyDispense(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/patients/p-102/dispense", `{"emergency":true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/patients/p-102/dispense",
		`{"emergency":true,"confirmed":true,"justification":"breakthrough pain"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	outcome := decodeBody[dispense.Outcome](t, rec)
	assert.Equal(t, patient.KindEmergencyDose, outcome.Event.Kind)
	assert.Equal(t, "breakthrough pain", outcome.Event.Note)
	assert.Equal(t, 7, outcome.MedicationLevel)

	// override disabled for this prescription
	rec = s.do(http.MethodPost, "/api/v1/patients/p-101/dispense",
		`{"emergency":true,"confirmed":true,"justification":"pain"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, dispense.StatusDenied, decodeBody[dispense.Outcome](t, rec).Status)
}

func TestDispenseValidation(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/api/v1/patients/p-103/dispense", `{"emergency":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	long := strings.Repeat("x", 501)
	rec = s.do(http.MethodPost, "/api/v1/patients/p-103/dispense",
		`{"emergency":true,"confirmed":true,"justification":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispenseIdempotencyKeyReplays(t *testing.T) {
	s := newServer(t)
	path := "/api/v1/patients/p-103/dispense"

	first := s.do(http.MethodPost, path, `{}`, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := s.do(http.MethodPost, path, `{}`, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	rec, err := s.repo.Get(context.Background(), "p-103")
	require.NoError(t, err)
	assert.Equal(t, 87, rec.Device.MedicationLevel)
	assert.Len(t, rec.Events, 1)

	reused := s.do(http.MethodPost, path, `{"emergency":true}`, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
}

func TestUpdateConfig(t *testing.T) {
	s := newServer(t)
	path := "/api/v1/patients/p-101/config"

	rec := s.do(http.MethodPut, path, `{"interval_minutes":60,"daily_limit":6}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, path, `{"interval_minutes":60,"daily_limit":6,"therapy_duration_days":14,
		"allowed_start_time":"8:00","allowed_end_time":"22:00","emergency_unlock":false}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, path, `{"interval_minutes":-5,"daily_limit":6,"therapy_duration_days":14,
		"allowed_start_time":"08:00","allowed_end_time":"22:00","emergency_unlock":false}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, path, `{"interval_minutes":30,"daily_limit":6,"therapy_duration_days":14,
		"allowed_start_time":"07:30","allowed_end_time":"23:00","emergency_unlock":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[patient.Record](t, rec)
	assert.Equal(t, "07:30 - 23:00", updated.Config.Window())
	assert.False(t, updated.Config.EmergencyUnlock)
	assert.True(t, updated.Device.LastSync.Equal(now))

	verdict := decodeBody[EligibilityResponse](t, s.do(http.MethodGet, "/api/v1/patients/p-101/eligibility", ""))
	assert.Equal(t, eligibility.StateReady, verdict.State)
	assert.Equal(t, "Ready to dispense", verdict.Message)

	rec = s.do(http.MethodPut, "/api/v1/patients/p-999/config", `{"interval_minutes":30,"daily_limit":6,"therapy_duration_days":14,
		"allowed_start_time":"07:30","allowed_end_time":"23:00","emergency_unlock":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterPatient(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/patients", `{"name":"Anna Keller","age":45,"condition":"Migraine"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[patient.Record](t, rec)
	assert.Equal(t, "/api/v1/patients/"+created.ID, rec.Header().Get("Location"))
	assert.Equal(t, patient.DefaultConfig(), created.Config)
	assert.Equal(t, patient.FullMedicationLevel, created.Device.MedicationLevel)
	assert.Regexp(t, `^KOCON-XH-\d{4}$`, created.Device.SerialNumber)

	list := decodeBody[[]patient.Record](t, s.do(http.MethodGet, "/api/v1/patients", ""))
	assert.Equal(t, created.ID, list[0].ID)

	rec = s.do(http.MethodPost, "/api/v1/patients", `{"serial_number":"kocon-xh-9921","name":"Dup","age":1,"condition":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/patients", `{"age":45,"condition":"Migraine"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsAndAdherence(t *testing.T) {
	s := newServer(t)

	events := decodeBody[[]patient.DoseEvent](t, s.do(http.MethodGet, "/api/v1/patients/p-101/events?limit=2", ""))
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/patients/p-101/events?limit=x", "").Code)

	rec := s.do(http.MethodGet, "/api/v1/patients/p-101/adherence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	days := decodeBody[[]struct {
		Date    string `json:"date"`
		Doses   int    `json:"doses"`
		Blocked int    `json:"blocked"`
	}](t, rec)
	require.Len(t, days, 7)
	assert.Equal(t, "2025-03-12", days[6].Date)
	assert.Equal(t, 2, days[6].Doses)
}

func TestRefillAndDeviceUpdate(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/patients/p-102/refill", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, patient.FullMedicationLevel, decodeBody[patient.Record](t, rec).Device.MedicationLevel)

	rec = s.do(http.MethodPatch, "/api/v1/patients/p-102/device", `{"battery_level":55,"status":"Online"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	device := decodeBody[patient.Device](t, rec)
	assert.Equal(t, 55, device.BatteryLevel)
	assert.Equal(t, patient.StatusOnline, device.Status)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPatch, "/api/v1/patients/p-102/device", `{"status":"Asleep"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPatch, "/api/v1/patients/p-102/device", `{"battery_level":150}`).Code)
}

func TestDashboard(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/v1/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		TotalPatients        int `json:"total_patients"`
		OfflineDevices       int `json:"offline_devices"`
		LowBatteryDevices    int `json:"low_battery_devices"`
		LowMedicationDevices int `json:"low_medication_devices"`
		Warnings             int `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalPatients)
	assert.Equal(t, 1, stats.OfflineDevices)
	assert.Equal(t, 1, stats.LowBatteryDevices)
	assert.Equal(t, 1, stats.LowMedicationDevices)
	assert.Equal(t, 0, stats.Warnings)
}

func TestInsightIsRateLimitedPerPatient(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/v1/patients/p-101/insight", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[insight.Summary](t, rec)
	assert.Equal(t, "Patient is adherent.", summary.Text)
	assert.Equal(t, insight.OutcomeGenerated, summary.Outcome)

	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodGet, "/api/v1/patients/p-101/insight", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/patients/p-103/insight", "").Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "").Code)

	rec := s.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dispenser":"ok"`)

	h := NewHealthHandler("x", nil)
	h.AddCheck("stream", func(ctx context.Context) error { return errors.New("no brokers") })
	w := httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type busyDispenser struct{ err error }

func (b busyDispenser) Attempt(ctx context.Context, id string, req dispense.Request) (*dispense.Outcome, error) {
	return nil, b.err
}

func TestDispenseErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{dispense.ErrDispenseInProgress, http.StatusConflict},
		{dispense.ErrBusy, http.StatusServiceUnavailable},
		{dispense.ErrConfirmationRequired, http.StatusUnprocessableEntity},
		{patient.ErrPatientNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewDispenseHandler(busyDispenser{err: tt.err}, nil, zaptest.NewLogger(t))
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			h.Dispense(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
