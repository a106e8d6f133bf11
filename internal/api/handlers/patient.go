package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/api/middleware"
	"github.com/drfirst/go-kocon/internal/dashboard"
	"github.com/drfirst/go-kocon/internal/domain/eligibility"
	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
)

// PatientHandler serves the patient roster, prescription sync and history
type PatientHandler struct {
	repo    *patient.Repository
	clock   eligibility.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPatientHandler creates a handler. m may be nil.
func NewPatientHandler(repo *patient.Repository, clock eligibility.Clock, m *metrics.Metrics, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{
		repo:    repo,
		clock:   clock,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("patient-handler"),
	}
}

// List handles GET /patients
func (h *PatientHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.repo.List(r.Context()))
}

// Register handles POST /patients
func (h *PatientHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "register_patient")
	defer span.End()

	body, err := readBody(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var reg patient.Registration
	if err := decode(body, &reg); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := h.repo.Register(ctx, reg, h.clock.Now())
	if err != nil {
		if errors.Is(err, patient.ErrDuplicateSerial) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("register failed", zap.Error(err))
		jsonError(w, "failed to register device", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("patient_id", rec.ID))
	if h.metrics != nil {
		h.metrics.PatientsRegistered.Inc()
	}

	h.logger.Info("patient registered",
		zap.String("patient_id", rec.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	w.Header().Set("Location", "/api/v1/patients/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

// Get handles GET /patients/{id}
func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// configRequest is a full prescription replacement. Every field is required.
type configRequest struct {
	IntervalMinutes     *int               `json:"interval_minutes" validate:"required,gte=0,lte=10080"`
	DailyLimit          *int               `json:"daily_limit" validate:"required,gte=0,lte=100"`
	TherapyDurationDays *int               `json:"therapy_duration_days" validate:"required,gte=0,lte=3650"`
	AllowedStartTime    *patient.TimeOfDay `json:"allowed_start_time" validate:"required"`
	AllowedEndTime      *patient.TimeOfDay `json:"allowed_end_time" validate:"required"`
	EmergencyUnlock     *bool              `json:"emergency_unlock" validate:"required"`
}

func (c configRequest) config() patient.PrescriptionConfig {
	return patient.PrescriptionConfig{
		IntervalMinutes:     *c.IntervalMinutes,
		DailyLimit:          *c.DailyLimit,
		TherapyDurationDays: *c.TherapyDurationDays,
		AllowedStartTime:    *c.AllowedStartTime,
		AllowedEndTime:      *c.AllowedEndTime,
		EmergencyUnlock:     *c.EmergencyUnlock,
	}
}

// UpdateConfig handles PUT /patients/{id}/config
func (h *PatientHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_config")
	defer span.End()
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("patient_id", id))

	body, err := readBody(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req configRequest
	if err := decode(body, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := h.repo.UpdateConfig(ctx, id, req.config(), h.clock.Now())
	if err != nil {
		h.storeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ConfigUpdates.Inc()
	}

	h.logger.Info("prescription synced",
		zap.String("patient_id", id),
		zap.Int("interval_minutes", rec.Config.IntervalMinutes),
		zap.Int("daily_limit", rec.Config.DailyLimit),
		zap.String("window", rec.Config.Window()),
		zap.Bool("emergency_unlock", rec.Config.EmergencyUnlock))

	writeJSON(w, http.StatusOK, rec)
}

// Refill handles POST /patients/{id}/refill
func (h *PatientHandler) Refill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.repo.Refill(r.Context(), id, h.clock.Now())
	if err != nil {
		h.storeError(w, err)
		return
	}
	h.logger.Info("cartridge refilled", zap.String("patient_id", id))
	writeJSON(w, http.StatusOK, rec)
}

// UpdateDevice handles PATCH /patients/{id}/device
func (h *PatientHandler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := readBody(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var upd patient.DeviceUpdate
	if err := decode(body, &upd); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if upd.Status != nil && !upd.Status.Valid() {
		jsonError(w, "unknown device status: "+string(*upd.Status), http.StatusBadRequest)
		return
	}

	rec, err := h.repo.UpdateDevice(r.Context(), id, upd, h.clock.Now())
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Device)
}

// Events handles GET /patients/{id}/events?limit=N
func (h *PatientHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.repo.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Adherence handles GET /patients/{id}/adherence
func (h *PatientHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dashboard.AdherenceHistory(rec.Events, h.clock.Now().Location()))
}

// EligibilityResponse is the verdict plus the rendered countdown
type EligibilityResponse struct {
	eligibility.Verdict
	Countdown        string               `json:"countdown,omitempty"`
	CountdownSeconds int64                `json:"countdown_seconds"`
	MedicationLevel  int                  `json:"medication_level"`
	DeviceStatus     patient.DeviceStatus `json:"device_status"`
}

// Eligibility handles GET /patients/{id}/eligibility
func (h *PatientHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	now := h.clock.Now()
	v := eligibility.Evaluate(rec.Config, rec.Events, now, rec.Device.MedicationLevel)
	if h.metrics != nil {
		h.metrics.VerdictsEvaluated.WithLabelValues(string(v.State)).Inc()
	}

	resp := EligibilityResponse{
		Verdict:         v,
		MedicationLevel: rec.Device.MedicationLevel,
		DeviceStatus:    rec.Device.Status,
	}
	if d := v.Countdown(now); d > 0 {
		resp.Countdown = eligibility.FormatCountdown(d)
		resp.CountdownSeconds = int64(d / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PatientHandler) load(w http.ResponseWriter, r *http.Request) (*patient.Record, bool) {
	rec, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err)
		return nil, false
	}
	return rec, true
}

func (h *PatientHandler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, patient.ErrPatientNotFound):
		jsonError(w, "patient not found", http.StatusNotFound)
	case errors.Is(err, patient.ErrInvalidEvent):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("patient store error", zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}
