package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/api/middleware"
	"github.com/drfirst/go-kocon/internal/domain/dispense"
	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/pkg/idempotency"
)

// Dispenser runs dispense attempts
type Dispenser interface {
	Attempt(ctx context.Context, patientID string, req dispense.Request) (*dispense.Outcome, error)
}

// DispenseHandler serves the dispense button
type DispenseHandler struct {
	dispenser Dispenser
	inbox     *idempotency.Inbox
	logger    *zap.Logger
}

// NewDispenseHandler creates a handler. inbox may be nil, which disables
// Idempotency-Key handling.
func NewDispenseHandler(d Dispenser, inbox *idempotency.Inbox, logger *zap.Logger) *DispenseHandler {
	return &DispenseHandler{dispenser: d, inbox: inbox, logger: logger}
}

// storedResponse is what an idempotency key replays
type storedResponse struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`
}

// Dispense handles POST /patients/{id}/dispense
func (h *DispenseHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	body, err := readBody(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req dispense.Request
	if err := decode(body, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.inbox == nil {
		resp, err := h.attempt(ctx, id, req)
		if err != nil {
			h.attemptError(w, id, err)
			return
		}
		writeStored(w, resp)
		return
	}

	result, err := h.inbox.Process(ctx, key, "dispense:"+id, body, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		// a started cycle commits regardless of the caller, so the stored
		// response must describe it
		resp, err := h.attempt(context.WithoutCancel(ctx), id, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		switch {
		case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrPreviouslyFailed):
			jsonError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, idempotency.ErrKeyReused):
			jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.attemptError(w, id, err)
		}
		return
	}

	var resp storedResponse
	if err := json.Unmarshal(result.Result, &resp); err != nil {
		h.logger.Error("corrupt idempotent response", zap.String("idempotency_key", key), zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !result.IsNew && !result.WasRecovered {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeStored(w, resp)

	h.logger.Debug("dispense request handled",
		zap.String("patient_id", id),
		zap.String("idempotency_key", key),
		zap.String("request_id", middleware.GetRequestID(ctx)))
}

// attempt converts an outcome, or a final rejection, to the response to
// store. Errors are returned only for conditions worth retrying.
func (h *DispenseHandler) attempt(ctx context.Context, id string, req dispense.Request) (storedResponse, error) {
	outcome, err := h.dispenser.Attempt(ctx, id, req)
	switch {
	case err == nil:
	case errors.Is(err, patient.ErrPatientNotFound):
		return errorResponse("patient not found", http.StatusNotFound), nil
	case errors.Is(err, dispense.ErrConfirmationRequired):
		return errorResponse(err.Error(), http.StatusUnprocessableEntity), nil
	default:
		return storedResponse{}, err
	}

	code := http.StatusCreated
	if outcome.Status == dispense.StatusDenied {
		code = http.StatusConflict
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		return storedResponse{}, err
	}
	return storedResponse{Code: code, Body: body}, nil
}

func (h *DispenseHandler) attemptError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, dispense.ErrDispenseInProgress):
		jsonError(w, "dispense already in progress", http.StatusConflict)
	case errors.Is(err, dispense.ErrBusy):
		w.Header().Set("Retry-After", "2")
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the client is gone; the cycle still commits
		h.logger.Warn("dispense caller left", zap.String("patient_id", id), zap.Error(err))
		jsonError(w, "request cancelled", http.StatusRequestTimeout)
	default:
		h.logger.Error("dispense failed", zap.String("patient_id", id), zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func errorResponse(message string, code int) storedResponse {
	body, _ := json.Marshal(map[string]string{"error": message})
	return storedResponse{Code: code, Body: body}
}

func writeStored(w http.ResponseWriter, resp storedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_, _ = w.Write(resp.Body)
}
