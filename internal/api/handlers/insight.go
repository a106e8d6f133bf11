package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/insight"
)

// InsightHandler serves the AI compliance summary
type InsightHandler struct {
	repo    *patient.Repository
	insight *insight.Service
	logger  *zap.Logger
}

// NewInsightHandler creates the insight handler
func NewInsightHandler(repo *patient.Repository, svc *insight.Service, logger *zap.Logger) *InsightHandler {
	return &InsightHandler{repo: repo, insight: svc, logger: logger}
}

// Summary handles GET /patients/{id}/insight. Fallback texts are returned
// with 200 like a generated summary.
func (h *InsightHandler) Summary(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context(), urlID(r))
	if err != nil {
		jsonError(w, "patient not found", http.StatusNotFound)
		return
	}
	summary := h.insight.Summarize(r.Context(), rec)
	h.logger.Debug("insight served",
		zap.String("patient_id", rec.ID),
		zap.String("outcome", string(summary.Outcome)))
	writeJSON(w, http.StatusOK, summary)
}
