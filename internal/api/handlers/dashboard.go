package handlers

import (
	"net/http"

	"github.com/drfirst/go-kocon/internal/dashboard"
	"github.com/drfirst/go-kocon/internal/domain/patient"
)

// DashboardHandler serves the practice overview
type DashboardHandler struct {
	repo *patient.Repository
}

func NewDashboardHandler(repo *patient.Repository) *DashboardHandler {
	return &DashboardHandler{repo: repo}
}

// Overview handles GET /dashboard
func (h *DashboardHandler) Overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dashboard.Summarize(h.repo.List(r.Context())))
}
