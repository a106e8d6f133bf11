package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-kocon/internal/api/middleware"
	"github.com/drfirst/go-kocon/internal/domain/eligibility"
	"github.com/drfirst/go-kocon/internal/domain/patient"
	"github.com/drfirst/go-kocon/internal/insight"
	"github.com/drfirst/go-kocon/internal/observability/metrics"
	"github.com/drfirst/go-kocon/pkg/idempotency"
)

// Deps holds what the router wires together
type Deps struct {
	Repo      *patient.Repository
	Clock     eligibility.Clock
	Dispenser Dispenser
	Inbox     *idempotency.Inbox
	Insight   *insight.Service
	Metrics   *metrics.Metrics
	Health    *HealthHandler
	Logger    *zap.Logger

	// MetricsHandler serves /metrics; omitted when nil
	MetricsHandler http.Handler

	ServiceName  string
	CORSOrigins  []string
	InsightRate  float64
	InsightBurst int
}

// NewRouter builds the HTTP API
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	patients := NewPatientHandler(d.Repo, d.Clock, d.Metrics, logger)
	dispenseH := NewDispenseHandler(d.Dispenser, d.Inbox, logger)
	insightH := NewInsightHandler(d.Repo, d.Insight, logger)
	dash := NewDashboardHandler(d.Repo)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(d.CORSOrigins))

	if d.Health != nil {
		r.Get("/health", d.Health.Health)
		r.Get("/ready", d.Health.Ready)
	}
	if d.MetricsHandler != nil {
		r.Handle("/metrics", d.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/dashboard", dash.Overview)

		r.Route("/patients", func(r chi.Router) {
			r.Get("/", patients.List)
			r.Post("/", patients.Register)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", patients.Get)
				r.Put("/config", patients.UpdateConfig)
				r.Post("/refill", patients.Refill)
				r.Patch("/device", patients.UpdateDevice)
				r.Get("/events", patients.Events)
				r.Get("/adherence", patients.Adherence)
				r.Get("/eligibility", patients.Eligibility)
				r.Post("/dispense", dispenseH.Dispense)
				r.With(middleware.RateLimit(d.InsightRate, d.InsightBurst, middleware.ByURLParam("id"))).
					Get("/insight", insightH.Summary)
			})
		})
	})

	return r
}

func urlID(r *http.Request) string {
	return chi.URLParam(r, "id")
}
