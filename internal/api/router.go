// internal/api/router.go
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupDataRouter serves device and batch ingestion behind API keys.
func SetupDataRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(h.Auth.APIKeyMiddleware)
		r.Post("/devices/{equipmentID}/telemetry", h.HandleDeviceIngest)
		r.Post("/sites/{siteID}/telemetry", h.HandleBatchIngest)
	})
	return r
}

// SetupUIRouter serves configuration, queries, alerts and the live websocket.
// Reads are open; writes require an operator token.
func SetupUIRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/auth/token", h.HandleToken)
	r.Get("/ws", h.HandleWebSocket)
	if h.Metrics != nil {
		r.Method("GET", "/metrics", h.Metrics)
	}

	r.Route("/sites/{siteID}", func(r chi.Router) {
		r.Get("/streams", h.ListStreams)
		r.Get("/streams/{streamID}/readings", h.GetReadings)
		r.Get("/streams/{streamID}/latest", h.GetLatest)
		r.Get("/streams/{streamID}/rollups", h.GetRollups)
		r.Get("/streams/{streamID}/anomalies", h.GetStreamAnomalies)
		r.Get("/anomalies", h.GetSiteAnomalies)
		r.Get("/rules", h.ListRules)
		r.Get("/rules/{ruleID}", h.GetRule)
		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/{alertID}", h.GetAlert)
		r.Get("/sessions", h.ListSessions)
		r.Get("/ingestion-errors", h.ListIngestionErrors)

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.JWTMiddleware)
			r.Post("/streams", h.CreateStream)
			r.Patch("/streams/{streamID}", h.UpdateStream)
			r.Post("/streams/{streamID}/activate", h.SetStreamActive(true))
			r.Post("/streams/{streamID}/deactivate", h.SetStreamActive(false))
			r.Post("/rules", h.CreateRule)
			r.Put("/rules/{ruleID}", h.UpdateRule)
			r.Post("/rules/{ruleID}/activate", h.SetRuleActive(true))
			r.Post("/rules/{ruleID}/deactivate", h.SetRuleActive(false))
			r.Post("/alerts/{alertID}/acknowledge", h.AcknowledgeAlert)
		})
	})
	return r
}
