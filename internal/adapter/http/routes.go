package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents
		r.Post("/agents", h.SpawnAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.TerminateAgent)

		// Plugins (nested under agents)
		r.Post("/agents/{id}/plugins", h.AttachPlugin)
		r.Get("/agents/{id}/plugins", h.ListPlugins)
		r.Delete("/agents/{id}/plugins/{instanceID}", h.DetachPlugin)

		// Execution
		r.Post("/agents/{id}/execute", h.ExecuteOperation)

		// State store
		r.Get("/agents/{id}/state", h.GetState)
		r.Get("/agents/{id}/state/{key}", h.GetStateKey)
		r.Put("/agents/{id}/state/{key}", h.PutStateKey)

		// Snapshots and recovery
		r.Post("/agents/{id}/snapshots", h.TakeSnapshot)
		r.Get("/agents/{id}/snapshots", h.ListSnapshots)
		r.Post("/agents/{id}/recover", h.RecoverAgent)

		// Resource ledgers
		r.Get("/agents/{id}/usage", h.GetUsage)
		r.Get("/usage", h.GetSystemUsage)

		// Agreements
		r.Post("/agreements", h.CreateAgreement)
		r.Get("/agreements", h.ListAgreements)
		r.Get("/agreements/{id}", h.GetAgreement)
		r.Get("/agreements/{id}/usage", h.GetAgreementUsage)
		r.Post("/agreements/{id}/execute", h.ExecuteViaAgreement)
	})
}
