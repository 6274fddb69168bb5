package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the REST surface. Operator routes need a dashboard token,
// device provisioning needs an API key.
func NewRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", h.metrics)
	r.Post("/api/auth/token", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.APIKeyMiddleware)
		r.Post("/api/tokens/device", h.IssueDeviceToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth.JWTMiddleware)

		r.Get("/api/connections", h.ListConnections)
		r.Get("/api/connections/count", h.CountConnections)
		r.Get("/api/connections/{deviceID}", h.GetConnection)

		r.Get("/api/devices/{deviceID}/status", h.DeviceStatus)
		r.Get("/api/devices/{deviceID}/latest", h.LatestTelemetry)
		r.Post("/api/devices/{deviceID}/command", h.SendCommand)
		r.Post("/api/devices/{deviceID}/commands/queue", h.QueueCommand)
		r.Get("/api/models/{modelID}/status", h.ModelStatus)

		r.Get("/api/telemetry/recent", h.RecentTelemetry)
		r.Get("/api/alerts/recent", h.RecentAlerts)
	})

	return r
}
