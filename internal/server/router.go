package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/BYTEDz/PCLink/internal/config"
)

// NewRouter builds the full route table. Middleware order: request id →
// real IP → access log → recoverer → CORS → credential resolution →
// (per-route) rate limit → operator/device guard → toggle → handler.
// Credential resolution runs for every request before any rate limit, so a
// request carrying an X-API-Key that does not authorize is rejected with 401
// without consuming a rate-limit token.
func (a *App) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.Log))
	r.Use(a.recoverer)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"https://localhost:" + portString(a), "https://127.0.0.1:" + portString(a)},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-API-Key"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)
	r.Use(a.authenticate)

	// Public surface.
	r.Get("/status", a.handleStatus)
	r.Get("/qr-payload", a.handleQRPayload)
	r.With(rateLimit(a.pairLimiter)).Post("/pairing/request", a.handlePairingRequest)

	// Operator password lifecycle.
	r.Route("/auth", func(r chi.Router) {
		r.Post("/setup", a.handleAuthSetup)
		r.With(rateLimit(a.loginLimiter)).Post("/login", a.handleAuthLogin)
		r.Post("/logout", a.handleAuthLogout)
		r.Get("/status", a.handleAuthStatus)
		r.With(requireOperator).Get("/check", a.handleAuthCheck)
		r.With(requireOperator).Post("/change-password", a.handleChangePassword)
	})

	// Operator-only management.
	r.Group(func(r chi.Router) {
		r.Use(requireOperator)
		r.Post("/pairing/approve", a.handlePairingApprove)
		r.Post("/pairing/deny", a.handlePairingDeny)
		r.Get("/devices", a.handleDevicesList)
		r.Post("/devices/revoke", a.handleDeviceRevoke)
		r.Post("/devices/remove-all", a.handleDevicesRemoveAll)
		r.Get("/transfers", a.handleTransfersList)
		r.Get("/transfers/cleanup/status", a.handleCleanupStatus)
		r.Patch("/transfers/cleanup/config", a.handleCleanupConfig)
		r.Post("/transfers/cleanup/execute", a.handleCleanupExecute)
		r.Post("/auth/rotate-api-key", a.handleRotateAPIKey)
		r.Post("/server/start", a.handleServerStart)
		r.Post("/server/stop", a.handleServerStop)
		r.Post("/server/restart", a.handleServerRestart)
		r.Post("/server/shutdown", a.handleServerShutdown)
		r.Handle("/metrics", a.Metrics.Handler())
		r.Get("/ws/ui", a.handleOperatorSocket)
	})

	// Device surface (device key or operator session).
	r.Group(func(r chi.Router) {
		r.Use(requireDevice)
		r.Get("/ws", a.handleDeviceSocket)

		r.Group(func(r chi.Router) {
			r.Use(a.requireToggle(config.ToggleFileBrowser))
			r.Get("/files/upload/config", a.handleUploadConfig)
			r.Post("/files/upload", a.handleUploadInitiate)
			r.Put("/files/upload/{id}/{chunk}", a.handleUploadChunk)
			r.Post("/files/upload/{id}/pause", a.handleUploadPause)
			r.Post("/files/upload/{id}/resume", a.handleUploadResume)
			r.Delete("/files/upload/{id}", a.handleUploadCancel)
			r.Put("/files/*", a.handleDirectUpload)
			r.Get("/files/download/*", a.handleDownload)
		})
		r.With(a.requireToggle(config.ToggleMedia)).Get("/files/stream", a.handleStream)
		r.With(a.requireToggle(config.ToggleExtensions)).Get("/extensions", a.handleExtensionsList)
	})

	return r
}
