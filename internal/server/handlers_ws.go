package server

import (
	"net/http"

	"github.com/BYTEDz/PCLink/internal/hub"
)

// handleDeviceSocket attaches a device's event stream. The open socket is
// the authoritative presence signal for liveness events.
func (a *App) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r.Context())
	a.Hub.ServeSocket(w, r, hub.Devices, auth.DeviceID, a.Log)
}

func (a *App) handleOperatorSocket(w http.ResponseWriter, r *http.Request) {
	a.Hub.ServeSocket(w, r, hub.Operators, "operator", a.Log)
}
