package server

import (
	"context"
	"net/http"
	"time"

	"github.com/BYTEDz/PCLink/internal/hub"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

func (a *App) handleServerStart(w http.ResponseWriter, _ *http.Request) {
	if err := a.Listener.Start(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, err.Error())
		return
	}
	a.publishServerStatus("running")
	httpx.WriteJSON(w, map[string]any{"state": "running"})
}

// handleServerStop drains the listener after the response is written; the
// operator gets an acknowledgment before the socket closes under them.
func (a *App) handleServerStop(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, map[string]any{"state": "stopped"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Listener.Stop(ctx)
		a.publishServerStatus("stopped")
	}()
}

func (a *App) handleServerRestart(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, map[string]any{"state": "restarting"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Listener.Restart(ctx); err != nil {
			a.Log.Error().Err(err).Msg("restart failed")
			return
		}
		a.publishServerStatus("running")
	}()
}

// handleServerShutdown exits the whole process, not just the listener.
func (a *App) handleServerShutdown(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, map[string]any{"state": "shutting_down"})
	a.Log.Info().Msg("shutdown requested by operator")
	go func() {
		time.Sleep(100 * time.Millisecond)
		a.shutdown()
	}()
}

// handleRotateAPIKey rotates the server key and, per policy, invalidates
// every outstanding device key with it. The TLS certificate is untouched.
func (a *App) handleRotateAPIKey(w http.ResponseWriter, _ *http.Request) {
	if _, err := a.Identity.RotateAPIKey(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not rotate api key")
		return
	}
	removed, err := a.Devices.RevokeAll()
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not clear device registry")
		return
	}
	for _, d := range removed {
		a.Hub.DropOwner(d.ID)
	}
	a.publishServerStatus("api_key_rotated")
	a.Log.Info().Int("devices_invalidated", len(removed)).Msg("api key rotated")
	httpx.WriteJSON(w, map[string]any{"ok": true, "devices_invalidated": len(removed)})
}

func (a *App) publishServerStatus(state string) {
	a.Hub.Publish(hub.Operators, hub.Envelope{
		Type:    hub.EventServerStatus,
		Payload: map[string]any{"state": state},
	})
}
