package server

import (
	"encoding/json"
	"net/http"

	"github.com/BYTEDz/PCLink/internal/hub"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

func (a *App) handleDevicesList(w http.ResponseWriter, _ *http.Request) {
	list := a.Devices.List()
	out := make([]map[string]any, 0, len(list))
	for _, d := range list {
		out = append(out, map[string]any{
			"id":          d.ID,
			"name":        d.Name,
			"platform":    d.Platform,
			"ip":          d.IP,
			"approved_at": d.ApprovedAt,
			"last_seen":   d.LastSeen,
			"online":      a.Hub.DeviceOnline(d.ID),
		})
	}
	httpx.WriteJSON(w, map[string]any{"devices": out})
}

type revokeBody struct {
	DeviceID string `json:"device_id"`
}

func (a *App) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	var body revokeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "device_id required")
		return
	}
	d, err := a.Devices.Revoke(body.DeviceID)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "no such device")
		return
	}
	// Close any open sockets; the hub emits device_disconnected for them.
	a.Hub.DropOwner(d.ID)
	a.Hub.Publish(hub.Operators, hub.Envelope{
		Type:    hub.EventDeviceDisconnected,
		Payload: map[string]string{"device_id": d.ID, "name": d.Name, "reason": "revoked"},
	})
	a.Log.Info().Str("device_id", d.ID).Str("name", d.Name).Msg("device revoked")
	httpx.WriteJSON(w, map[string]any{"ok": true})
}

func (a *App) handleDevicesRemoveAll(w http.ResponseWriter, _ *http.Request) {
	removed, err := a.Devices.RevokeAll()
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not persist registry")
		return
	}
	for _, d := range removed {
		a.Hub.DropOwner(d.ID)
	}
	a.Hub.Publish(hub.Operators, hub.Envelope{
		Type:    hub.EventServerStatus,
		Payload: map[string]any{"devices_removed": len(removed)},
	})
	httpx.WriteJSON(w, map[string]any{"removed": len(removed)})
}
