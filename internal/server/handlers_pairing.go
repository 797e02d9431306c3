package server

import (
	"encoding/json"
	"net/http"

	"github.com/BYTEDz/PCLink/internal/devices"
	"github.com/BYTEDz/PCLink/internal/hub"
	"github.com/BYTEDz/PCLink/internal/pairing"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

type pairingRequestBody struct {
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// handlePairingRequest blocks the caller for up to 60 s while the operator
// decides. Approval returns the credentials the client needs to pin and
// authenticate; the device key doubles as the client's api_key.
func (a *App) handlePairingRequest(w http.ResponseWriter, r *http.Request) {
	if !a.MobileAPIActive() {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeConflictExists, "server setup is not complete")
		return
	}
	var body pairingRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePairingInvalidName, "malformed request body")
		return
	}
	name, ok := devices.SanitizeName(body.DeviceName)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePairingInvalidName, "device name is empty or invalid")
		return
	}

	_, out := a.Pairing.Request(r.Context(), name, body.Platform, clientIP(r))
	a.Metrics.PairingOutcomes.WithLabelValues(out.Decision.String()).Inc()
	switch out.Decision {
	case pairing.Approved:
		httpx.WriteJSON(w, map[string]any{
			"api_key":          out.DeviceKey,
			"cert_fingerprint": a.Identity.Fingerprint(),
		})
	case pairing.Denied:
		httpx.WriteError(w, http.StatusForbidden, httpx.CodePairingDenied, "pairing denied by operator")
	default:
		httpx.WriteError(w, http.StatusRequestTimeout, httpx.CodePairingTimeout, "operator did not respond")
	}
}

type pairingDecisionBody struct {
	PairingID string `json:"pairing_id"`
}

func (a *App) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	var body pairingDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PairingID == "" {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "pairing_id required")
		return
	}
	out, ok := a.Pairing.Approve(body.PairingID, func(name, platform, ip string) (string, error) {
		d, err := a.Devices.Approve(name, platform, ip)
		if err != nil {
			return "", err
		}
		a.Hub.Publish(hub.Operators, hub.Envelope{
			Type:    hub.EventDeviceConnected,
			Payload: map[string]string{"device_id": d.ID, "name": d.Name},
		})
		return d.DeviceKey, nil
	})
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "no such pairing ticket")
		return
	}
	httpx.WriteJSON(w, map[string]any{"decision": out.Decision.String()})
}

func (a *App) handlePairingDeny(w http.ResponseWriter, r *http.Request) {
	var body pairingDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PairingID == "" {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "pairing_id required")
		return
	}
	out, ok := a.Pairing.Deny(body.PairingID)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "no such pairing ticket")
		return
	}
	httpx.WriteJSON(w, map[string]any{"decision": out.Decision.String()})
}
