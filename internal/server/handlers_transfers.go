package server

import (
	"encoding/json"
	"net/http"

	"github.com/BYTEDz/PCLink/internal/config"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

func (a *App) handleTransfersList(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, map[string]any{"transfers": a.Transfer.Sessions()})
}

func (a *App) handleCleanupStatus(w http.ResponseWriter, _ *http.Request) {
	sessions := a.Transfer.Sessions()
	uploads, downloads := 0, 0
	for _, m := range sessions {
		if m.Direction == "upload" {
			uploads++
		} else {
			downloads++
		}
	}
	httpx.WriteJSON(w, map[string]any{
		"active_uploads":   uploads,
		"active_downloads": downloads,
		"stale_after_days": a.Config.Snapshot().StaleAfterDays,
	})
}

type cleanupConfigBody struct {
	StaleAfterDays int `json:"stale_after_days"`
}

func (a *App) handleCleanupConfig(w http.ResponseWriter, r *http.Request) {
	var body cleanupConfigBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StaleAfterDays < 1 {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "stale_after_days must be a positive integer")
		return
	}
	if err := a.Config.Update(func(s *config.Settings) { s.StaleAfterDays = body.StaleAfterDays }); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not persist settings")
		return
	}
	httpx.WriteJSON(w, map[string]any{"stale_after_days": body.StaleAfterDays})
}

func (a *App) handleCleanupExecute(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, a.Transfer.Cleanup())
}
