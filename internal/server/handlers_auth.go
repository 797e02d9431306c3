package server

import (
	"encoding/json"
	"net/http"

	"github.com/BYTEDz/PCLink/internal/auth/hash"
	"github.com/BYTEDz/PCLink/internal/config"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

type passwordBody struct {
	Password    string `json:"password"`
	NewPassword string `json:"new_password,omitempty"`
}

// handleAuthSetup sets the operator password once, completing first-time
// setup and activating the mobile API (which un-gates the beacon).
func (a *App) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	var body passwordBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Password) < 8 {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "password must be at least 8 characters")
		return
	}
	if a.Config.Snapshot().SetupComplete {
		httpx.WriteError(w, http.StatusConflict, httpx.CodeConflictExists, "setup already completed")
		return
	}
	phc, err := hash.Password(body.Password)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not hash password")
		return
	}
	if err := a.Config.Update(func(s *config.Settings) {
		s.PasswordHash = phc
		s.SetupComplete = true
		s.MobileAPIEnabled = true
	}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not persist settings")
		return
	}
	if _, err := a.Sessions.Issue(w, clientIP(r)); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not open session")
		return
	}
	a.Log.Info().Msg("first-time setup completed")
	httpx.WriteJSON(w, map[string]any{"ok": true})
}

func (a *App) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body passwordBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	s := a.Config.Snapshot()
	if !s.SetupComplete || s.PasswordHash == "" {
		httpx.WriteError(w, http.StatusConflict, httpx.CodeConflictExists, "setup required")
		return
	}
	if !hash.Verify(s.PasswordHash, body.Password) {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeInvalidCredential, "wrong password")
		return
	}
	// A successful login ends the failed-attempt streak for this IP.
	a.loginLimiter.Reset(clientIP(r))
	if _, err := a.Sessions.Issue(w, clientIP(r)); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not open session")
		return
	}
	httpx.WriteJSON(w, map[string]any{"ok": true})
}

func (a *App) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Revoke(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthStatus is public: the UI uses it to decide between the setup
// wizard and the login form.
func (a *App) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	s := a.Config.Snapshot()
	httpx.WriteJSON(w, map[string]any{
		"setup_complete": s.SetupComplete,
		"authenticated":  authFrom(r.Context()).Class == AuthOperator,
	})
}

// handleAuthCheck returns 200 iff the operator session is valid.
func (a *App) handleAuthCheck(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, map[string]any{"ok": true})
}

func (a *App) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body passwordBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.NewPassword) < 8 {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "new password must be at least 8 characters")
		return
	}
	s := a.Config.Snapshot()
	if !hash.Verify(s.PasswordHash, body.Password) {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeInvalidCredential, "wrong password")
		return
	}
	phc, err := hash.Password(body.NewPassword)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not hash password")
		return
	}
	if err := a.Config.Update(func(cs *config.Settings) { cs.PasswordHash = phc }); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not persist settings")
		return
	}
	// Other browsers must re-authenticate; this one gets a fresh session.
	a.Sessions.RevokeAll()
	if _, err := a.Sessions.Issue(w, clientIP(r)); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "could not reopen session")
		return
	}
	httpx.WriteJSON(w, map[string]any{"ok": true})
}
