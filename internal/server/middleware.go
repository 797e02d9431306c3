package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/BYTEDz/PCLink/internal/devices"
	"github.com/BYTEDz/PCLink/internal/ratelimit"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

type ctxKey int

const (
	ctxAuthKey ctxKey = iota
)

// AuthClass distinguishes how the request authenticated.
type AuthClass int

const (
	AuthNone AuthClass = iota
	AuthDevice
	AuthOperator
)

// AuthInfo travels in the request context past the auth middleware.
type AuthInfo struct {
	Class    AuthClass
	DeviceID string // devices.ServerDeviceID when the server API key was used
}

func authFrom(ctx context.Context) AuthInfo {
	if v, ok := ctx.Value(ctxAuthKey).(AuthInfo); ok {
		return v
	}
	return AuthInfo{}
}

// clientIP prefers the RealIP middleware result and strips any port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate resolves the credential: X-API-Key (device or server key)
// first, then the operator session cookie. It annotates the context; route
// guards decide what class is acceptable.
func (a *App) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if key := r.Header.Get("X-API-Key"); key != "" {
			d, err := a.Devices.Authorize(key, ip)
			switch {
			case err == nil:
				ctx := context.WithValue(r.Context(), ctxAuthKey, AuthInfo{Class: AuthDevice, DeviceID: d.ID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			case errors.Is(err, devices.ErrRevoked):
				httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeRevokedCredential, "device key has been revoked")
				return
			default:
				httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeInvalidCredential, "invalid API key")
				return
			}
		}
		if _, ok := a.Sessions.Validate(r, ip); ok {
			ctx := context.WithValue(r.Context(), ctxAuthKey, AuthInfo{Class: AuthOperator})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireDevice admits device keys (incl. the server key) and operators.
func requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := authFrom(r.Context())
		if auth.Class == AuthNone {
			httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeMissingCredential, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOperator admits only the operator browser session.
func requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := authFrom(r.Context())
		if auth.Class == AuthNone {
			httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeMissingCredential, "authentication required")
			return
		}
		if auth.Class != AuthOperator {
			httpx.WriteError(w, http.StatusForbidden, httpx.CodeInvalidCredential, "operator session required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToggle gates a capability group behind its service toggle.
func (a *App) requireToggle(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Config.ToggleEnabled(name) {
				httpx.WriteError(w, http.StatusForbidden, httpx.CodeServiceDisabled, "service '"+name+"' is disabled")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit guards an unauthenticated endpoint with a per-IP bucket.
func rateLimit(store *ratelimit.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := store.Allow(clientIP(r))
			if !ok {
				httpx.WriteRateLimited(w, int(wait.Seconds()), "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverer converts panics into opaque 500s with an incident id, logged
// with the request id for correlation.
func (a *App) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				incident := uuid.NewString()
				a.Log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("incident_id", incident).
					Interface("panic", rec).
					Msg("handler panic")
				httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "internal error (incident "+incident+")")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
