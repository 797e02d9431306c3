// Package session tracks browser sessions for the local operator. Sessions
// live in memory only; they survive listener restarts because the store
// outlives the listener, and they die with the process by design.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	CookieName = "pclink_session"
	ttl        = 24 * time.Hour
)

// Session is one authenticated operator browser.
type Session struct {
	Token     string
	BoundIP   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store issues and validates operator sessions. Cookie values are HMAC-sealed
// with a per-process key, so a stolen state file cannot mint cookies.
type Store struct {
	codec *securecookie.SecureCookie

	mu   sync.Mutex
	byTk map[string]Session
}

func NewStore() *Store {
	sc := securecookie.New(securecookie.GenerateRandomKey(64), nil)
	sc.MaxAge(int(ttl / time.Second))
	return &Store{codec: sc, byTk: map[string]Session{}}
}

// Issue creates a session bound to clientIP and sets the cookie.
func (s *Store) Issue(w http.ResponseWriter, clientIP string) (Session, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Session{}, err
	}
	now := time.Now()
	sess := Session{
		Token:     base64.RawURLEncoding.EncodeToString(raw[:]),
		BoundIP:   clientIP,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	val, err := s.codec.Encode(CookieName, sess.Token)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	s.gcLocked(now)
	s.byTk[sess.Token] = sess
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    val,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  sess.ExpiresAt,
	})
	return sess, nil
}

// Validate resolves the request cookie to a live session. The session must
// not be expired and must be bound to the request's source IP.
func (s *Store) Validate(r *http.Request, clientIP string) (Session, bool) {
	ck, err := r.Cookie(CookieName)
	if err != nil {
		return Session{}, false
	}
	var token string
	if err := s.codec.Decode(CookieName, ck.Value, &token); err != nil {
		return Session{}, false
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byTk[token]
	if !ok {
		return Session{}, false
	}
	if now.After(sess.ExpiresAt) {
		delete(s.byTk, token)
		return Session{}, false
	}
	if sess.BoundIP != clientIP {
		return Session{}, false
	}
	return sess, true
}

// Revoke removes the request's session, if any, and clears the cookie.
func (s *Store) Revoke(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(CookieName); err == nil {
		var token string
		if err := s.codec.Decode(CookieName, ck.Value, &token); err == nil {
			s.mu.Lock()
			delete(s.byTk, token)
			s.mu.Unlock()
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// RevokeAll drops every session (used when the operator password changes).
func (s *Store) RevokeAll() {
	s.mu.Lock()
	s.byTk = map[string]Session{}
	s.mu.Unlock()
}

// gcLocked drops expired sessions opportunistically.
func (s *Store) gcLocked(now time.Time) {
	for tk, sess := range s.byTk {
		if now.After(sess.ExpiresAt) {
			delete(s.byTk, tk)
		}
	}
}
