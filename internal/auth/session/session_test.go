package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func issueAndRequest(t *testing.T, s *Store, ip string) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	if _, err := s.Issue(rec, ip); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, ck := range rec.Result().Cookies() {
		req.AddCookie(ck)
	}
	return req
}

func TestIssueValidate(t *testing.T) {
	s := NewStore()
	req := issueAndRequest(t, s, "192.168.1.5")
	if _, ok := s.Validate(req, "192.168.1.5"); !ok {
		t.Error("session should validate from the bound IP")
	}
}

func TestIPBinding(t *testing.T) {
	s := NewStore()
	req := issueAndRequest(t, s, "192.168.1.5")
	if _, ok := s.Validate(req, "192.168.1.99"); ok {
		t.Error("session must not validate from a different IP")
	}
}

func TestExpiry(t *testing.T) {
	s := NewStore()
	req := issueAndRequest(t, s, "10.0.0.2")
	// Force-expire the stored session.
	s.mu.Lock()
	for tk, sess := range s.byTk {
		sess.ExpiresAt = time.Now().Add(-time.Minute)
		s.byTk[tk] = sess
	}
	s.mu.Unlock()
	if _, ok := s.Validate(req, "10.0.0.2"); ok {
		t.Error("expired session must not validate")
	}
}

func TestRevoke(t *testing.T) {
	s := NewStore()
	req := issueAndRequest(t, s, "10.0.0.2")
	rec := httptest.NewRecorder()
	s.Revoke(rec, req)
	if _, ok := s.Validate(req, "10.0.0.2"); ok {
		t.Error("revoked session must not validate")
	}
	cleared := false
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == CookieName && ck.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("revoke should clear the cookie")
	}
}

func TestForgedCookieRejected(t *testing.T) {
	s := NewStore()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "forged"})
	if _, ok := s.Validate(req, "10.0.0.2"); ok {
		t.Error("forged cookie must not validate")
	}
}
