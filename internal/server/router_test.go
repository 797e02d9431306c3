package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/BYTEDz/PCLink/internal/config"
	"github.com/BYTEDz/PCLink/internal/pairing"
)

type testEnv struct {
	app     *App
	router  http.Handler
	root    string // allowed file root
	cookies []*http.Cookie
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	root := t.TempDir()
	t.Setenv("PCLINK_DATA_DIR", dataDir)
	app, err := NewApp(dataDir, zerolog.Nop(), func() {})
	if err != nil {
		t.Fatal(err)
	}
	NewListener(app)
	if err := app.Config.Update(func(s *config.Settings) {
		s.AllowedRoots = []string{root}
		s.Port = 0 // ephemeral port for listener tests
	}); err != nil {
		t.Fatal(err)
	}
	return &testEnv{app: app, router: app.NewRouter(), root: root}
}

// do runs one request through the router. Operator cookies accumulate.
func (e *testEnv) do(method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.168.1.50:40000"
	for _, ck := range e.cookies {
		req.AddCookie(ck)
	}
	for _, fn := range mutate {
		fn(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if cks := rec.Result().Cookies(); len(cks) > 0 {
		e.cookies = cks
	}
	return rec
}

func withKey(key string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-API-Key", key) }
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("bad json %q: %v", rec.Body.String(), err)
	}
	return m
}

// completeSetup runs first-time setup and leaves an operator session cookie.
func (e *testEnv) completeSetup(t *testing.T) {
	t.Helper()
	rec := e.do(http.MethodPost, "/auth/setup", map[string]string{"password": "hunter2hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("setup: %d %s", rec.Code, rec.Body.String())
	}
}

// pairDevice runs the full pairing flow and returns the device key.
func (e *testEnv) pairDevice(t *testing.T, name string) string {
	t.Helper()
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/pairing/request",
			bytes.NewReader([]byte(fmt.Sprintf(`{"device_name":%q,"platform":"android"}`, name))))
		req.RemoteAddr = "192.168.1.77:40000"
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		done <- rec
	}()
	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := e.app.Pairing.Pending(); len(p) > 0 {
			id = p[0].PairingID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("no pending pairing ticket")
	}
	if rec := e.do(http.MethodPost, "/pairing/approve", map[string]string{"pairing_id": id}); rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	rec := <-done
	if rec.Code != http.StatusOK {
		t.Fatalf("pairing request: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	key, _ := body["api_key"].(string)
	if len(key) != 32 {
		t.Fatalf("api_key = %q", key)
	}
	if fp, _ := body["cert_fingerprint"].(string); len(fp) != 64 {
		t.Fatalf("cert_fingerprint = %q", fp)
	}
	return key
}

func TestStatusIsPublic(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	body := decode(t, rec)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["services"].(map[string]any); !ok {
		t.Fatal("status should report service toggles")
	}
}

func TestQRPayloadGatedOnSetup(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(http.MethodGet, "/qr-payload", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("pre-setup qr-payload: %d", rec.Code)
	}
	e.completeSetup(t)
	rec := e.do(http.MethodGet, "/qr-payload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("qr-payload: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["protocol"] != "https" {
		t.Errorf("protocol = %v", body["protocol"])
	}
	if body["apiKey"] != e.app.Identity.APIKey() {
		t.Error("apiKey mismatch")
	}
	if body["certFingerprint"] != e.app.Identity.Fingerprint() {
		t.Error("fingerprint mismatch")
	}
}

func TestLoginLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	e.cookies = nil // drop the setup session

	if rec := e.do(http.MethodGet, "/auth/check", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("check without session: %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/auth/login", map[string]string{"password": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/auth/login", map[string]string{"password": "hunter2hunter2"}); rec.Code != http.StatusOK {
		t.Fatalf("login: %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/auth/check", nil); rec.Code != http.StatusOK {
		t.Fatalf("check with session: %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/auth/logout", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	e.cookies = nil
	var last int
	for i := 0; i < 6; i++ {
		rec := e.do(http.MethodPost, "/auth/login", map[string]string{"password": "wrong"})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("sixth failed login: %d, want 429", last)
	}
}

func TestCleanPairing(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	key := e.pairDevice(t, "phone-A")

	rec := e.do(http.MethodGet, "/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("devices: %d", rec.Code)
	}
	list := decode(t, rec)["devices"].([]any)
	if len(list) != 1 {
		t.Fatalf("device count = %d", len(list))
	}
	if list[0].(map[string]any)["name"] != "phone-A" {
		t.Fatalf("device = %v", list[0])
	}
	// The key authenticates.
	if rec := e.do(http.MethodGet, "/files/upload/config", nil, withKey(key)); rec.Code != http.StatusOK {
		t.Fatalf("device call: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeniedPairing(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/pairing/request",
			bytes.NewReader([]byte(`{"device_name":"phone-B","platform":"ios"}`)))
		req.RemoteAddr = "192.168.1.88:40000"
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		done <- rec
	}()
	var id string
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		if p := e.app.Pairing.Pending(); len(p) > 0 {
			id = p[0].PairingID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.do(http.MethodPost, "/pairing/deny", map[string]string{"pairing_id": id})
	rec := <-done
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied pairing: %d", rec.Code)
	}
	if decode(t, rec)["code"] != "pairing_denied" {
		t.Fatalf("code = %v", decode(t, rec)["code"])
	}
}

func TestPairingTimeout(t *testing.T) {
	old := pairing.RequestTimeout
	pairing.RequestTimeout = 50 * time.Millisecond
	defer func() { pairing.RequestTimeout = old }()
	e := newTestEnv(t)
	e.completeSetup(t)
	req := httptest.NewRequest(http.MethodPost, "/pairing/request",
		bytes.NewReader([]byte(`{"device_name":"phone-C","platform":"ios"}`)))
	req.RemoteAddr = "192.168.1.89:40000"
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("timeout pairing: %d", rec.Code)
	}
	if decode(t, rec)["code"] != "pairing_timeout" {
		t.Fatalf("code = %v", decode(t, rec)["code"])
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	e.cookies = nil
	cases := []struct{ method, path string }{
		{http.MethodGet, "/devices"},
		{http.MethodPost, "/files/upload"},
		{http.MethodGet, "/files/download/etc/passwd"},
		{http.MethodPost, "/server/stop"},
		{http.MethodGet, "/transfers"},
	}
	for _, c := range cases {
		rec := e.do(c.method, c.path, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", c.method, c.path, rec.Code)
		}
		if decode(t, rec)["code"] != "missing_credential" {
			t.Errorf("%s %s code = %v", c.method, c.path, decode(t, rec)["code"])
		}
	}
}

func TestOperatorOnlyRejectsDeviceKey(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	key := e.pairDevice(t, "phone-A")
	e.cookies = nil
	rec := e.do(http.MethodGet, "/devices", nil, withKey(key))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("device key on operator route: %d", rec.Code)
	}
}

func TestServiceToggleEnforced(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	key := e.pairDevice(t, "phone-A")
	if err := e.app.Config.Update(func(s *config.Settings) {
		s.Toggles[config.ToggleFileBrowser] = false
	}); err != nil {
		t.Fatal(err)
	}
	rec := e.do(http.MethodGet, "/files/upload/config", nil, withKey(key))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled toggle: %d", rec.Code)
	}
	if decode(t, rec)["code"] != "service_disabled" {
		t.Fatalf("code = %v", decode(t, rec)["code"])
	}
}

func TestRevocationLiveness(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	key := e.pairDevice(t, "phone-A")
	devs := e.app.Devices.List()
	if rec := e.do(http.MethodPost, "/devices/revoke", map[string]string{"device_id": devs[0].ID}); rec.Code != http.StatusOK {
		t.Fatalf("revoke: %d", rec.Code)
	}
	e.cookies = nil
	rec := e.do(http.MethodGet, "/files/upload/config", nil, withKey(key))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key: %d, want 401", rec.Code)
	}
	if decode(t, rec)["code"] != "revoked_credential" {
		t.Fatalf("code = %v", decode(t, rec)["code"])
	}
}

func TestUploadOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	key := e.pairDevice(t, "phone-A")
	target := filepath.Join(e.root, "photo.jpg")
	data := bytes.Repeat([]byte("0123456789abcdef"), 65536) // 1 MiB

	rec := e.do(http.MethodPost, "/files/upload", map[string]any{
		"target_path": target,
		"total_size":  len(data),
	}, withKey(key))
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	id := body["transfer_id"].(string)
	chunk := int(body["chunk_size"].(float64))

	n := (len(data) + chunk - 1) / chunk
	for i := 0; i < n; i++ {
		lo, hi := i*chunk, (i+1)*chunk
		if hi > len(data) {
			hi = len(data)
		}
		rec := e.do(http.MethodPut, fmt.Sprintf("/files/upload/%s/%d", id, i), data[lo:hi], withKey(key))
		if rec.Code != http.StatusOK {
			t.Fatalf("chunk %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("uploaded bytes differ")
	}
}

func TestDownloadRangeOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	key := e.pairDevice(t, "phone-A")
	src := make([]byte, 10000)
	for i := range src {
		src[i] = byte(i)
	}
	path := filepath.Join(e.root, "blob.bin")
	if err := os.WriteFile(path, src, 0o644); err != nil {
		t.Fatal(err)
	}
	rec := e.do(http.MethodGet, "/files/download"+path, nil, withKey(key), func(r *http.Request) {
		r.Header.Set("Range", "bytes=100-199")
	})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("range download: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/10000" {
		t.Errorf("Content-Range = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), src[100:200]) {
		t.Fatal("range body mismatch")
	}
}

func TestPathEscapeForbidden(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	key := e.pairDevice(t, "phone-A")
	rec := e.do(http.MethodPost, "/files/upload", map[string]any{
		"target_path": "/etc/pclink-pwned",
		"total_size":  10,
	}, withKey(key))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("escape: %d", rec.Code)
	}
	if decode(t, rec)["code"] != "path_forbidden" {
		t.Fatalf("code = %v", decode(t, rec)["code"])
	}
}

func TestListenerRestartKeepsSession(t *testing.T) {
	e := newTestEnv(t)
	e.completeSetup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.app.Listener.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	// A fresh router (as after restart) must still accept the cookie.
	e.router = e.app.NewRouter()
	if rec := e.do(http.MethodGet, "/auth/check", nil); rec.Code != http.StatusOK {
		t.Fatalf("session lost across restart: %d", rec.Code)
	}
	_ = e.app.Listener.Stop(ctx)
}
