package transfer

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func serveFile(t *testing.T, e *Engine, path, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/files/download", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	if err := e.ServeDownload(rec, req, "dev-1", path); err != nil {
		t.Fatalf("serve: %v", err)
	}
	return rec
}

func TestFullDownload(t *testing.T) {
	e, root := newTestEngine(t)
	data := randomBytes(t, 10_000)
	path := filepath.Join(root, "dl.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	rec := serveFile(t, e, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatal("body differs from source")
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
}

func TestRangeDownload(t *testing.T) {
	e, root := newTestEngine(t)
	data := randomBytes(t, 10_000)
	path := filepath.Join(root, "range.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	rec := serveFile(t, e, path, "bytes=100-199")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/10000" {
		t.Errorf("Content-Range = %q", got)
	}
	body := rec.Body.Bytes()
	if len(body) != 100 {
		t.Fatalf("body length = %d, want 100", len(body))
	}
	if !bytes.Equal(body, data[100:200]) {
		t.Fatal("range bytes differ from source[100:200]")
	}
}

func TestOpenEndedRange(t *testing.T) {
	e, root := newTestEngine(t)
	data := randomBytes(t, 1000)
	path := filepath.Join(root, "open.bin")
	_ = os.WriteFile(path, data, 0o644)
	rec := serveFile(t, e, path, "bytes=900-")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[900:]) {
		t.Fatal("open-ended range bytes wrong")
	}
}

func TestUnsatisfiableRange(t *testing.T) {
	e, root := newTestEngine(t)
	path := filepath.Join(root, "small.bin")
	_ = os.WriteFile(path, make([]byte, 50), 0o644)
	rec := serveFile(t, e, path, "bytes=100-200")
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */50" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestDownloadSessionLifecycle(t *testing.T) {
	e, root := newTestEngine(t)
	data := randomBytes(t, 1000)
	path := filepath.Join(root, "sess.bin")
	_ = os.WriteFile(path, data, 0o644)

	serveFile(t, e, path, "bytes=0-499")
	found := false
	for _, m := range e.Sessions() {
		if m.Direction == DirDownload && m.TargetPath != "" {
			found = true
			if m.SentBytes != 500 {
				t.Errorf("sent_bytes = %d, want 500", m.SentBytes)
			}
		}
	}
	if !found {
		t.Fatal("download session should exist after a partial read")
	}
	// Final range retires the session.
	serveFile(t, e, path, "bytes=500-999")
	for _, m := range e.Sessions() {
		if m.Direction == DirDownload {
			t.Fatal("session should retire after the last byte")
		}
	}
}

func TestParseRangeTable(t *testing.T) {
	cases := []struct {
		header  string
		size    int64
		start   int64
		end     int64
		ok      bool
		wantErr bool
	}{
		{"", 100, 0, 99, true, false},
		{"bytes=0-49", 100, 0, 49, true, false},
		{"bytes=50-", 100, 50, 99, true, false},
		{"bytes=50-200", 100, 50, 99, true, false},
		{"bytes=100-200", 100, 0, 0, false, false},
		{"bytes=-50", 100, 0, 0, false, true},
		{"bytes=9-5", 100, 0, 0, false, true},
		{"bytes=0-5,10-20", 100, 0, 0, false, true},
		{"items=0-5", 100, 0, 0, false, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s_%d", c.header, c.size), func(t *testing.T) {
			rng, ok, err := parseRange(c.header, c.size)
			if (err != nil) != c.wantErr {
				t.Fatalf("err = %v, wantErr=%v", err, c.wantErr)
			}
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && (rng.start != c.start || rng.end != c.end) {
				t.Fatalf("range = %d-%d, want %d-%d", rng.start, rng.end, c.start, c.end)
			}
		})
	}
}
