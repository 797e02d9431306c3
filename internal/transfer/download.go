package transfer

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// byteRange is one parsed Range request. end is inclusive.
type byteRange struct {
	start, end int64
}

// parseRange handles "bytes=a-b" and "bytes=a-" against size. A syntactically
// valid but unsatisfiable range returns ok=false.
func parseRange(header string, size int64) (byteRange, bool, error) {
	if header == "" {
		return byteRange{0, size - 1}, true, nil
	}
	val, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(val, ",") {
		return byteRange{}, false, fmt.Errorf("unsupported range %q", header)
	}
	startS, endS, found := strings.Cut(val, "-")
	if !found || startS == "" {
		return byteRange{}, false, fmt.Errorf("unsupported range %q", header)
	}
	start, err := strconv.ParseInt(startS, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false, fmt.Errorf("bad range start %q", header)
	}
	end := size - 1
	if endS != "" {
		end, err = strconv.ParseInt(endS, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false, fmt.Errorf("bad range end %q", header)
		}
	}
	if start >= size {
		return byteRange{}, false, nil
	}
	if end >= size {
		end = size - 1
	}
	return byteRange{start, end}, true, nil
}

// ServeDownload range-serves the file at path. The first request for a path
// opens a DownloadSession; progress accumulates across range requests and
// the session retires when the final byte has been sent. Streaming media
// rides the same path, differing only in sniffed content type.
func (e *Engine) ServeDownload(w http.ResponseWriter, r *http.Request, ownerDeviceID, path string) error {
	resolved, err := e.resolveTarget(path, true)
	if err != nil {
		return err
	}
	f, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return e.classifyIO(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return e.classifyIO(err)
	}
	size := fi.Size()

	rng, ok, err := parseRange(r.Header.Get("Range"), size)
	if err != nil || !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	d := e.openDownload(ownerDeviceID, resolved, size)

	ctype := mime.TypeByExtension(filepath.Ext(resolved))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Accept-Ranges", "bytes")
	length := rng.end - rng.start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if r.Header.Get("Range") != "" {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, size))
		w.WriteHeader(http.StatusPartialContent)
	}

	sent, copyErr := io.Copy(w, io.NewSectionReader(f, rng.start, length))
	e.recordDownloadProgress(d, sent, rng.end+1 == size && copyErr == nil)
	return nil
}

// openDownload finds or creates the session for resolved. One session per
// source path at a time.
func (e *Engine) openDownload(ownerDeviceID, resolved string, size int64) *downloadSession {
	e.mu.Lock()
	for _, d := range e.downloads {
		if d.meta.TargetPath == resolved {
			e.mu.Unlock()
			return d
		}
	}
	now := time.Now()
	d := &downloadSession{meta: Meta{
		TransferID:    newTransferID(),
		Direction:     DirDownload,
		OwnerDeviceID: ownerDeviceID,
		TargetPath:    resolved,
		TotalSize:     size,
		State:         StateActive,
		CreatedAt:     now,
		LastActivity:  now,
	}}
	e.downloads[d.meta.TransferID] = d
	e.mu.Unlock()
	_ = e.persistDownload(d)
	return d
}

// recordDownloadProgress advances sent_bytes monotonically and retires the
// session once the last byte has gone out.
func (e *Engine) recordDownloadProgress(d *downloadSession, sent int64, finished bool) {
	d.mu.Lock()
	d.meta.SentBytes += sent
	if d.meta.SentBytes > d.meta.TotalSize {
		d.meta.SentBytes = d.meta.TotalSize
	}
	d.meta.LastActivity = time.Now()
	id := d.meta.TransferID
	if finished {
		d.meta.State = StateCompleted
	}
	m := d.meta
	if finished {
		_ = os.Remove(e.downloadMetaPath(id))
	} else {
		_ = e.persistDownload(d)
	}
	d.mu.Unlock()

	if finished {
		e.mu.Lock()
		delete(e.downloads, id)
		e.mu.Unlock()
	}
	e.publishUpdate(m)
}
