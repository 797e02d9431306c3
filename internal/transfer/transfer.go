// Package transfer implements resumable chunked uploads, range-served
// downloads, and the disk-backed session catalog that lets both survive a
// server restart.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BYTEDz/PCLink/internal/fsatomic"
	"github.com/BYTEDz/PCLink/internal/hub"
)

// DefaultChunkSize is offered to clients at initiation.
const DefaultChunkSize = 256 * 1024

// Session states.
const (
	StateActive    = "active"
	StatePaused    = "paused"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
	StateStale     = "stale"
)

// Conflict policies for resolving an existing target at finalization.
const (
	ConflictAbort     = "abort"
	ConflictOverwrite = "overwrite"
	ConflictKeepBoth  = "keep_both"
)

// Directions.
const (
	DirUpload   = "upload"
	DirDownload = "download"
)

// Typed failures, mapped to wire codes by the handlers.
var (
	ErrNotFound      = errors.New("transfer not found")
	ErrPaused        = errors.New("transfer paused")
	ErrCancelled     = errors.New("transfer cancelled")
	ErrStale         = errors.New("transfer stale")
	ErrChunkRange    = errors.New("chunk index out of range")
	ErrSizeMismatch  = errors.New("size mismatch")
	ErrConflict      = errors.New("target exists")
	ErrPathForbidden = errors.New("path outside allowed roots")
	ErrPathInvalid   = errors.New("invalid path")
	ErrIsDirectory   = errors.New("path is a directory")
	ErrDiskFull      = errors.New("disk full")
)

// Meta is the persisted TransferSession record (<id>.meta for uploads,
// <id>.download.meta for downloads).
type Meta struct {
	TransferID     string    `json:"transfer_id"`
	Direction      string    `json:"direction"`
	OwnerDeviceID  string    `json:"owner_device_id"`
	TargetPath     string    `json:"target_path"`
	TotalSize      int64     `json:"total_size"`
	ChunkSize      int64     `json:"chunk_size"`
	ReceivedBytes  int64     `json:"received_bytes,omitempty"`
	SentBytes      int64     `json:"sent_bytes,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ConflictPolicy string    `json:"conflict_policy,omitempty"`
	WrittenBitmap  string    `json:"written_bitmap,omitempty"` // base64, 1 bit per chunk
	LastError      string    `json:"last_error,omitempty"`
}

// chunkRecord serializes writes to one (transfer_id, chunk_index) slot and
// makes retried PUTs of a completed chunk idempotent.
type chunkRecord struct {
	mu      sync.Mutex
	written bool
}

type uploadSession struct {
	mu     sync.Mutex
	meta   Meta
	chunks []*chunkRecord
}

func (u *uploadSession) chunkCount() int {
	if u.meta.ChunkSize <= 0 {
		return 0
	}
	return int((u.meta.TotalSize + u.meta.ChunkSize - 1) / u.meta.ChunkSize)
}

func (u *uploadSession) chunkLen(idx int) int64 {
	last := u.chunkCount() - 1
	if idx < last {
		return u.meta.ChunkSize
	}
	return u.meta.TotalSize - int64(last)*u.meta.ChunkSize
}

type downloadSession struct {
	mu   sync.Mutex
	meta Meta
}

// Config wires the engine to operator-controlled settings.
type Config struct {
	Dir        string               // data dir's transfers/ directory
	Roots      func() []string      // allowed filesystem roots
	StaleAfter func() time.Duration // last_activity age before cleanup
}

// Engine owns the transfer catalog and all transfer I/O.
type Engine struct {
	cfg Config
	hub *hub.Hub
	log zerolog.Logger

	mu        sync.Mutex
	uploads   map[string]*uploadSession
	downloads map[string]*downloadSession
}

// NewEngine loads the catalog from disk, restoring every non-terminal upload
// (staging file plus written bitmap) so clients can resume, and discarding
// terminal leftovers.
func NewEngine(cfg Config, h *hub.Hub, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		hub:       h,
		log:       log.With().Str("component", "transfer").Logger(),
		uploads:   map[string]*uploadSession{},
		downloads: map[string]*downloadSession{},
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("transfer: create catalog dir: %w", err)
	}
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) restore() error {
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		name := ent.Name()
		switch {
		case strings.HasSuffix(name, ".download.meta"):
			e.restoreDownload(name)
		case strings.HasSuffix(name, ".meta"):
			e.restoreUpload(name)
		}
	}
	return nil
}

func (e *Engine) restoreUpload(name string) {
	path := filepath.Join(e.cfg.Dir, name)
	var m Meta
	ok, err := fsatomic.LoadJSON(path, &m)
	if err != nil || !ok {
		e.log.Warn().Err(err).Str("file", name).Msg("dropping unreadable upload meta")
		_ = os.Remove(path)
		return
	}
	if m.State != StateActive && m.State != StatePaused {
		_ = os.Remove(path)
		_ = os.Remove(e.stagingPath(m.TransferID))
		return
	}
	u := &uploadSession{meta: m}
	u.chunks = make([]*chunkRecord, u.chunkCount())
	written := decodeBitmap(m.WrittenBitmap, len(u.chunks))
	for i := range u.chunks {
		u.chunks[i] = &chunkRecord{written: written[i]}
	}
	e.uploads[m.TransferID] = u
	e.log.Info().Str("transfer_id", m.TransferID).Str("target", m.TargetPath).
		Int64("received", m.ReceivedBytes).Msg("restored upload session")
}

func (e *Engine) restoreDownload(name string) {
	path := filepath.Join(e.cfg.Dir, name)
	var m Meta
	ok, err := fsatomic.LoadJSON(path, &m)
	if err != nil || !ok || m.State != StateActive {
		_ = os.Remove(path)
		return
	}
	e.downloads[m.TransferID] = &downloadSession{meta: m}
}

func (e *Engine) stagingPath(id string) string {
	return filepath.Join(e.cfg.Dir, id+".staging")
}

func (e *Engine) uploadMetaPath(id string) string {
	return filepath.Join(e.cfg.Dir, id+".meta")
}

func (e *Engine) downloadMetaPath(id string) string {
	return filepath.Join(e.cfg.Dir, id+".download.meta")
}

func (e *Engine) persistUpload(u *uploadSession) error {
	u.meta.WrittenBitmap = encodeBitmap(u.chunks)
	return fsatomic.SaveJSON(e.uploadMetaPath(u.meta.TransferID), u.meta, 0o600)
}

func (e *Engine) persistDownload(d *downloadSession) error {
	return fsatomic.SaveJSON(e.downloadMetaPath(d.meta.TransferID), d.meta, 0o600)
}

// Sessions lists snapshots of every live session, uploads first.
// Session pointers are collected under the engine lock, then each session is
// locked individually (lock order is always session before engine elsewhere).
func (e *Engine) Sessions() []Meta {
	e.mu.Lock()
	ups := make([]*uploadSession, 0, len(e.uploads))
	for _, u := range e.uploads {
		ups = append(ups, u)
	}
	downs := make([]*downloadSession, 0, len(e.downloads))
	for _, d := range e.downloads {
		downs = append(downs, d)
	}
	e.mu.Unlock()

	out := make([]Meta, 0, len(ups)+len(downs))
	for _, u := range ups {
		u.mu.Lock()
		out = append(out, u.meta)
		u.mu.Unlock()
	}
	for _, d := range downs {
		d.mu.Lock()
		out = append(out, d.meta)
		d.mu.Unlock()
	}
	return out
}

func (e *Engine) publishUpdate(m Meta) {
	payload := map[string]any{
		"transfer_id": m.TransferID,
		"direction":   m.Direction,
		"state":       m.State,
		"total_size":  m.TotalSize,
	}
	if m.Direction == DirUpload {
		payload["received_bytes"] = m.ReceivedBytes
	} else {
		payload["sent_bytes"] = m.SentBytes
	}
	e.hub.Publish(hub.Operators, hub.Envelope{Type: hub.EventTransferUpdate, Payload: payload})
}

func newTransferID() string { return uuid.NewString() }

func encodeBitmap(chunks []*chunkRecord) string {
	bits := make([]byte, (len(chunks)+7)/8)
	for i, c := range chunks {
		if c.written {
			bits[i/8] |= 1 << (i % 8)
		}
	}
	return base64.StdEncoding.EncodeToString(bits)
}

func decodeBitmap(s string, n int) []bool {
	out := make([]bool, n)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out
	}
	for i := 0; i < n; i++ {
		if i/8 < len(raw) && raw[i/8]&(1<<(i%8)) != 0 {
			out[i] = true
		}
	}
	return out
}
