package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BYTEDz/PCLink/internal/transfer"
	"github.com/BYTEDz/PCLink/pkg/httpx"
)

// writeTransferError maps engine failures onto the wire taxonomy.
func writeTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, err.Error())
	case errors.Is(err, transfer.ErrPathForbidden):
		httpx.WriteError(w, http.StatusForbidden, httpx.CodePathForbidden, err.Error())
	case errors.Is(err, transfer.ErrPathInvalid):
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, err.Error())
	case errors.Is(err, transfer.ErrIsDirectory), errors.Is(err, transfer.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, httpx.CodeConflictExists, err.Error())
	case errors.Is(err, transfer.ErrChunkRange):
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeChunkOutOfRange, err.Error())
	case errors.Is(err, transfer.ErrSizeMismatch):
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeSizeMismatch, err.Error())
	case errors.Is(err, transfer.ErrStale):
		httpx.WriteError(w, http.StatusGone, httpx.CodeTransferStale, err.Error())
	case errors.Is(err, transfer.ErrCancelled):
		httpx.WriteError(w, http.StatusConflict, httpx.CodeTransferCancelled, err.Error())
	case errors.Is(err, transfer.ErrDiskFull):
		httpx.WriteError(w, http.StatusInsufficientStorage, httpx.CodeDiskFull, err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeIOError, err.Error())
	}
}

// handleUploadConfig reports chunk sizing so clients can plan transfers.
func (a *App) handleUploadConfig(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, map[string]any{
		"chunk_size":        transfer.DefaultChunkSize,
		"supports_resume":   true,
		"conflict_policies": []string{transfer.ConflictAbort, transfer.ConflictOverwrite, transfer.ConflictKeepBoth},
	})
}

type uploadInitiateBody struct {
	TargetPath     string `json:"target_path"`
	TotalSize      int64  `json:"total_size"`
	ConflictPolicy string `json:"conflict_policy,omitempty"`
}

func (a *App) handleUploadInitiate(w http.ResponseWriter, r *http.Request) {
	var body uploadInitiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "malformed request body")
		return
	}
	m, err := a.Transfer.InitiateUpload(authFrom(r.Context()).DeviceID, body.TargetPath, body.TotalSize, body.ConflictPolicy)
	if err != nil {
		writeTransferError(w, err)
		return
	}
	httpx.WriteJSON(w, map[string]any{
		"transfer_id": m.TransferID,
		"chunk_size":  m.ChunkSize,
	})
}

func (a *App) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	idx, err := strconv.Atoi(chi.URLParam(r, "chunk"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeChunkOutOfRange, "chunk index must be an integer")
		return
	}
	m, err := a.Transfer.WriteChunk(id, idx, r.Body)
	if errors.Is(err, transfer.ErrPaused) {
		// 409 with resume metadata: which chunks the server already holds.
		have, meta, herr := a.Transfer.HaveChunks(id)
		if herr != nil {
			writeTransferError(w, herr)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detail":         "transfer is paused",
			"code":           httpx.CodeTransferPaused,
			"have_chunks":    have,
			"received_bytes": meta.ReceivedBytes,
		})
		return
	}
	if err != nil {
		writeTransferError(w, err)
		return
	}
	a.Metrics.TransferBytes.WithLabelValues(transfer.DirUpload).Add(float64(m.ChunkSize))
	httpx.WriteJSON(w, map[string]any{
		"state":          m.State,
		"received_bytes": m.ReceivedBytes,
	})
}

func (a *App) handleUploadPause(w http.ResponseWriter, r *http.Request) {
	m, err := a.Transfer.Pause(chi.URLParam(r, "id"))
	if err != nil {
		writeTransferError(w, err)
		return
	}
	httpx.WriteJSON(w, map[string]any{"state": m.State})
}

func (a *App) handleUploadResume(w http.ResponseWriter, r *http.Request) {
	m, err := a.Transfer.Resume(chi.URLParam(r, "id"))
	if err != nil {
		writeTransferError(w, err)
		return
	}
	have, _, _ := a.Transfer.HaveChunks(m.TransferID)
	httpx.WriteJSON(w, map[string]any{"state": m.State, "have_chunks": have})
}

func (a *App) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Transfer.Cancel(chi.URLParam(r, "id")); err != nil {
		writeTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDirectUpload is the single-shot fast path: the target path rides in
// the URL, the body is the file, and there is no resumption.
func (a *App) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	target := "/" + chi.URLParam(r, "*")
	m, err := a.Transfer.DirectUpload(authFrom(r.Context()).DeviceID, target, r.Body, r.URL.Query().Get("conflict_policy"))
	if err != nil {
		writeTransferError(w, err)
		return
	}
	a.Metrics.TransferBytes.WithLabelValues(transfer.DirUpload).Add(float64(m.TotalSize))
	httpx.WriteJSONStatus(w, http.StatusCreated, map[string]any{
		"target_path": m.TargetPath,
		"size":        m.TotalSize,
	})
}

func (a *App) handleDownload(w http.ResponseWriter, r *http.Request) {
	a.serveDownload(w, r, "/"+chi.URLParam(r, "*"))
}

// handleStream serves audio/video by path query; it is the same Range path
// with a separate toggle so media can be disabled independently of files.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodePathInvalid, "path query parameter required")
		return
	}
	a.serveDownload(w, r, path)
}

func (a *App) serveDownload(w http.ResponseWriter, r *http.Request, path string) {
	if err := a.Transfer.ServeDownload(w, r, authFrom(r.Context()).DeviceID, path); err != nil {
		writeTransferError(w, err)
	}
}
