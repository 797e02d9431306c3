package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// InitiateUpload validates the target, creates the staging file sized to
// total, and registers an Active session.
func (e *Engine) InitiateUpload(ownerDeviceID, targetPath string, total int64, policy string) (Meta, error) {
	if total < 0 {
		return Meta{}, fmt.Errorf("%w: negative total size", ErrSizeMismatch)
	}
	switch policy {
	case ConflictAbort, ConflictOverwrite, ConflictKeepBoth:
	case "":
		policy = ConflictAbort
	default:
		return Meta{}, fmt.Errorf("%w: unknown conflict policy %q", ErrPathInvalid, policy)
	}
	resolved, err := e.resolveTarget(targetPath, true)
	if err != nil {
		return Meta{}, err
	}
	if policy == ConflictAbort {
		if _, err := os.Stat(resolved); err == nil {
			return Meta{}, fmt.Errorf("%w: %s", ErrConflict, resolved)
		}
	}

	id := newTransferID()
	staging := e.stagingPath(id)
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Meta{}, e.classifyIO(err)
	}
	if err := f.Truncate(total); err != nil {
		_ = f.Close()
		_ = os.Remove(staging)
		return Meta{}, e.classifyIO(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(staging)
		return Meta{}, e.classifyIO(err)
	}

	now := time.Now()
	u := &uploadSession{meta: Meta{
		TransferID:     id,
		Direction:      DirUpload,
		OwnerDeviceID:  ownerDeviceID,
		TargetPath:     resolved,
		TotalSize:      total,
		ChunkSize:      DefaultChunkSize,
		State:          StateActive,
		CreatedAt:      now,
		LastActivity:   now,
		ConflictPolicy: policy,
	}}
	u.chunks = make([]*chunkRecord, u.chunkCount())
	for i := range u.chunks {
		u.chunks[i] = &chunkRecord{}
	}
	if err := e.persistUpload(u); err != nil {
		_ = os.Remove(staging)
		return Meta{}, err
	}
	e.mu.Lock()
	e.uploads[id] = u
	e.mu.Unlock()
	e.publishUpdate(u.meta)
	if total == 0 {
		// No chunks will ever arrive; finalize the empty file now.
		return e.finalizeUpload(u)
	}
	return u.meta, nil
}

func (e *Engine) upload(id string) (*uploadSession, error) {
	e.mu.Lock()
	u, ok := e.uploads[id]
	e.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// WriteChunk stores body at chunk index idx. Retries of an already written
// chunk succeed without rewriting or double-counting. Concurrent PUTs to
// distinct indices proceed in parallel; same-index PUTs serialize on the
// chunk record. When the final chunk lands the upload finalizes in place.
func (e *Engine) WriteChunk(id string, idx int, body io.Reader) (Meta, error) {
	u, err := e.upload(id)
	if err != nil {
		return Meta{}, err
	}

	u.mu.Lock()
	switch u.meta.State {
	case StateActive:
	case StatePaused:
		m := u.meta
		u.mu.Unlock()
		return m, ErrPaused
	case StateStale:
		m := u.meta
		u.mu.Unlock()
		return m, ErrStale
	default:
		m := u.meta
		u.mu.Unlock()
		return m, ErrCancelled
	}
	if idx < 0 || idx >= len(u.chunks) {
		// Invariant violation: fail the session and delete staging.
		m := e.failLocked(u, fmt.Sprintf("chunk index %d out of range", idx))
		u.mu.Unlock()
		return m, ErrChunkRange
	}
	rec := u.chunks[idx]
	want := u.chunkLen(idx)
	chunkSize := u.meta.ChunkSize
	u.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.written {
		// Idempotent retry: drain and acknowledge.
		_, _ = io.Copy(io.Discard, body)
		u.mu.Lock()
		m := u.meta
		u.mu.Unlock()
		return m, nil
	}

	n, err := e.writeAt(id, int64(idx)*chunkSize, body, want)
	if err != nil {
		// Transient I/O: pause with a recorded error; the data written so
		// far stays resumable.
		u.mu.Lock()
		u.meta.State = StatePaused
		u.meta.LastError = err.Error()
		_ = e.persistUpload(u)
		m := u.meta
		u.mu.Unlock()
		e.publishUpdate(m)
		return m, e.classifyIO(err)
	}
	if n != want {
		u.mu.Lock()
		m := e.failLocked(u, fmt.Sprintf("chunk %d: got %d bytes, want %d", idx, n, want))
		u.mu.Unlock()
		return m, ErrSizeMismatch
	}

	rec.written = true
	u.mu.Lock()
	u.meta.ReceivedBytes += want
	u.meta.LastActivity = time.Now()
	complete := u.meta.ReceivedBytes == u.meta.TotalSize && allWritten(u.chunks)
	if err := e.persistUpload(u); err != nil {
		m := u.meta
		u.mu.Unlock()
		return m, err
	}
	m := u.meta
	u.mu.Unlock()
	e.publishUpdate(m)

	if complete {
		return e.finalizeUpload(u)
	}
	return m, nil
}

// writeAt copies exactly want bytes from body into the staging file at off.
// One internal retry covers transient failures before surfacing.
func (e *Engine) writeAt(id string, off int64, body io.Reader, want int64) (int64, error) {
	data, err := io.ReadAll(io.LimitReader(body, want+1))
	if err != nil {
		return 0, err
	}
	if int64(len(data)) > want {
		return int64(len(data)), nil // size mismatch surfaced by caller
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(e.stagingPath(id), os.O_WRONLY, 0)
		if err != nil {
			lastErr = err
			continue
		}
		n, err := f.WriteAt(data, off)
		cerr := f.Close()
		if err == nil && cerr == nil {
			return int64(n), nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = cerr
		}
	}
	return 0, lastErr
}

func allWritten(chunks []*chunkRecord) bool {
	for _, c := range chunks {
		if !c.written {
			return false
		}
	}
	return true
}

// failLocked deletes staging and removes the catalog entry. Caller holds u.mu.
func (e *Engine) failLocked(u *uploadSession, reason string) Meta {
	u.meta.State = StateCancelled
	u.meta.LastError = reason
	id := u.meta.TransferID
	_ = os.Remove(e.stagingPath(id))
	_ = os.Remove(e.uploadMetaPath(id))
	e.mu.Lock()
	delete(e.uploads, id)
	e.mu.Unlock()
	e.log.Warn().Str("transfer_id", id).Str("reason", reason).Msg("upload failed")
	m := u.meta
	e.publishUpdate(m)
	return m
}

// finalizeUpload fsyncs staging, applies the conflict policy, and renames
// into place.
func (e *Engine) finalizeUpload(u *uploadSession) (Meta, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.meta.State != StateActive {
		return u.meta, nil
	}
	id := u.meta.TransferID
	staging := e.stagingPath(id)

	f, err := os.OpenFile(staging, os.O_RDWR, 0)
	if err != nil {
		return u.meta, e.classifyIO(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return u.meta, e.classifyIO(err)
	}
	_ = f.Close()

	target, err := e.resolveConflict(u.meta.TargetPath, u.meta.ConflictPolicy)
	if err != nil {
		return u.meta, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return u.meta, e.classifyIO(err)
	}
	if err := os.Rename(staging, target); err != nil {
		return u.meta, e.classifyIO(err)
	}

	u.meta.State = StateCompleted
	u.meta.TargetPath = target
	u.meta.LastActivity = time.Now()
	_ = os.Remove(e.uploadMetaPath(id))
	e.mu.Lock()
	delete(e.uploads, id)
	e.mu.Unlock()
	m := u.meta
	e.publishUpdate(m)
	e.log.Info().Str("transfer_id", id).Str("target", target).Msg("upload completed")
	return m, nil
}

func (e *Engine) resolveConflict(target, policy string) (string, error) {
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return target, nil
		}
		return "", e.classifyIO(err)
	}
	switch policy {
	case ConflictOverwrite:
		return target, nil
	case ConflictKeepBoth:
		return uniquePath(target)
	default:
		return "", fmt.Errorf("%w: %s", ErrConflict, target)
	}
}

// Pause marks the session paused. Subsequent chunk PUTs get ErrPaused plus
// resume metadata.
func (e *Engine) Pause(id string) (Meta, error) {
	u, err := e.upload(id)
	if err != nil {
		return Meta{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.meta.State != StateActive {
		return u.meta, nil
	}
	u.meta.State = StatePaused
	u.meta.LastActivity = time.Now()
	if err := e.persistUpload(u); err != nil {
		return u.meta, err
	}
	e.publishUpdate(u.meta)
	return u.meta, nil
}

// Resume reactivates a paused session (chunks simply start arriving again).
func (e *Engine) Resume(id string) (Meta, error) {
	u, err := e.upload(id)
	if err != nil {
		return Meta{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.meta.State != StatePaused {
		return u.meta, nil
	}
	u.meta.State = StateActive
	u.meta.LastError = ""
	u.meta.LastActivity = time.Now()
	if err := e.persistUpload(u); err != nil {
		return u.meta, err
	}
	e.publishUpdate(u.meta)
	return u.meta, nil
}

// Cancel deletes staging and removes the session.
func (e *Engine) Cancel(id string) (Meta, error) {
	u, err := e.upload(id)
	if err != nil {
		return Meta{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.meta.State = StateCancelled
	u.meta.LastActivity = time.Now()
	_ = os.Remove(e.stagingPath(id))
	_ = os.Remove(e.uploadMetaPath(id))
	e.mu.Lock()
	delete(e.uploads, id)
	e.mu.Unlock()
	e.publishUpdate(u.meta)
	return u.meta, nil
}

// HaveChunks reports which chunk indices the server holds, for resume.
func (e *Engine) HaveChunks(id string) ([]int, Meta, error) {
	u, err := e.upload(id)
	if err != nil {
		return nil, Meta{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	var have []int
	for i, c := range u.chunks {
		if c.written {
			have = append(have, i)
		}
	}
	return have, u.meta, nil
}

// DirectUpload streams body straight to staging and finalizes, bypassing the
// chunk catalog. No resumption.
func (e *Engine) DirectUpload(ownerDeviceID, targetPath string, body io.Reader, policy string) (Meta, error) {
	switch policy {
	case ConflictAbort, ConflictOverwrite, ConflictKeepBoth:
	case "":
		policy = ConflictAbort
	default:
		return Meta{}, fmt.Errorf("%w: unknown conflict policy %q", ErrPathInvalid, policy)
	}
	resolved, err := e.resolveTarget(targetPath, true)
	if err != nil {
		return Meta{}, err
	}
	if policy == ConflictAbort {
		if _, err := os.Stat(resolved); err == nil {
			return Meta{}, fmt.Errorf("%w: %s", ErrConflict, resolved)
		}
	}
	id := newTransferID()
	staging := e.stagingPath(id)
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Meta{}, e.classifyIO(err)
	}
	n, err := io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(staging)
		return Meta{}, e.classifyIO(err)
	}
	target, err := e.resolveConflict(resolved, policy)
	if err != nil {
		_ = os.Remove(staging)
		return Meta{}, err
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.Remove(staging)
		return Meta{}, e.classifyIO(err)
	}
	now := time.Now()
	m := Meta{
		TransferID:    id,
		Direction:     DirUpload,
		OwnerDeviceID: ownerDeviceID,
		TargetPath:    target,
		TotalSize:     n,
		ReceivedBytes: n,
		State:         StateCompleted,
		CreatedAt:     now,
		LastActivity:  now,
	}
	e.publishUpdate(m)
	return m, nil
}

// classifyIO maps OS errors to the transfer taxonomy.
func (e *Engine) classifyIO(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	return err
}
