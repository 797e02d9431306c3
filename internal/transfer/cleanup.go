package transfer

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// CleanupReport is returned by the sweep and by the operator endpoint.
type CleanupReport struct {
	UploadsCleaned   int `json:"uploads_cleaned"`
	DownloadsCleaned int `json:"downloads_cleaned"`
}

// Cleanup transitions sessions idle past the configured threshold to Stale,
// deletes their staging files, and drops their catalog entries.
func (e *Engine) Cleanup() CleanupReport {
	threshold := e.cfg.StaleAfter()
	cutoff := time.Now().Add(-threshold)
	var report CleanupReport

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

	for _, u := range ups {
		u.mu.Lock()
		if u.meta.LastActivity.Before(cutoff) {
			u.meta.State = StateStale
			id := u.meta.TransferID
			_ = os.Remove(e.stagingPath(id))
			_ = os.Remove(e.uploadMetaPath(id))
			m := u.meta
			u.mu.Unlock()
			e.mu.Lock()
			delete(e.uploads, id)
			e.mu.Unlock()
			e.publishUpdate(m)
			report.UploadsCleaned++
			continue
		}
		u.mu.Unlock()
	}
	for _, d := range downs {
		d.mu.Lock()
		if d.meta.LastActivity.Before(cutoff) {
			d.meta.State = StateStale
			id := d.meta.TransferID
			_ = os.Remove(e.downloadMetaPath(id))
			m := d.meta
			d.mu.Unlock()
			e.mu.Lock()
			delete(e.downloads, id)
			e.mu.Unlock()
			e.publishUpdate(m)
			report.DownloadsCleaned++
			continue
		}
		d.mu.Unlock()
	}
	if report.UploadsCleaned+report.DownloadsCleaned > 0 {
		e.log.Info().Int("uploads", report.UploadsCleaned).
			Int("downloads", report.DownloadsCleaned).Msg("cleaned stale transfers")
	}
	return report
}

// StartCleanup schedules an hourly sweep until ctx ends.
func (e *Engine) StartCleanup(ctx context.Context) {
	c := cron.New()
	_, _ = c.AddFunc("@hourly", func() { e.Cleanup() })
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}
