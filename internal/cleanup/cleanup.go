// Package cleanup reclaims disk from cached audio files past their
// retention window.
package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/ottaviano/shelfstream/internal/logctx"
	"github.com/ottaviano/shelfstream/internal/storage"
)

// DeleteExpiredFiles removes cached files older than keepFor based on
// tracked completion records, and drops records whose file is already
// gone so the history never outlives the cache.
func DeleteExpiredFiles(ctx context.Context, records []storage.DownloadRecord, keepFor time.Duration, history storage.HistoryWriteRepository) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	for _, rec := range records {
		info, err := os.Stat(rec.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				// Deleted out of band; the file on disk is authoritative.
				if err := history.ForgetDownload(rec.ConsumableID); err != nil {
					logger.Error("failed to forget stale record", "consumable_id", rec.ConsumableID, "err", err)
				}

				continue
			}

			logger.Error("failed to stat cached file", "file", rec.FilePath, "err", err)

			return err
		}

		completedAt := rec.CompletedAt
		if completedAt.IsZero() {
			// fallback: use file mod time
			completedAt = info.ModTime()
		}

		if now.Sub(completedAt) <= keepFor {
			continue
		}

		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete expired cached file", "file", rec.FilePath, "err", err)

			return err
		}

		if err := history.ForgetDownload(rec.ConsumableID); err != nil {
			logger.Error("failed to forget expired record", "consumable_id", rec.ConsumableID, "err", err)
		}

		logger.Info("deleted expired cached file", "file", rec.FilePath)
	}

	return nil
}
