package sqlite

import (
	"database/sql"
	"time"

	"github.com/ottaviano/shelfstream/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

func (r *HistoryRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(`SELECT consumable_id, file_path, completed_at FROM downloads`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var record storage.DownloadRecord

		var completedAt string

		if err := rows.Scan(&record.ConsumableID, &record.FilePath, &completedAt); err != nil {
			return nil, err
		}

		record.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

// TrackDownload upserts the completion record for a cached file.
func (r *HistoryRepository) TrackDownload(consumableID, filePath string) error {
	_, err := r.db.Exec(`
		INSERT INTO downloads (consumable_id, file_path, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(consumable_id) DO UPDATE SET
			file_path = excluded.file_path,
			completed_at = excluded.completed_at
	`, consumableID, filePath, time.Now().Format(time.RFC3339))

	return err
}

// ForgetDownload removes the record for a cached file. Removing a record
// that doesn't exist is not an error.
func (r *HistoryRepository) ForgetDownload(consumableID string) error {
	_, err := r.db.Exec(`DELETE FROM downloads WHERE consumable_id = ?`, consumableID)

	return err
}
