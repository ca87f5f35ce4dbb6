package storage

import "time"

// DownloadRecord is an advisory row describing a completed cached file.
// The file on disk remains the source of truth for "downloaded"; records
// only carry the completion time the retention job needs.
type DownloadRecord struct {
	ConsumableID string
	FilePath     string
	CompletedAt  time.Time
}

// HistoryReadRepository lists tracked cached files.
type HistoryReadRepository interface {
	GetDownloads() ([]DownloadRecord, error)
}

// HistoryWriteRepository records and forgets cached files.
type HistoryWriteRepository interface {
	TrackDownload(consumableID, filePath string) error
	ForgetDownload(consumableID string) error
}
