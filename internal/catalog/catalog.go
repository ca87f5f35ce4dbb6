// Package catalog defines the contracts and value types for talking to the
// upstream audiobook catalog service. The service owns licensing, signed
// stream URLs and the remote bookmark store; this package only describes
// what we consume from it.
package catalog

import (
	"context"
	"time"
)

// PositionalBookmark is the single resume point for a title on a device.
// It is upserted by the checkpoint coordinator and read once per playback
// session. Position is a millisecond offset from the start of the title.
type PositionalBookmark struct {
	ConsumableID string    `json:"consumableId"`
	Position     int64     `json:"position"`
	UpdatedTime  time.Time `json:"updatedTime"`
	DeviceID     string    `json:"deviceId"`
}

// ManualBookmark is a user-authored annotation within a title. Many may
// exist per title; their lifecycle is independent of the resume point.
type ManualBookmark struct {
	ID         string    `json:"id"`
	Position   int64     `json:"position"`
	Note       string    `json:"note,omitempty"`
	InsertTime time.Time `json:"insertTime"`
}

// Chapter is a named offset within a title, as reported by the upstream
// playback metadata endpoint.
type Chapter struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	DurationMs int64  `json:"durationInMilliseconds"`
}

// PlaybackMetadata describes a playable title: total duration and chapters.
type PlaybackMetadata struct {
	ConsumableID string    `json:"consumableId"`
	Title        string    `json:"title"`
	DurationMs   int64     `json:"durationInMilliseconds"`
	Chapters     []Chapter `json:"chapters"`
}

// StreamResolver obtains a time-limited signed URL for a title. The URL is
// not reusable across sessions and must not be persisted.
type StreamResolver interface {
	ResolveStreamURL(ctx context.Context, consumableID, credential string) (string, error)
}

// BookmarkStore is the remote read/write contract for both kinds of bookmarks.
type BookmarkStore interface {
	PositionalBookmark(ctx context.Context, consumableID, credential string) (*PositionalBookmark, error)
	UpsertPositionalBookmark(ctx context.Context, credential string, bookmark PositionalBookmark) error

	ManualBookmarks(ctx context.Context, consumableID, credential string) ([]ManualBookmark, error)
	CreateManualBookmark(ctx context.Context, credential, consumableID string, position int64, note string) error
	UpdateManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string, bookmark ManualBookmark) error
	DeleteManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string) error
}

// MetadataClient fetches playback metadata for a title.
type MetadataClient interface {
	PlaybackMetadata(ctx context.Context, consumableID, credential string) (*PlaybackMetadata, error)
}
