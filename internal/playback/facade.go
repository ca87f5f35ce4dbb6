package playback

import (
	"context"

	"github.com/ottaviano/shelfstream/internal/catalog"
	"github.com/ottaviano/shelfstream/internal/download"
	"github.com/ottaviano/shelfstream/internal/logctx"
)

// StreamSource tells the player where to pull audio from. Remote sources
// are time-limited signed URLs and must not be persisted or reused across
// sessions.
type StreamSource struct {
	URL    string `json:"streamUrl"`
	Remote bool   `json:"remote"`
}

// Facade is the single entry point a player calls. It decides between the
// local cache and the upstream, drives downloads and forwards positions to
// the checkpoint coordinator.
type Facade struct {
	resolver        catalog.StreamResolver
	bookmarks       catalog.BookmarkStore
	metadata        catalog.MetadataClient
	downloads       *download.Manager
	checkpoints     *Coordinator
	localStreamPath string
}

// NewFacade wires the facade. localStreamPath is the route prefix the
// local range server is mounted on, e.g. "/api/local-stream/".
func NewFacade(
	resolver catalog.StreamResolver,
	bookmarks catalog.BookmarkStore,
	metadata catalog.MetadataClient,
	downloads *download.Manager,
	checkpoints *Coordinator,
	localStreamPath string,
) *Facade {
	return &Facade{
		resolver:        resolver,
		bookmarks:       bookmarks,
		metadata:        metadata,
		downloads:       downloads,
		checkpoints:     checkpoints,
		localStreamPath: localStreamPath,
	}
}

// ResolvePlaybackSource returns a local source when a completed cached
// file exists, otherwise a signed remote URL. A transient upstream failure
// is retried exactly once; authentication failures are surfaced as-is.
func (f *Facade) ResolvePlaybackSource(ctx context.Context, consumableID, credential string) (StreamSource, error) {
	if f.downloads.Downloaded(consumableID) {
		logctx.LoggerFromContext(ctx).Debug("serving from local cache", "consumable_id", consumableID)

		return StreamSource{URL: f.localStreamPath + consumableID, Remote: false}, nil
	}

	signedURL, err := f.resolver.ResolveStreamURL(ctx, consumableID, credential)
	if err != nil && catalog.IsUpstreamUnavailable(err) && !catalog.IsUnauthorized(err) {
		logctx.LoggerFromContext(ctx).Warn("stream resolution failed, retrying once",
			"consumable_id", consumableID, "err", err)

		signedURL, err = f.resolver.ResolveStreamURL(ctx, consumableID, credential)
	}

	if err != nil {
		return StreamSource{}, err
	}

	return StreamSource{URL: signedURL, Remote: true}, nil
}

// StartDownload begins caching a title in the background. Returns whether
// a new download actually started; false means one is already in flight
// or the file is already cached, which callers treat as success.
func (f *Facade) StartDownload(ctx context.Context, consumableID, credential string) (bool, error) {
	res, err := f.downloads.Start(ctx, consumableID, credential)
	if err != nil {
		return false, err
	}

	return res.Started, nil
}

// CancelDownload stops an in-flight download. Safe to call when none is
// active.
func (f *Facade) CancelDownload(ctx context.Context, consumableID string) error {
	return f.downloads.Cancel(ctx, consumableID)
}

// DeleteCached removes a completed cached file.
func (f *Facade) DeleteCached(ctx context.Context, consumableID string) error {
	return f.downloads.DeleteCompleted(ctx, consumableID)
}

// DownloadStatus is a pure read of cache and task state.
func (f *Facade) DownloadStatus(consumableID string) download.Status {
	return f.downloads.Status(consumableID)
}

// RestorePosition returns the resume point for a title in milliseconds.
func (f *Facade) RestorePosition(ctx context.Context, consumableID, credential string) (int64, bool, error) {
	return f.checkpoints.Restore(ctx, consumableID, credential)
}

// ReportPosition forwards a playback position to the checkpoint
// coordinator. state drives the session machine: "playing" keeps the
// periodic checkpoint timer running, "paused" and "stopped" flush
// synchronously, anything else is a one-shot checkpoint.
func (f *Facade) ReportPosition(ctx context.Context, consumableID, credential string, position int64, state string) error {
	switch state {
	case "playing":
		f.checkpoints.Play(ctx, consumableID, credential, position)
		f.checkpoints.ReportPosition(consumableID, position)

		return nil
	case "paused":
		f.checkpoints.Pause(ctx, consumableID, position)

		return nil
	case "stopped":
		f.checkpoints.Stop(ctx, consumableID, position)

		return nil
	default:
		return f.checkpoints.Checkpoint(ctx, consumableID, credential, position)
	}
}

// ManualBookmarks lists the user-authored bookmarks for a title.
func (f *Facade) ManualBookmarks(ctx context.Context, consumableID, credential string) ([]catalog.ManualBookmark, error) {
	return f.bookmarks.ManualBookmarks(ctx, consumableID, credential)
}

// CreateManualBookmark adds a user-authored bookmark.
func (f *Facade) CreateManualBookmark(ctx context.Context, credential, consumableID string, position int64, note string) error {
	return f.bookmarks.CreateManualBookmark(ctx, credential, consumableID, position, note)
}

// UpdateManualBookmark edits a user-authored bookmark.
func (f *Facade) UpdateManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string, bookmark catalog.ManualBookmark) error {
	return f.bookmarks.UpdateManualBookmark(ctx, credential, consumableID, bookmarkID, bookmark)
}

// DeleteManualBookmark removes a user-authored bookmark.
func (f *Facade) DeleteManualBookmark(ctx context.Context, credential, consumableID, bookmarkID string) error {
	return f.bookmarks.DeleteManualBookmark(ctx, credential, consumableID, bookmarkID)
}

// PlaybackMetadata fetches title duration and chapters from the upstream.
func (f *Facade) PlaybackMetadata(ctx context.Context, consumableID, credential string) (*catalog.PlaybackMetadata, error) {
	return f.metadata.PlaybackMetadata(ctx, consumableID, credential)
}
