package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ottaviano/shelfstream/internal/storage"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	forgotten []string
}

func (f *fakeHistory) TrackDownload(consumableID, filePath string) error {
	return nil
}

func (f *fakeHistory) ForgetDownload(consumableID string) error {
	f.forgotten = append(f.forgotten, consumableID)

	return nil
}

func writeCachedFile(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))

	return path
}

func TestDeleteExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	history := &fakeHistory{}

	expired := writeCachedFile(t, dir, "old.audio")
	fresh := writeCachedFile(t, dir, "new.audio")

	records := []storage.DownloadRecord{
		{ConsumableID: "old", FilePath: expired, CompletedAt: time.Now().Add(-48 * time.Hour)},
		{ConsumableID: "new", FilePath: fresh, CompletedAt: time.Now().Add(-time.Hour)},
	}

	require.NoError(t, DeleteExpiredFiles(context.Background(), records, 24*time.Hour, history))

	require.NoFileExists(t, expired)
	require.FileExists(t, fresh)
	require.Equal(t, []string{"old"}, history.forgotten)
}

func TestDeleteExpiredFilesForgetsMissing(t *testing.T) {
	history := &fakeHistory{}

	records := []storage.DownloadRecord{
		{ConsumableID: "gone", FilePath: filepath.Join(t.TempDir(), "gone.audio"), CompletedAt: time.Now()},
	}

	require.NoError(t, DeleteExpiredFiles(context.Background(), records, 24*time.Hour, history))
	require.Equal(t, []string{"gone"}, history.forgotten)
}

func TestDeleteExpiredFilesFallsBackToModTime(t *testing.T) {
	dir := t.TempDir()
	history := &fakeHistory{}

	path := writeCachedFile(t, dir, "untracked.audio")
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, stale, stale))

	records := []storage.DownloadRecord{
		{ConsumableID: "untracked", FilePath: path},
	}

	require.NoError(t, DeleteExpiredFiles(context.Background(), records, 24*time.Hour, history))
	require.NoFileExists(t, path)
	require.Equal(t, []string{"untracked"}, history.forgotten)
}

func TestDeleteExpiredFilesKeepsEverythingWithinWindow(t *testing.T) {
	dir := t.TempDir()
	history := &fakeHistory{}

	path := writeCachedFile(t, dir, "recent.audio")

	records := []storage.DownloadRecord{
		{ConsumableID: "recent", FilePath: path, CompletedAt: time.Now()},
	}

	require.NoError(t, DeleteExpiredFiles(context.Background(), records, 24*time.Hour, history))
	require.FileExists(t, path)
	require.Empty(t, history.forgotten)
}
