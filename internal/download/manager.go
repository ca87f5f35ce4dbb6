// Package download owns the lifecycle of background audio downloads: one
// in-flight task per consumable id, temp-suffix writes with an atomic
// rename on completion, and guaranteed cleanup of partial files on
// cancellation or error.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ottaviano/shelfstream/internal/catalog"
	"github.com/ottaviano/shelfstream/internal/download/progress"
	"github.com/ottaviano/shelfstream/internal/logctx"
	"github.com/ottaviano/shelfstream/internal/storage"
	"github.com/ottaviano/shelfstream/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	fileExt    = ".audio"
	partSuffix = ".part"
	dirPerm    = 0755

	// progressInterval is the byte cadence for progress callbacks.
	progressInterval = int64(256 * 1024)

	// cancelSettleTimeout bounds how long Cancel waits for the transfer
	// goroutine to close its file handle and delete the partial file.
	cancelSettleTimeout = 10 * time.Second

	removeAttempts   = 3
	removeRetryDelay = 100 * time.Millisecond
)

// State describes what the manager knows about a consumable id.
type State int

const (
	StateAbsent State = iota
	StateDownloading
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StatePresent:
		return "present"
	default:
		return "absent"
	}
}

// Status is a point-in-time read of filesystem plus task registry. It
// never touches the network.
type Status struct {
	State    State
	Progress float64 // rounded percent, meaningful while downloading
}

// ProgressEvent is published on a task's channel as bytes arrive. The
// terminal event has Done set; Err carries the typed failure, if any.
type ProgressEvent struct {
	ConsumableID string
	BytesWritten int64
	TotalBytes   int64 // -1 when the upstream didn't say
	Percent      float64
	Done         bool
	Err          error
}

// StartResult reports whether Start admitted a new task. When it did,
// Progress carries the task's event stream and is closed when the task
// ends. Started false means the file is already present or in flight.
type StartResult struct {
	Started  bool
	Progress <-chan ProgressEvent
}

type task struct {
	consumableID string
	cancel       context.CancelFunc
	destPath     string
	bytesWritten atomic.Int64
	totalBytes   atomic.Int64
	events       chan ProgressEvent
	done         chan struct{}
}

func (t *task) percent() float64 {
	total := t.totalBytes.Load()
	if total <= 0 {
		return 0
	}

	return float64(t.bytesWritten.Load()) * 100 / float64(total)
}

// Manager orchestrates downloads from signed URLs into the local cache.
// The tasks map is the single piece of shared mutable state; every
// mutation happens under mu together with the existence check that
// precedes it.
type Manager struct {
	cacheDir string
	timeout  time.Duration
	resolver catalog.StreamResolver
	client   *http.Client
	history  storage.HistoryWriteRepository
	tel      *telemetry.Telemetry

	mu    sync.Mutex
	tasks map[string]*task
}

// NewManager creates a download manager writing into cacheDir. history and
// tel may be nil.
func NewManager(
	cacheDir string,
	timeout time.Duration,
	resolver catalog.StreamResolver,
	history storage.HistoryWriteRepository,
	tel *telemetry.Telemetry,
) *Manager {
	return &Manager{
		cacheDir: cacheDir,
		timeout:  timeout,
		resolver: resolver,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		history: history,
		tel:     tel,
		tasks:   make(map[string]*task),
	}
}

// IsValidID reports whether id is safe to derive a cache path from.
func IsValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}

	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// FilePath returns the deterministic cache path for a consumable id.
// Presence of this file is the single source of truth for "downloaded".
func (m *Manager) FilePath(consumableID string) string {
	return filepath.Join(m.cacheDir, consumableID+fileExt)
}

func (m *Manager) partPath(consumableID string) string {
	return m.FilePath(consumableID) + partSuffix
}

// Downloaded reports whether a completed cached file exists for the id.
func (m *Manager) Downloaded(consumableID string) bool {
	info, err := os.Stat(m.FilePath(consumableID))

	return err == nil && info.Mode().IsRegular()
}

// Status is a pure read of the task registry and the filesystem.
func (m *Manager) Status(consumableID string) Status {
	m.mu.Lock()
	t, active := m.tasks[consumableID]
	m.mu.Unlock()

	if active {
		return Status{State: StateDownloading, Progress: t.percent()}
	}

	if m.Downloaded(consumableID) {
		return Status{State: StatePresent, Progress: 100}
	}

	return Status{State: StateAbsent}
}

// Start begins a background download for the id. It is idempotent: when a
// cached file already exists or a task is already in flight it returns
// Started false and no error. The existence check and task registration
// happen atomically, so two concurrent calls admit exactly one writer.
//
// Resolution and destination setup run synchronously so admission errors
// reach the caller; the byte transfer itself continues in the background,
// detached from the caller's context.
func (m *Manager) Start(ctx context.Context, consumableID, credential string) (*StartResult, error) {
	if !IsValidID(consumableID) {
		return nil, fmt.Errorf("invalid consumable id %q", consumableID)
	}

	logger := logctx.LoggerFromContext(ctx).With("consumable_id", consumableID)

	dctx := logctx.WithLogger(context.Background(), logger)
	dctx, cancel := context.WithTimeout(dctx, m.timeout)

	m.mu.Lock()

	if _, exists := m.tasks[consumableID]; exists {
		m.mu.Unlock()
		cancel()

		logger.Debug("download already in flight")

		return &StartResult{Started: false}, nil
	}

	if m.Downloaded(consumableID) {
		m.mu.Unlock()
		cancel()

		logger.Debug("file already cached")

		return &StartResult{Started: false}, nil
	}

	t := &task{
		consumableID: consumableID,
		cancel:       cancel,
		destPath:     m.FilePath(consumableID),
		events:       make(chan ProgressEvent, 16),
		done:         make(chan struct{}),
	}
	t.totalBytes.Store(-1)
	m.tasks[consumableID] = t

	m.mu.Unlock()

	body, err := m.openStream(dctx, consumableID, credential)
	if err != nil {
		m.discard(t)

		return nil, err
	}

	if err := os.MkdirAll(m.cacheDir, dirPerm); err != nil {
		body.Close()
		m.discard(t)

		return nil, &FailedError{ConsumableID: consumableID, Err: err}
	}

	out, err := os.Create(m.partPath(consumableID))
	if err != nil {
		body.Close()
		m.discard(t)

		return nil, &FailedError{ConsumableID: consumableID, Err: err}
	}

	go m.run(dctx, t, body, out)

	return &StartResult{Started: true, Progress: t.events}, nil
}

// Cancel signals the in-flight download for the id to stop and waits,
// bounded, for its file handle to close and the partial file to be
// deleted. Cancelling an id with no active task is a no-op.
func (m *Manager) Cancel(ctx context.Context, consumableID string) error {
	m.mu.Lock()
	t := m.tasks[consumableID]
	m.mu.Unlock()

	if t == nil {
		return nil
	}

	t.cancel()

	select {
	case <-t.done:
	case <-time.After(cancelSettleTimeout):
		logctx.LoggerFromContext(ctx).Warn("cancelled download did not settle in time",
			"consumable_id", consumableID)
	}

	return nil
}

// DeleteCompleted removes a completed cached file. Returns ErrNotFound
// when there is nothing to delete.
func (m *Manager) DeleteCompleted(ctx context.Context, consumableID string) error {
	if !IsValidID(consumableID) {
		return fmt.Errorf("invalid consumable id %q", consumableID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.FilePath(consumableID)
	if _, err := os.Stat(path); err != nil {
		return ErrNotFound
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove cached file: %w", err)
	}

	if m.history != nil {
		if err := m.history.ForgetDownload(consumableID); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to forget download record",
				"consumable_id", consumableID, "err", err)
		}
	}

	logctx.LoggerFromContext(ctx).Info("deleted cached file", "consumable_id", consumableID)

	return nil
}

// openStream resolves the signed URL and opens the response body.
func (m *Manager) openStream(ctx context.Context, consumableID, credential string) (io.ReadCloser, error) {
	signedURL, err := m.resolver.ResolveStreamURL(ctx, consumableID, credential)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, &FailedError{ConsumableID: consumableID, Err: err}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &FailedError{ConsumableID: consumableID, Err: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		return nil, &FailedError{
			ConsumableID: consumableID,
			Err:          fmt.Errorf("unexpected status %d fetching audio", resp.StatusCode),
		}
	}

	m.mu.Lock()
	if t, ok := m.tasks[consumableID]; ok {
		t.totalBytes.Store(resp.ContentLength)
	}
	m.mu.Unlock()

	return resp.Body, nil
}

// run performs the byte transfer and the end-of-life bookkeeping for a task.
func (m *Manager) run(ctx context.Context, t *task, body io.ReadCloser, out *os.File) {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	m.tel.IncrementActiveDownloads()
	defer m.tel.DecrementActiveDownloads()

	total := t.totalBytes.Load()
	if total > 0 {
		logger.Info("downloading audio", "target", t.destPath, "size", humanize.Bytes(uint64(total)))
	} else {
		logger.Info("downloading audio", "target", t.destPath, "size", "unknown")
	}

	err := m.transfer(ctx, t, body, out)

	body.Close()

	// The destination handle must be fully closed before the partial file
	// is renamed or deleted.
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Rename(m.partPath(t.consumableID), t.destPath)
	}

	if err == nil {
		m.completeTask(ctx, t, start)

		return
	}

	m.failTask(ctx, t, start, err)
}

func (m *Manager) transfer(ctx context.Context, t *task, body io.Reader, out *os.File) error {
	logger := logctx.LoggerFromContext(ctx)

	pr := progress.NewReader(body, t.totalBytes.Load(), progressInterval, func(written, total int64) {
		t.bytesWritten.Store(written)

		ev := ProgressEvent{
			ConsumableID: t.consumableID,
			BytesWritten: written,
			TotalBytes:   total,
			Percent:      t.percent(),
		}

		// Listeners that fall behind miss intermediate events, never the
		// terminal one.
		select {
		case t.events <- ev:
		default:
		}

		if total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(ev.Percent, 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(written)))
		}
	})

	if _, err := io.Copy(out, pr); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	return nil
}

func (m *Manager) completeTask(ctx context.Context, t *task, start time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	if m.history != nil {
		if err := m.history.TrackDownload(t.consumableID, t.destPath); err != nil {
			logger.Error("failed to track download record", "err", err)
		}
	}

	m.tel.RecordDownload("success", time.Since(start))

	logger.Info("download completed", "target", t.destPath,
		"size", humanize.Bytes(uint64(t.bytesWritten.Load())))

	m.finish(t, ProgressEvent{
		ConsumableID: t.consumableID,
		BytesWritten: t.bytesWritten.Load(),
		TotalBytes:   t.totalBytes.Load(),
		Percent:      100,
		Done:         true,
	})
}

func (m *Manager) failTask(ctx context.Context, t *task, start time.Time, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	m.removePartial(logger, m.partPath(t.consumableID))

	ev := ProgressEvent{
		ConsumableID: t.consumableID,
		BytesWritten: t.bytesWritten.Load(),
		TotalBytes:   t.totalBytes.Load(),
		Done:         true,
	}

	if errors.Is(cause, context.Canceled) {
		m.tel.RecordDownload("cancelled", time.Since(start))
		logger.Info("download cancelled", "consumable_id", t.consumableID)

		ev.Err = ErrCancelled
	} else {
		m.tel.RecordDownload("error", time.Since(start))
		logger.Error("download failed", "consumable_id", t.consumableID, "err", cause)

		ev.Err = &FailedError{ConsumableID: t.consumableID, Err: cause}
	}

	m.finish(t, ev)
}

// discard tears down a task whose admission failed before the transfer
// began. Its event channel was never handed out.
func (m *Manager) discard(t *task) {
	t.cancel()
	m.finish(t, ProgressEvent{ConsumableID: t.consumableID, Done: true})
}

// finish removes the task from the registry, publishes the terminal event
// and releases waiters. The registry delete happens before done is closed,
// so a Start issued right after Cancel returns never observes the old task.
func (m *Manager) finish(t *task, ev ProgressEvent) {
	m.mu.Lock()
	delete(m.tasks, t.consumableID)
	m.mu.Unlock()

	select {
	case t.events <- ev:
	default:
		// Buffer full: drop the oldest buffered event to guarantee room.
		// We are the only sender, so the retry cannot block.
		select {
		case <-t.events:
		default:
		}
		t.events <- ev
	}
	close(t.events)
	close(t.done)
}

// removePartial deletes a temp file, retrying briefly because the deletion
// can race a slow OS-level close. Persistent failure is logged, not raised.
func (m *Manager) removePartial(logger *slog.Logger, path string) {
	var err error

	for attempt := 0; attempt < removeAttempts; attempt++ {
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return
		}

		time.Sleep(removeRetryDelay)
	}

	logger.Warn("failed to remove partial file", "path", path, "err", err)
}
