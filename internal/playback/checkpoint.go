// Package playback composes stream resolution, downloads and position
// checkpointing behind the single facade a player talks to.
package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottaviano/shelfstream/internal/catalog"
	"github.com/ottaviano/shelfstream/internal/logctx"
	"github.com/ottaviano/shelfstream/internal/telemetry"
)

const checkpointWriteTimeout = 10 * time.Second

// SessionState is the playback state driving the checkpoint timer.
type SessionState int

const (
	StateIdle SessionState = iota
	StatePlaying
	StatePaused
)

// session tracks the in-memory position and timer for one title.
type session struct {
	consumableID string
	credential   string
	position     atomic.Int64
	state        SessionState
	stopTicker   chan struct{}
}

// Coordinator persists playback positions to the upstream bookmark store:
// on a fixed cadence while playing, and synchronously on pause/stop.
// Writes never block or interrupt playback; a failed write is logged and
// the next tick is the retry.
type Coordinator struct {
	store    catalog.BookmarkStore
	deviceID string
	interval time.Duration
	tel      *telemetry.Telemetry

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCoordinator creates a checkpoint coordinator writing under deviceID
// every interval of playing time.
func NewCoordinator(store catalog.BookmarkStore, deviceID string, interval time.Duration, tel *telemetry.Telemetry) *Coordinator {
	return &Coordinator{
		store:    store,
		deviceID: deviceID,
		interval: interval,
		tel:      tel,
		sessions: make(map[string]*session),
	}
}

// Restore returns the last known resume position for a title, in
// milliseconds, or found false when the upstream has none. Called once
// when a playback session begins; resuming from pause reuses the
// in-memory position instead.
func (c *Coordinator) Restore(ctx context.Context, consumableID, credential string) (int64, bool, error) {
	bookmark, err := c.store.PositionalBookmark(ctx, consumableID, credential)
	if err != nil {
		return 0, false, err
	}

	if bookmark == nil {
		return 0, false, nil
	}

	return bookmark.Position, true, nil
}

// Play transitions a title to the playing state and starts its checkpoint
// timer. Resuming an already-playing or paused title restarts the timer
// without touching the stored position.
func (c *Coordinator) Play(ctx context.Context, consumableID, credential string, position int64) {
	c.mu.Lock()

	s, ok := c.sessions[consumableID]
	if !ok {
		s = &session{consumableID: consumableID}
		c.sessions[consumableID] = s
	}

	s.credential = credential
	s.position.Store(position)

	if s.state == StatePlaying {
		c.mu.Unlock()

		return
	}

	s.state = StatePlaying
	s.stopTicker = make(chan struct{})
	stop := s.stopTicker

	c.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("consumable_id", consumableID)

	go c.tick(logctx.WithLogger(context.Background(), logger), s, stop)
}

// ReportPosition updates the in-memory position for a playing or paused
// title. It is a cheap write; the next checkpoint picks it up.
func (c *Coordinator) ReportPosition(consumableID string, position int64) {
	c.mu.Lock()
	s := c.sessions[consumableID]
	c.mu.Unlock()

	if s != nil {
		s.position.Store(position)
	}
}

// Pause stops the checkpoint timer and performs one final synchronous
// checkpoint so the position survives even if the process dies while
// paused.
func (c *Coordinator) Pause(ctx context.Context, consumableID string, position int64) {
	c.suspend(ctx, consumableID, position, StatePaused)
}

// Stop behaves like Pause and additionally ends the session; the next
// playback of this title starts with Restore.
func (c *Coordinator) Stop(ctx context.Context, consumableID string, position int64) {
	c.suspend(ctx, consumableID, position, StateIdle)

	c.mu.Lock()
	delete(c.sessions, consumableID)
	c.mu.Unlock()
}

// Checkpoint writes a position immediately, outside any session. Used by
// direct position upserts; errors are logged and surfaced to the caller.
func (c *Coordinator) Checkpoint(ctx context.Context, consumableID, credential string, position int64) error {
	err := c.write(ctx, consumableID, credential, position)
	if err != nil {
		c.tel.RecordCheckpoint("error")

		return err
	}

	c.tel.RecordCheckpoint("success")

	return nil
}

func (c *Coordinator) suspend(ctx context.Context, consumableID string, position int64, next SessionState) {
	c.mu.Lock()

	s := c.sessions[consumableID]
	if s == nil {
		c.mu.Unlock()

		return
	}

	s.position.Store(position)

	if s.state == StatePlaying && s.stopTicker != nil {
		close(s.stopTicker)
		s.stopTicker = nil
	}

	s.state = next
	credential := s.credential

	c.mu.Unlock()

	c.flush(ctx, consumableID, credential, position)
}

// tick runs the checkpoint cadence for one playing session. The
// credential is snapshotted under the lock each tick; Play rewrites it on
// every resume.
func (c *Coordinator) tick(ctx context.Context, s *session, stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			credential := s.credential
			c.mu.Unlock()

			c.flush(ctx, s.consumableID, credential, s.position.Load())
		}
	}
}

// flush writes a checkpoint, swallowing errors by design: playback must
// never notice a failed write, and the cadence is the retry mechanism.
func (c *Coordinator) flush(ctx context.Context, consumableID, credential string, position int64) {
	if err := c.write(ctx, consumableID, credential, position); err != nil {
		c.tel.RecordCheckpoint("error")
		logctx.LoggerFromContext(ctx).Error("failed to checkpoint position",
			"consumable_id", consumableID, "position", position, "err", err)

		return
	}

	c.tel.RecordCheckpoint("success")
	logctx.LoggerFromContext(ctx).Debug("position checkpointed",
		"consumable_id", consumableID, "position", position)
}

func (c *Coordinator) write(ctx context.Context, consumableID, credential string, position int64) error {
	ctx, cancel := context.WithTimeout(ctx, checkpointWriteTimeout)
	defer cancel()

	return c.store.UpsertPositionalBookmark(ctx, credential, catalog.PositionalBookmark{
		ConsumableID: consumableID,
		Position:     position,
		UpdatedTime:  time.Now().UTC(),
		DeviceID:     c.deviceID,
	})
}
