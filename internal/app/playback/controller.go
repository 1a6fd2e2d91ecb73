package playback

import (
	"context"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/osa030/tapedeck/internal/app/transport"
	"github.com/osa030/tapedeck/internal/domain/track"
)

// Bridge is the transport the controller drives.
type Bridge interface {
	Load(ref string) uint64
	Play() uint64
	Pause()
	Seek(seconds float64)
	SetVolume(v float64)
	Stop()
}

// Queue is the ordered track listing.
type Queue interface {
	Get(id string) (track.Track, error)
	IndexOf(id string) int
	At(i int) (track.Track, bool)
	Len() int
	UpdateDuration(id string, seconds float64) error
}

// Config holds controller configuration.
type Config struct {
	DefaultVolume float64 // Initial volume in [0, 1]
}

// Controller is the playback state machine. Every transition runs under one
// mutex, for commands and bridge notifications alike.
type Controller struct {
	mu sync.Mutex

	bridge Bridge
	queue  Queue

	state PlayerState

	// resource is the bridge resource backing the current track; notifications
	// tagged with any other id are stale.
	resource uint64

	pendingPlay  bool    // Play requested before metadata arrived
	playInFlight uint64  // Resource with an unanswered bridge Play
	pendingSeek  float64 // Position to apply on metadata, NaN when none
	lastVolume   float64 // Volume to restore on unmute

	eventCh chan Event
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a new playback controller.
func NewController(bridge Bridge, queue Queue, config Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	volume := lo.Clamp(config.DefaultVolume, 0, 1)
	if math.IsNaN(config.DefaultVolume) {
		volume = 1
	}

	c := &Controller{
		bridge: bridge,
		queue:  queue,
		state: PlayerState{
			Status:     StatusIdle,
			Volume:     volume,
			Muted:      volume == 0,
			QueueIndex: -1,
		},
		pendingSeek: math.NaN(),
		lastVolume:  lo.Ternary(volume > 0, volume, 1),
		eventCh:     make(chan Event, 32),
		ctx:         ctx,
		cancel:      cancel,
	}
	bridge.SetVolume(volume)
	return c
}

// Events returns the event channel.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// State returns a snapshot of the session.
func (c *Controller) State() PlayerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// IsPlaying reports whether audio is running.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status == StatusPlaying
}

// SelectTrack makes id the current track. Selecting the current track
// toggles play/pause instead of reloading it.
func (c *Controller) SelectTrack(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.queue.Get(id)
	if err != nil {
		return err
	}

	if id == c.state.CurrentTrackID {
		switch c.state.Status {
		case StatusLoading, StatusPlaying, StatusPaused, StatusEnded:
			c.toggleLocked()
			return nil
		}
	}

	c.loadLocked(t)
	return nil
}

// Play starts or resumes playback of the current track.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playLocked()
	return nil
}

// Pause pauses playback and cancels any pending play.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseLocked()
	return nil
}

// TogglePlayPause plays when not playing, pauses otherwise.
func (c *Controller) TogglePlayPause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toggleLocked()
	return nil
}

// Seek moves to seconds, clamped to the track. It does nothing while the
// duration is unknown.
func (c *Controller) Seek(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.HasTrack() || math.IsNaN(seconds) || !track.IsKnownDuration(c.state.Duration) {
		return nil
	}
	switch c.state.Status {
	case StatusIdle, StatusLoading, StatusError:
		return nil
	}

	t := lo.Clamp(seconds, 0, c.state.Duration)
	c.bridge.Seek(t)
	c.state.CurrentTime = t
	if c.state.Status == StatusEnded {
		c.state.Status = StatusPaused
	}
	c.sendEventLocked(Event{Type: EventPositionChanged, State: c.snapshotLocked()})
	return nil
}

// SetVolume sets the volume, clamped to [0, 1]. A volume of 0 mutes.
func (c *Controller) SetVolume(v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if math.IsNaN(v) {
		return nil
	}
	v = lo.Clamp(v, 0, 1)
	c.bridge.SetVolume(v)
	c.state.Volume = v
	c.state.Muted = v == 0
	if v > 0 {
		c.lastVolume = v
	}
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
	return nil
}

// ToggleMute silences or restores the output without altering Volume.
func (c *Controller) ToggleMute() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Muted {
		if c.state.Volume == 0 {
			c.state.Volume = c.lastVolume
		}
		c.bridge.SetVolume(c.state.Volume)
		c.state.Muted = false
	} else {
		if c.state.Volume > 0 {
			c.lastVolume = c.state.Volume
		}
		c.bridge.SetVolume(0)
		c.state.Muted = true
	}
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
	return nil
}

// Next advances to the following track, wrapping past the end, and plays it.
func (c *Controller) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepLocked(1)
	return nil
}

// Previous moves to the preceding track, wrapping past the start, and plays it.
func (c *Controller) Previous() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepLocked(-1)
	return nil
}

// Restore loads a track paused at position. Playback is never resumed.
func (c *Controller) Restore(trackID string, position float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.queue.Get(trackID)
	if err != nil {
		return err
	}
	c.loadLocked(t)
	if position > 0 && !math.IsInf(position, 0) {
		c.pendingSeek = position
	}
	zlog.Info().Msgf("playback: restoring track=%s, position=%.1f", t.Name, position)
	return nil
}

// TrackRemoved clears the session when the current track is deleted. It runs
// after the track has left the registry and before its source is released.
func (c *Controller) TrackRemoved(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" || id != c.state.CurrentTrackID {
		return
	}
	c.bridge.Stop()
	c.resetLocked()
	zlog.Debug().Msgf("playback: current track removed: id=%s", id)
	c.sendEventLocked(Event{Type: EventTrackChanged, State: c.snapshotLocked()})
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
}

// HandleNotification applies a bridge notification. Notifications for a
// resource other than the current one are discarded.
func (c *Controller) HandleNotification(n transport.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resource == 0 || n.Resource != c.resource {
		if n.Type != transport.NotifyTimeUpdate {
			zlog.Debug().Msgf("playback: stale notification dropped: type=%s, resource=%d, current=%d", n.Type, n.Resource, c.resource)
		}
		return
	}

	switch n.Type {
	case transport.NotifyTimeUpdate:
		c.onTimeUpdateLocked(n.Time)
	case transport.NotifyLoadedMetadata:
		c.onLoadedMetadataLocked(n.Duration)
	case transport.NotifyEnded:
		c.onEndedLocked()
	case transport.NotifyError:
		c.onErrorLocked(n.Err)
	case transport.NotifyPlayConfirmed:
		c.onPlayConfirmedLocked(n.Resource)
	case transport.NotifyPlayFailed:
		c.onPlayFailedLocked(n.Resource, n.Err)
	}
}

// Run consumes bridge notifications until ctx is done or the channel closes.
func (c *Controller) Run(ctx context.Context, notifications <-chan transport.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			c.HandleNotification(n)
		}
	}
}

// Close stops playback and closes the event channel.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.cancel()
	c.bridge.Stop()
	c.resetLocked()
	c.closed = true
	close(c.eventCh)
}

func (c *Controller) loadLocked(t track.Track) {
	c.state.CurrentTrackID = t.ID
	c.state.CurrentTime = 0
	c.state.Duration = 0
	if t.HasDuration() {
		c.state.Duration = t.Duration
	}
	c.state.Status = StatusLoading
	c.state.Error = ""
	c.pendingPlay = false
	c.playInFlight = 0
	c.pendingSeek = math.NaN()
	c.resource = c.bridge.Load(t.Source.URL)

	zlog.Debug().Msgf("playback: loading track=%s, resource=%d", t.Name, c.resource)
	c.sendEventLocked(Event{Type: EventTrackChanged, State: c.snapshotLocked()})
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
}

func (c *Controller) playLocked() {
	if !c.state.HasTrack() {
		return
	}

	switch c.state.Status {
	case StatusLoading:
		c.pendingPlay = true
	case StatusPaused, StatusEnded:
		if c.playInFlight == 0 {
			c.playInFlight = c.bridge.Play()
		}
	case StatusError:
		t, err := c.queue.Get(c.state.CurrentTrackID)
		if err != nil {
			c.bridge.Stop()
			c.resetLocked()
			c.sendEventLocked(Event{Type: EventTrackChanged, State: c.snapshotLocked()})
			return
		}
		c.loadLocked(t)
		c.pendingPlay = true
	}
}

func (c *Controller) pauseLocked() {
	if !c.state.HasTrack() {
		return
	}
	if c.state.Status != StatusPlaying && !c.pendingPlay && c.playInFlight == 0 {
		return
	}

	c.pendingPlay = false
	c.playInFlight = 0
	c.bridge.Pause()
	if c.state.Status == StatusPlaying {
		c.state.Status = StatusPaused
	}
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
}

func (c *Controller) toggleLocked() {
	if c.state.Status == StatusPlaying || c.pendingPlay || c.playInFlight != 0 {
		c.pauseLocked()
		return
	}
	c.playLocked()
}

func (c *Controller) stepLocked(delta int) {
	n := c.queue.Len()
	if n == 0 {
		return
	}

	var target int
	i := c.queue.IndexOf(c.state.CurrentTrackID)
	switch {
	case i >= 0:
		target = ((i+delta)%n + n) % n
	case delta > 0:
		target = 0
	default:
		target = n - 1
	}

	t, ok := c.queue.At(target)
	if !ok {
		return
	}
	c.loadLocked(t)
	c.pendingPlay = true
}

func (c *Controller) onTimeUpdateLocked(seconds float64) {
	if math.IsNaN(seconds) {
		return
	}
	upper := seconds
	if track.IsKnownDuration(c.state.Duration) {
		upper = c.state.Duration
	}
	c.state.CurrentTime = lo.Clamp(seconds, 0, math.Max(upper, 0))
	c.sendEventLocked(Event{Type: EventPositionChanged, State: c.snapshotLocked()})
}

func (c *Controller) onLoadedMetadataLocked(duration float64) {
	if track.IsKnownDuration(duration) {
		c.state.Duration = duration
		if t, err := c.queue.Get(c.state.CurrentTrackID); err == nil && !t.HasDuration() {
			if err := c.queue.UpdateDuration(t.ID, duration); err != nil {
				zlog.Warn().Err(err).Msgf("playback: failed to record duration: track=%s", t.ID)
			}
		}
	}

	if !math.IsNaN(c.pendingSeek) {
		t := c.pendingSeek
		if track.IsKnownDuration(c.state.Duration) {
			t = lo.Clamp(t, 0, c.state.Duration)
		}
		c.bridge.Seek(t)
		c.state.CurrentTime = t
		c.pendingSeek = math.NaN()
	}

	c.state.Status = StatusPaused
	if c.pendingPlay {
		c.pendingPlay = false
		c.playInFlight = c.bridge.Play()
	}
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
}

func (c *Controller) onEndedLocked() {
	c.state.Status = StatusEnded
	if track.IsKnownDuration(c.state.Duration) {
		c.state.CurrentTime = c.state.Duration
	}
	c.playInFlight = 0
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})

	c.stepLocked(1)
}

func (c *Controller) onErrorLocked(err error) {
	if err == nil {
		err = errors.New("media error")
	}
	err = errors.Mark(err, track.ErrPlayback)

	c.state.Status = StatusError
	c.state.Error = err.Error()
	c.pendingPlay = false
	c.playInFlight = 0
	c.pendingSeek = math.NaN()

	zlog.Warn().Err(err).Msgf("playback: resource failed: track=%s", c.state.CurrentTrackID)
	c.sendEventLocked(Event{Type: EventPlaybackError, State: c.snapshotLocked(), Err: err})
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
}

func (c *Controller) onPlayConfirmedLocked(resource uint64) {
	if c.playInFlight != resource {
		// late confirmation of a play that was cancelled by pause
		return
	}
	c.playInFlight = 0
	c.state.Status = StatusPlaying
	c.state.Error = ""
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
}

func (c *Controller) onPlayFailedLocked(resource uint64, err error) {
	if c.playInFlight != resource {
		return
	}
	if err == nil {
		err = errors.New("play rejected")
	}
	err = errors.Mark(err, track.ErrPlayback)

	c.playInFlight = 0
	c.state.Status = StatusPaused
	c.state.Error = err.Error()

	zlog.Warn().Err(err).Msgf("playback: play failed: track=%s", c.state.CurrentTrackID)
	c.sendEventLocked(Event{Type: EventPlaybackError, State: c.snapshotLocked(), Err: err})
	c.sendEventLocked(Event{Type: EventStateChanged, State: c.snapshotLocked()})
}

func (c *Controller) resetLocked() {
	c.state.CurrentTrackID = ""
	c.state.Status = StatusIdle
	c.state.CurrentTime = 0
	c.state.Duration = 0
	c.state.Error = ""
	c.resource = 0
	c.pendingPlay = false
	c.playInFlight = 0
	c.pendingSeek = math.NaN()
}

func (c *Controller) snapshotLocked() PlayerState {
	s := c.state
	s.QueueIndex = -1
	if s.HasTrack() {
		s.QueueIndex = c.queue.IndexOf(s.CurrentTrackID)
	}
	return s
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (c *Controller) sendEventLocked(e Event) {
	if c.closed {
		return
	}
	select {
	case c.eventCh <- e:
	case <-c.ctx.Done():
	default:
		// Channel full, drop event
	}
}
