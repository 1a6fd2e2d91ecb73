// Package session provides the session manager that wires the deck together.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/tapedeck/internal/app/filter"
	"github.com/osa030/tapedeck/internal/app/ingest"
	"github.com/osa030/tapedeck/internal/app/notification"
	"github.com/osa030/tapedeck/internal/app/persistence"
	"github.com/osa030/tapedeck/internal/app/playback"
	"github.com/osa030/tapedeck/internal/app/registry"
	"github.com/osa030/tapedeck/internal/app/transport"
	"github.com/osa030/tapedeck/internal/domain/playlist"
	"github.com/osa030/tapedeck/internal/domain/track"
	"github.com/osa030/tapedeck/internal/infra/blob"
	"github.com/osa030/tapedeck/internal/infra/config"
	"github.com/osa030/tapedeck/internal/infra/kvstore"
	"github.com/osa030/tapedeck/internal/infra/metrics"
)

var (
	ErrNotStarted     = errors.New("session is not started")
	ErrAlreadyStarted = errors.New("session is already started")
)

// Manager manages the deck session.
type Manager struct {
	mu sync.Mutex

	// Configuration
	config *config.Config

	// Components
	blobs        *blob.Store
	registry     *registry.TrackRegistry
	bridge       *transport.Bridge
	playback     *playback.Controller
	persistence  *persistence.Adapter
	ingestor     *ingest.Ingestor
	filterChain  *filter.Chain
	notification *notification.Manager

	// saveCh coalesces playlist change signals; dirty is read by Close.
	saveCh chan struct{}
	dirty  atomic.Bool

	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager creates a new session manager. element is the main playback
// primitive; newProbeElement builds throwaway elements for duration probes.
func NewManager(
	cfg *config.Config,
	store kvstore.Store,
	blobs *blob.Store,
	element transport.Element,
	newProbeElement transport.ElementFactory,
) (*Manager, error) {
	if store == nil || blobs == nil || element == nil {
		return nil, errors.New("store, blob store and element are required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.NewTrackRegistry(blobs)
	bridge := transport.NewBridge(element)

	m := &Manager{
		config:   cfg,
		blobs:    blobs,
		registry: reg,
		bridge:   bridge,
		playback: playback.NewController(bridge, reg, playback.Config{
			DefaultVolume: cfg.Playback.DefaultVolume,
		}),
		persistence: persistence.NewAdapter(store, blobs, persistence.Config{
			KeyPrefix:         cfg.Store.KeyPrefix,
			EncodeConcurrency: cfg.Persistence.EncodeConcurrency,
		}),
		notification: notification.NewManager(),
		filterChain:  filter.NewChain(),
		saveCh:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}

	// Setup filters
	m.setupFilters()

	var prober ingest.Prober
	if newProbeElement != nil {
		prober = transport.NewProber(newProbeElement)
	}
	m.ingestor = ingest.NewIngestor(m.filterChain, blobs, prober, reg, ingest.Config{
		ProbeTimeout:     cfg.ProbeTimeout(),
		ProbeConcurrency: cfg.Upload.ProbeConcurrency,
	})

	// Deleting the current track stops playback before the track is gone.
	reg.OnRemove(m.playback.TrackRemoved)
	// The hook may run under the controller lock; it only signals.
	reg.OnChange(func([]track.Track) { m.scheduleSave() })

	return m, nil
}

// setupFilters initializes the filter chain.
func (m *Manager) setupFilters() {
	cfg := m.config

	// AudioFormatFilter and EmptyFileFilter are always on
	m.filterChain.Add(&filter.AudioFormatFilter{})
	m.filterChain.Add(&filter.EmptyFileFilter{})

	// SizeLimitFilter
	if cfg.IsFilterEnabled("size_limit_filter") {
		f := filter.NewSizeLimitFilter()
		if err := f.ValidateConfig(cfg.GetFilterSettings("size_limit_filter")); err != nil {
			zlog.Error().Msgf("failed to validate size limit filter config: %v", err)
		} else {
			m.filterChain.Add(f)
		}
	}

	// DuplicateTrackFilter
	if cfg.IsFilterEnabled("duplicate_track_filter") {
		m.filterChain.Add(filter.NewDuplicateTrackFilter(m.registry))
	}
}

// Start restores the stored playlist and the resume pointer, then starts the
// background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if m.closed {
		return ErrNotStarted
	}

	tracks, skipped, err := m.persistence.Load(ctx)
	if err != nil {
		// The deck still starts; the next change overwrites the snapshot.
		zlog.Warn().Err(err).Msg("failed to load stored playlist, starting empty")
	}
	for _, s := range skipped {
		zlog.Warn().Msgf("stored track dropped: id=%s, name=%s, err=%v", s.ID, s.Name, s.Err)
	}
	restored := m.registry.Restore(tracks)
	metrics.Tracks.Set(float64(restored))
	zlog.Info().Msgf("playlist restored: tracks=%d, skipped=%d", restored, len(skipped))

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.playback.Run(m.ctx, m.bridge.Notifications())
	}()
	go m.eventLoop()
	go m.saveLoop()

	if m.config.Playback.Resume {
		m.restoreResume(ctx)
		m.wg.Add(1)
		go m.resumeLoop()
	}

	m.started = true
	return nil
}

// restoreResume loads the resume pointer. The track comes back paused.
func (m *Manager) restoreResume(ctx context.Context) {
	r, ok, err := m.persistence.LoadResume(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("failed to load resume pointer")
		return
	}
	if !ok {
		return
	}
	if err := m.playback.Restore(r.TrackID, r.Position); err != nil {
		zlog.Info().Msgf("resume pointer ignored: track=%s, err=%v", r.TrackID, err)
	}
}

// Close saves the resume pointer and pending playlist changes, then stops
// playback. The store is left open for the caller to close.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if started && m.config.Playback.Resume {
		m.saveResume(ctx)
	}

	m.cancel()
	m.wg.Wait()

	if m.dirty.Swap(false) {
		m.save(ctx)
	}

	m.playback.Close()
	m.bridge.Close()
	m.notification.Close()
	zlog.Info().Msg("session closed")
}

// Done returns a channel that is closed when the session is closed.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// State returns the playback state.
func (m *Manager) State() playback.PlayerState {
	return m.playback.State()
}

// Tracks returns the playlist in queue order.
func (m *Manager) Tracks() []track.Track {
	return m.registry.List()
}

// Status represents the deck status.
type Status struct {
	State         playback.PlayerState
	CurrentTrack  *track.Track
	TrackCount    int
	TotalDuration float64 // Sum of known durations in seconds
	Subscribers   int
}

// GetStatus returns the current deck status.
func (m *Manager) GetStatus() *Status {
	st := m.playback.State()
	tracks := m.registry.List()

	status := &Status{
		State:       st,
		TrackCount:  len(tracks),
		Subscribers: m.notification.SubscriberCount(),
	}
	for i := range tracks {
		if tracks[i].HasDuration() {
			status.TotalDuration += tracks[i].Duration
		}
		if tracks[i].ID == st.CurrentTrackID {
			t := tracks[i]
			status.CurrentTrack = &t
		}
	}
	return status
}

// GetNotificationManager returns the notification manager.
func (m *Manager) GetNotificationManager() *notification.Manager {
	return m.notification
}

// SelectTrack makes id the current track, or toggles it when already current.
func (m *Manager) SelectTrack(id string) error {
	return m.playback.SelectTrack(id)
}

// Play starts or resumes playback.
func (m *Manager) Play() error {
	return m.playback.Play()
}

// Pause pauses playback.
func (m *Manager) Pause() error {
	return m.playback.Pause()
}

// TogglePlayPause toggles between playing and paused.
func (m *Manager) TogglePlayPause() error {
	return m.playback.TogglePlayPause()
}

// Seek moves the playback position.
func (m *Manager) Seek(seconds float64) error {
	return m.playback.Seek(seconds)
}

// SetVolume sets the volume in [0, 1].
func (m *Manager) SetVolume(v float64) error {
	return m.playback.SetVolume(v)
}

// ToggleMute mutes or unmutes.
func (m *Manager) ToggleMute() error {
	return m.playback.ToggleMute()
}

// Next moves to the next track.
func (m *Manager) Next() error {
	return m.playback.Next()
}

// Previous moves to the previous track.
func (m *Manager) Previous() error {
	return m.playback.Previous()
}

// Delete removes a track. Deleting the current track stops playback first.
func (m *Manager) Delete(id string) error {
	if err := m.registry.Remove(id); err != nil {
		return err
	}
	zlog.Info().Msgf("track deleted: id=%s", id)
	return nil
}

// Upload ingests files sent by a client.
func (m *Manager) Upload(ctx context.Context, files []ingest.File) []ingest.Outcome {
	return m.Ingest(ctx, files, filter.OriginUpload)
}

// Ingest ingests files from the given origin.
func (m *Manager) Ingest(ctx context.Context, files []ingest.File, origin filter.Origin) []ingest.Outcome {
	outcomes := m.ingestor.Ingest(ctx, files, origin)
	accepted := 0
	for _, o := range outcomes {
		if o.OK() {
			accepted++
		}
	}
	zlog.Info().Msgf("files ingested: origin=%s, files=%d, accepted=%d", origin, len(files), accepted)
	return outcomes
}

// Export builds an export document of the playlist with embedded audio.
// Tracks whose audio cannot be encoded are exported without data.
func (m *Manager) Export(name string) ([]byte, error) {
	if name == "" {
		name = "tapedeck " + m.now().Format("2006-01-02 15:04")
	}
	doc := playlist.New(name, m.registry.List(), m.now(), func(t track.Track) string {
		data, err := m.persistence.EncodedSource(t)
		if err != nil {
			zlog.Warn().Err(err).Msgf("track exported without audio: id=%s", t.ID)
			return ""
		}
		return data
	})
	return doc.Marshal()
}

// Import ingests the tracks of an export document. Unreadable entries and
// entries without audio data yield ErrDecode outcomes. Outcomes follow document order.
func (m *Manager) Import(ctx context.Context, data []byte) ([]ingest.Outcome, error) {
	doc, err := playlist.Parse(data)
	if err != nil {
		return nil, err
	}

	outcomes := make([]ingest.Outcome, len(doc.Tracks))
	files := make([]ingest.File, 0, len(doc.Tracks))
	slots := make([]int, 0, len(doc.Tracks))
	for i, et := range doc.Tracks {
		outcomes[i].Filename = et.Name
		if outcomes[i].Filename == "" {
			outcomes[i].Filename = fmt.Sprintf("entry %d", i)
		}
		if et.Err != nil {
			outcomes[i].Err = et.Err
			outcomes[i].Code = track.Code(et.Err)
			continue
		}
		if et.Data == "" {
			outcomes[i].Err = errors.Wrapf(track.ErrDecode, "no audio data: id=%s", et.ID)
			outcomes[i].Code = track.Code(outcomes[i].Err)
			continue
		}
		payload, mimeType, err := blob.DecodeDataURL(et.Data)
		if err != nil {
			outcomes[i].Err = errors.Mark(errors.Wrapf(err, "id=%s", et.ID), track.ErrDecode)
			outcomes[i].Code = track.Code(outcomes[i].Err)
			continue
		}
		if et.Type != "" {
			mimeType = et.Type
		}
		files = append(files, ingest.File{
			Name:     outcomes[i].Filename,
			Title:    et.Name,
			MimeType: mimeType,
			Data:     payload,
		})
		slots = append(slots, i)
	}

	for n, o := range m.Ingest(ctx, files, filter.OriginImport) {
		outcomes[slots[n]] = o
	}
	zlog.Info().Msgf("playlist imported: name=%s, entries=%d, ingested=%d", doc.Name, len(doc.Tracks), len(files))
	return outcomes, nil
}

// scheduleSave marks the playlist dirty and wakes the save loop.
func (m *Manager) scheduleSave() {
	m.dirty.Store(true)

	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop writes the playlist after changes settle. It is the only writer
// of the snapshot while the session runs.
func (m *Manager) saveLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.saveCh:
		}

		if d := m.config.SaveDebounce(); d > 0 {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(d):
			}
		}

		m.dirty.Store(false)

		tracks := m.registry.List()
		metrics.Tracks.Set(float64(len(tracks)))
		m.notification.Broadcast(&notification.Notification{
			Kind:       notification.KindPlaylist,
			State:      m.playback.State(),
			TrackCount: len(tracks),
		})
		// Not bound to m.ctx so Close never interrupts a write halfway.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.save(ctx)
		cancel()
	}
}

// save writes the current playlist snapshot.
func (m *Manager) save(ctx context.Context) {
	start := time.Now()
	result, err := m.persistence.Save(ctx, m.registry.List())
	metrics.StorageWriteDuration.WithLabelValues("tracks").Observe(time.Since(start).Seconds())
	metrics.StorageWritesTotal.WithLabelValues("tracks", metrics.Result(err)).Inc()
	if err != nil {
		// The registry stays authoritative; the next change retries.
		zlog.Warn().Err(err).Msg("failed to save playlist")
		return
	}
	for _, f := range result.Failed {
		zlog.Warn().Msgf("track not saved: id=%s, name=%s, err=%v", f.ID, f.Name, f.Err)
	}
}

// resumeLoop saves the position periodically while playing.
func (m *Manager) resumeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ResumeSaveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.playback.IsPlaying() {
				m.saveResume(m.ctx)
			}
		}
	}
}

// saveResume stores the current position, or clears it when nothing is loaded.
func (m *Manager) saveResume(ctx context.Context) {
	st := m.playback.State()

	var err error
	if st.HasTrack() {
		err = m.persistence.SaveResume(ctx, persistence.Resume{
			TrackID:  st.CurrentTrackID,
			Position: st.CurrentTime,
			SavedAt:  m.now(),
		})
	} else {
		err = m.persistence.ClearResume(ctx)
	}
	metrics.StorageWritesTotal.WithLabelValues("resume", metrics.Result(err)).Inc()
	if err != nil {
		zlog.Warn().Err(err).Msg("failed to save resume pointer")
	}
}

// eventLoop handles playback events.
func (m *Manager) eventLoop() {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("event loop panicked: %v", r)
		}
	}()

	events := m.playback.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handlePlaybackEvent(event)
		}
	}
}

// handlePlaybackEvent handles playback events.
func (m *Manager) handlePlaybackEvent(event playback.Event) {
	n := &notification.Notification{
		State:      event.State,
		TrackCount: m.registry.Len(),
	}

	switch event.Type {
	case playback.EventStateChanged:
		zlog.Debug().Msgf("playback state: status=%s, track=%s", event.State.Status, event.State.CurrentTrackID)
		metrics.TransitionsTotal.WithLabelValues(event.State.Status.String()).Inc()
		n.Kind = notification.KindState
		if m.config.Playback.Resume && event.State.Status == playback.StatusPaused {
			m.saveResume(m.ctx)
		}

	case playback.EventTrackChanged:
		zlog.Info().Msgf("track changed: track=%s, index=%d", event.State.CurrentTrackID, event.State.QueueIndex)
		n.Kind = notification.KindTrack
		if m.config.Playback.Resume && !event.State.HasTrack() {
			m.saveResume(m.ctx)
		}

	case playback.EventPlaybackError:
		metrics.PlaybackErrorsTotal.Inc()
		n.Kind = notification.KindError
		if event.Err != nil {
			n.Message = event.Err.Error()
		}

	case playback.EventPositionChanged:
		n.Kind = notification.KindPosition

	default:
		return
	}

	m.notification.Broadcast(n)
}
