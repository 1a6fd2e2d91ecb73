// Package registry holds the ordered playlist of tracks.
package registry

import (
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/osa030/tapedeck/internal/domain/track"
)

// Releaser frees a transient source reference.
type Releaser interface {
	Revoke(ref string)
}

// RemoveHook runs after a track leaves the listing and before its source is released.
type RemoveHook func(id string)

// ChangeHook receives the listing after every successful mutation.
type ChangeHook func(tracks []track.Track)

// TrackRegistry manages the playlist with thread-safe access.
// Insertion order is queue order.
type TrackRegistry struct {
	mu     sync.RWMutex
	tracks []track.Track
	index  map[string]int

	releaser    Releaser
	removeHooks []RemoveHook
	onChange    ChangeHook
	now         func() time.Time
}

// NewTrackRegistry creates a new track registry.
func NewTrackRegistry(releaser Releaser) *TrackRegistry {
	return &TrackRegistry{
		index:    make(map[string]int),
		releaser: releaser,
		now:      time.Now,
	}
}

// OnRemove registers a hook that runs when a track is removed.
func (r *TrackRegistry) OnRemove(hook RemoveHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeHooks = append(r.removeHooks, hook)
}

// OnChange sets the write-through hook.
func (r *TrackRegistry) OnChange(hook ChangeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = hook
}

// Add appends a track to the end of the queue.
func (r *TrackRegistry) Add(t track.Track) (track.Track, error) {
	if t.ID == "" {
		return track.Track{}, errors.New("track id is required")
	}

	r.mu.Lock()
	if _, ok := r.index[t.ID]; ok {
		r.mu.Unlock()
		return track.Track{}, errors.Wrapf(track.ErrDuplicateID, "id=%s", t.ID)
	}
	if t.AddedAt.IsZero() {
		t.AddedAt = r.now()
	}
	r.index[t.ID] = len(r.tracks)
	r.tracks = append(r.tracks, t)
	snapshot, hook := r.snapshotLocked()
	r.mu.Unlock()

	zlog.Debug().Msgf("track added: id=%s, name=%s, size=%d", t.ID, t.Name, t.Size)
	if hook != nil {
		hook(snapshot)
	}
	return t, nil
}

// Remove deletes a track. The track leaves the listing before the remove
// hooks run, so nothing can select or advance onto it while playback stops
// using the resource. The transient reference is released last.
func (r *TrackRegistry) Remove(id string) error {
	r.mu.Lock()
	i, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(track.ErrNotFound, "id=%s", id)
	}
	removed := r.tracks[i]
	r.tracks = append(r.tracks[:i], r.tracks[i+1:]...)
	r.reindexLocked()
	hooks := append([]RemoveHook(nil), r.removeHooks...)
	snapshot, hook := r.snapshotLocked()
	r.mu.Unlock()

	for _, h := range hooks {
		h(id)
	}

	if removed.Source.IsTransient() && r.releaser != nil {
		r.releaser.Revoke(removed.Source.URL)
	}

	zlog.Debug().Msgf("track removed: id=%s, name=%s", removed.ID, removed.Name)
	if hook != nil {
		hook(snapshot)
	}
	return nil
}

// Get retrieves a track by id.
func (r *TrackRegistry) Get(id string) (track.Track, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return track.Track{}, errors.Wrapf(track.ErrNotFound, "id=%s", id)
	}
	return r.tracks[i], nil
}

// List returns the tracks in queue order.
func (r *TrackRegistry) List() []track.Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]track.Track(nil), r.tracks...)
}

// IndexOf returns the queue position of id, or -1.
func (r *TrackRegistry) IndexOf(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i, ok := r.index[id]; ok {
		return i
	}
	return -1
}

// At returns the track at queue position i.
func (r *TrackRegistry) At(i int) (track.Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i < 0 || i >= len(r.tracks) {
		return track.Track{}, false
	}
	return r.tracks[i], true
}

// Len returns the number of tracks.
func (r *TrackRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

// UpdateDuration fills in a resolved duration. Non-finite and negative values
// are ignored.
func (r *TrackRegistry) UpdateDuration(id string, seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return nil
	}

	r.mu.Lock()
	i, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(track.ErrNotFound, "id=%s", id)
	}
	if r.tracks[i].Duration == seconds {
		r.mu.Unlock()
		return nil
	}
	r.tracks[i].Duration = seconds
	snapshot, hook := r.snapshotLocked()
	r.mu.Unlock()

	zlog.Debug().Msgf("track duration updated: id=%s, duration=%.3f", id, seconds)
	if hook != nil {
		hook(snapshot)
	}
	return nil
}

// Restore replaces the listing with tracks loaded at startup. It does not
// write through. Duplicate ids keep the first occurrence.
func (r *TrackRegistry) Restore(tracks []track.Track) int {
	unique := lo.UniqBy(lo.Filter(tracks, func(t track.Track, _ int) bool {
		return t.ID != ""
	}), func(t track.Track) string {
		return t.ID
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracks = unique
	r.reindexLocked()
	return len(unique)
}

func (r *TrackRegistry) reindexLocked() {
	r.index = make(map[string]int, len(r.tracks))
	for i, t := range r.tracks {
		r.index[t.ID] = i
	}
}

func (r *TrackRegistry) snapshotLocked() ([]track.Track, ChangeHook) {
	if r.onChange == nil {
		return nil, nil
	}
	return append([]track.Track(nil), r.tracks...), r.onChange
}
