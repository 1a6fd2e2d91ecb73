// Package persistence converts the playlist to and from the durable store.
package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osa030/tapedeck/internal/domain/track"
	"github.com/osa030/tapedeck/internal/infra/blob"
	"github.com/osa030/tapedeck/internal/infra/kvstore"
)

// SnapshotVersion is the version written into every playlist snapshot.
const SnapshotVersion = 1

// DefaultKeyPrefix namespaces the store keys.
const DefaultKeyPrefix = "tapedeck"

// BlobStore holds transient track bytes.
type BlobStore interface {
	Create(data []byte, mimeType string) string
	Get(ref string) (*blob.Blob, error)
}

// Config holds adapter settings.
type Config struct {
	KeyPrefix         string
	EncodeConcurrency int
}

// ItemError reports one track that could not be converted.
type ItemError struct {
	ID   string
	Name string
	Err  error
}

// SaveResult reports a save that may have partially succeeded.
type SaveResult struct {
	Saved  int
	Failed []ItemError
}

// Resume is the persisted playback position.
type Resume struct {
	TrackID  string    `json:"trackId"`
	Position float64   `json:"position"`
	SavedAt  time.Time `json:"savedAt"`
}

type snapshot struct {
	Version int      `json:"version"`
	Tracks  []record `json:"tracks"`
}

type record struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	Duration float64   `json:"duration"`
	AddedAt  time.Time `json:"addedAt"`
	Data     string    `json:"data"`
}

// Adapter saves and loads the playlist. Encoded forms are cached per track
// id so unchanged tracks are converted once.
type Adapter struct {
	store       kvstore.Store
	blobs       BlobStore
	prefix      string
	concurrency int

	mu    sync.Mutex
	cache map[string]string
}

// NewAdapter creates a persistence adapter.
func NewAdapter(store kvstore.Store, blobs BlobStore, cfg Config) *Adapter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.EncodeConcurrency <= 0 {
		cfg.EncodeConcurrency = 4
	}
	return &Adapter{
		store:       store,
		blobs:       blobs,
		prefix:      cfg.KeyPrefix,
		concurrency: cfg.EncodeConcurrency,
		cache:       make(map[string]string),
	}
}

// TracksKey returns the key holding the playlist snapshot.
func (a *Adapter) TracksKey() string { return a.prefix + ":tracks" }

// ResumeKey returns the key holding the resume pointer.
func (a *Adapter) ResumeKey() string { return a.prefix + ":resume" }

// Save writes the full listing. Conversions run concurrently and the write
// happens only after all of them have finished. Tracks whose bytes cannot be
// read are left out and reported in the result.
func (a *Adapter) Save(ctx context.Context, tracks []track.Track) (SaveResult, error) {
	encoded := make([]string, len(tracks))
	errs := make([]error, len(tracks))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, t := range tracks {
		g.Go(func() error {
			encoded[i], errs[i] = a.encode(t)
			return nil
		})
	}
	_ = g.Wait()

	var result SaveResult
	snap := snapshot{Version: SnapshotVersion, Tracks: make([]record, 0, len(tracks))}
	live := make(map[string]struct{}, len(tracks))
	for i, t := range tracks {
		live[t.ID] = struct{}{}
		if errs[i] != nil {
			zlog.Warn().Err(errs[i]).Msgf("track skipped in snapshot: id=%s, name=%s", t.ID, t.Name)
			result.Failed = append(result.Failed, ItemError{ID: t.ID, Name: t.Name, Err: errs[i]})
			continue
		}
		snap.Tracks = append(snap.Tracks, toRecord(t, encoded[i]))
	}
	result.Saved = len(snap.Tracks)
	a.pruneCache(live)

	data, err := json.Marshal(snap)
	if err != nil {
		return result, errors.Mark(errors.Wrap(err, "failed to encode snapshot"), track.ErrStorage)
	}
	if err := a.store.Set(ctx, a.TracksKey(), string(data)); err != nil {
		return result, errors.Mark(errors.Wrap(err, "failed to write snapshot"), track.ErrStorage)
	}

	zlog.Debug().Msgf("snapshot saved: tracks=%d, failed=%d, bytes=%d", result.Saved, len(result.Failed), len(data))
	return result, nil
}

// Load reads the snapshot and re-materializes every track as a fresh
// transient reference. Records that fail to decode are skipped.
func (a *Adapter) Load(ctx context.Context) ([]track.Track, []ItemError, error) {
	raw, err := a.store.Get(ctx, a.TracksKey())
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "failed to read snapshot"), track.ErrStorage)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "malformed snapshot"), track.ErrStorage)
	}
	if snap.Version > SnapshotVersion {
		zlog.Warn().Msgf("snapshot written by a newer version: version=%d", snap.Version)
	}

	var (
		tracks  = make([]track.Track, 0, len(snap.Tracks))
		skipped []ItemError
	)
	for _, rec := range snap.Tracks {
		data, mimeType, err := blob.DecodeDataURL(rec.Data)
		if err != nil {
			err = errors.Mark(errors.Wrapf(err, "id=%s", rec.ID), track.ErrDecode)
			zlog.Warn().Err(err).Msgf("stored track skipped: id=%s, name=%s", rec.ID, rec.Name)
			skipped = append(skipped, ItemError{ID: rec.ID, Name: rec.Name, Err: err})
			continue
		}
		if rec.Type != "" {
			mimeType = rec.Type
		}

		ref := a.blobs.Create(data, mimeType)
		a.mu.Lock()
		a.cache[rec.ID] = rec.Data
		a.mu.Unlock()

		duration := rec.Duration
		if !track.IsKnownDuration(duration) {
			duration = track.UnknownDuration
		}
		tracks = append(tracks, track.Track{
			ID:       rec.ID,
			Name:     rec.Name,
			Source:   track.Transient(ref),
			Duration: duration,
			Size:     rec.Size,
			MimeType: mimeType,
			AddedAt:  rec.AddedAt,
		})
	}

	zlog.Info().Msgf("snapshot loaded: tracks=%d, skipped=%d", len(tracks), len(skipped))
	return tracks, skipped, nil
}

// EncodedSource returns the durable form of t, reusing the cache.
func (a *Adapter) EncodedSource(t track.Track) (string, error) {
	return a.encode(t)
}

// SaveResume stores the resume pointer.
func (a *Adapter) SaveResume(ctx context.Context, r Resume) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to encode resume pointer"), track.ErrStorage)
	}
	if err := a.store.Set(ctx, a.ResumeKey(), string(data)); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to write resume pointer"), track.ErrStorage)
	}
	return nil
}

// LoadResume reads the resume pointer; ok is false when none is stored.
func (a *Adapter) LoadResume(ctx context.Context) (Resume, bool, error) {
	raw, err := a.store.Get(ctx, a.ResumeKey())
	if errors.Is(err, kvstore.ErrNotFound) {
		return Resume{}, false, nil
	}
	if err != nil {
		return Resume{}, false, errors.Mark(errors.Wrap(err, "failed to read resume pointer"), track.ErrStorage)
	}

	var r Resume
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Resume{}, false, errors.Mark(errors.Wrap(err, "malformed resume pointer"), track.ErrStorage)
	}
	if r.TrackID == "" {
		return Resume{}, false, nil
	}
	return r, true, nil
}

// ClearResume removes the resume pointer.
func (a *Adapter) ClearResume(ctx context.Context) error {
	if err := a.store.Remove(ctx, a.ResumeKey()); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to clear resume pointer"), track.ErrStorage)
	}
	return nil
}

func (a *Adapter) encode(t track.Track) (string, error) {
	if !t.Source.IsTransient() {
		if t.Source.URL == "" {
			return "", errors.Newf("track %s has no source", t.ID)
		}
		return t.Source.URL, nil
	}

	a.mu.Lock()
	cached, ok := a.cache[t.ID]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	b, err := a.blobs.Get(t.Source.URL)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read source of %s", t.ID)
	}
	mimeType := b.MimeType
	if mimeType == "" {
		mimeType = t.MimeType
	}
	encoded := blob.EncodeDataURL(mimeType, b.Data)

	a.mu.Lock()
	a.cache[t.ID] = encoded
	a.mu.Unlock()
	return encoded, nil
}

func (a *Adapter) pruneCache(live map[string]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.cache {
		if _, ok := live[id]; !ok {
			delete(a.cache, id)
		}
	}
}

func toRecord(t track.Track, data string) record {
	duration := t.Duration
	if !track.IsKnownDuration(duration) {
		duration = 0
	}
	return record{
		ID:       t.ID,
		Name:     t.Name,
		Type:     t.MimeType,
		Size:     t.Size,
		Duration: duration,
		AddedAt:  t.AddedAt.UTC(),
		Data:     data,
	}
}
