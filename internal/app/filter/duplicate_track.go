package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/osa030/tapedeck/internal/domain/track"
)

var whitespace = regexp.MustCompile(`\s+`)

// DuplicateTrackFilter rejects a file when a track with the same display name
// and byte size is already in the playlist.
type DuplicateTrackFilter struct {
	tracks TrackLister
}

// TrackLister interface for accessing the playlist.
type TrackLister interface {
	List() []track.Track
}

// NewDuplicateTrackFilter creates a new duplicate track filter.
func NewDuplicateTrackFilter(tracks TrackLister) *DuplicateTrackFilter {
	return &DuplicateTrackFilter{
		tracks: tracks,
	}
}

// Name returns the filter name.
func (f *DuplicateTrackFilter) Name() string {
	return "duplicate_track_filter"
}

// Description returns the filter description.
func (f *DuplicateTrackFilter) Description() string {
	return "Rejects files whose name and size match a track already in the playlist"
}

// ReturnCodes returns possible return codes.
func (f *DuplicateTrackFilter) ReturnCodes() []string {
	return []string{"duplicate_track"}
}

// AppliesTo returns which origins this filter applies to.
func (f *DuplicateTrackFilter) AppliesTo(origin Origin) bool {
	// An imported playlist may repeat tracks on purpose
	return origin != OriginImport
}

// ValidateConfig validates the filter configuration.
func (f *DuplicateTrackFilter) ValidateConfig(config map[string]any) error {
	// No configuration needed
	return nil
}

// Check checks if the file is a duplicate.
func (f *DuplicateTrackFilter) Check(ctx context.Context, u Upload) Result {
	if f.tracks == nil {
		return Accept()
	}

	name := normalizeTrackName(track.DisplayName(u.Filename))
	size := u.Size
	if size == 0 {
		size = int64(len(u.Data))
	}

	for _, t := range f.tracks.List() {
		if t.Size == size && normalizeTrackName(t.Name) == name {
			return Reject("duplicate_track")
		}
	}
	return Accept()
}

// normalizeTrackName lowercases and collapses whitespace.
func normalizeTrackName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	return whitespace.ReplaceAllString(normalized, " ")
}

func init() {
	// The playlist is injected by the session manager; the factory only
	// serves listing and config validation.
	Register("duplicate_track_filter", func() Filter {
		return &DuplicateTrackFilter{}
	})
}
