// Package playlist provides the exported playlist document.
package playlist

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/tapedeck/internal/domain/track"
)

// ExportVersion is the version written into new export documents.
const ExportVersion = "1.0"

// ErrInvalidExport is returned when a document cannot be treated as an export.
var ErrInvalidExport = errors.New("invalid playlist export")

// Export is the on-demand export document.
type Export struct {
	Name       string        `json:"name"`
	Tracks     []ExportTrack `json:"tracks"`
	ExportDate time.Time     `json:"exportDate"`
	Version    string        `json:"version"`
}

// ExportTrack is one track entry of an export. Data is optional and holds
// the durable data URL form when audio is embedded.
type ExportTrack struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
	Type     string  `json:"type,omitempty"`
	Data     string  `json:"data,omitempty"`

	// Err is set by Parse when the entry could not be read at all.
	Err error `json:"-"`
}

// New builds an export document from tracks. dataFor may be nil; when set it
// returns the data URL to embed for a track (empty string to omit).
func New(name string, tracks []track.Track, now time.Time, dataFor func(track.Track) string) *Export {
	entries := make([]ExportTrack, len(tracks))
	for i, t := range tracks {
		d := t.Duration
		if !track.IsKnownDuration(d) {
			d = 0
		}
		entries[i] = ExportTrack{
			ID:       t.ID,
			Name:     t.Name,
			Duration: d,
			Size:     t.Size,
			Type:     t.MimeType,
		}
		if dataFor != nil {
			entries[i].Data = dataFor(t)
		}
	}
	return &Export{
		Name:       name,
		Tracks:     entries,
		ExportDate: now.UTC(),
		Version:    ExportVersion,
	}
}

// Marshal encodes the document as indented JSON.
func (e *Export) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal export")
	}
	return data, nil
}

// Parse decodes an export document. Unknown fields and unknown versions are
// accepted; only a missing version or a non-array tracks field is rejected.
// Track entries are decoded field by field: a field of the wrong type is left
// zero, and an entry that is not an object carries an ErrDecode in Err.
func Parse(data []byte) (*Export, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse export"), ErrInvalidExport)
	}

	rawVersion, ok := raw["version"]
	if !ok || isNull(rawVersion) {
		return nil, errors.Wrap(ErrInvalidExport, "version is missing")
	}
	var version string
	if json.Unmarshal(rawVersion, &version) != nil {
		version = string(bytes.TrimSpace(rawVersion))
	}

	var entries []json.RawMessage
	rawTracks, ok := raw["tracks"]
	if !ok || json.Unmarshal(rawTracks, &entries) != nil || entries == nil {
		return nil, errors.Wrap(ErrInvalidExport, "tracks is not an array")
	}

	e := &Export{Version: version, Tracks: make([]ExportTrack, 0, len(entries))}
	if v, ok := raw["name"]; ok {
		_ = json.Unmarshal(v, &e.Name)
	}
	if v, ok := raw["exportDate"]; ok {
		_ = json.Unmarshal(v, &e.ExportDate)
	}

	for i, entry := range entries {
		e.Tracks = append(e.Tracks, parseTrack(i, entry))
	}

	return e, nil
}

func parseTrack(i int, entry json.RawMessage) ExportTrack {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("null entry")
		}
		return ExportTrack{Err: errors.Mark(errors.Wrapf(err, "track entry %d", i), track.ErrDecode)}
	}

	var t ExportTrack
	decodeField(fields, "id", &t.ID)
	decodeField(fields, "name", &t.Name)
	decodeField(fields, "duration", &t.Duration)
	decodeField(fields, "size", &t.Size)
	decodeField(fields, "type", &t.Type)
	decodeField(fields, "data", &t.Data)
	if t.Duration < 0 {
		t.Duration = 0
	}
	if t.Size < 0 {
		t.Size = 0
	}
	return t
}

// decodeField leaves dst untouched when the field is absent or mistyped.
func decodeField[T any](fields map[string]json.RawMessage, key string, dst *T) {
	v, ok := fields[key]
	if !ok {
		return
	}
	var out T
	if json.Unmarshal(v, &out) == nil {
		*dst = out
	}
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}
