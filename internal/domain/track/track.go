// Package track provides the Track domain entity.
package track

import (
	"math"
	"path/filepath"
	"strings"
	"time"
)

// UnknownDuration marks a duration that has not been resolved yet.
var UnknownDuration = math.NaN()

// SourceKind tells how a SourceRef can be used.
type SourceKind int

const (
	SourceTransient SourceKind = iota // blob: handle, valid for the process lifetime only
	SourceDurable                     // data: URL, survives restarts
)

// String returns the string representation of the source kind.
func (k SourceKind) String() string {
	switch k {
	case SourceTransient:
		return "transient"
	case SourceDurable:
		return "durable"
	default:
		return "unknown"
	}
}

// SourceRef references the playable bytes of a track.
type SourceRef struct {
	Kind SourceKind
	URL  string
}

// Transient returns a transient source reference for url.
func Transient(url string) SourceRef {
	return SourceRef{Kind: SourceTransient, URL: url}
}

// Durable returns a durable source reference for url.
func Durable(url string) SourceRef {
	return SourceRef{Kind: SourceDurable, URL: url}
}

// IsTransient reports whether the reference is a session-scoped handle.
func (r SourceRef) IsTransient() bool {
	return r.Kind == SourceTransient && r.URL != ""
}

// Track represents one playable audio item.
type Track struct {
	ID       string    // Opaque unique identifier
	Name     string    // Display name (filename without extension)
	Source   SourceRef // Playable bytes
	Duration float64   // Seconds; 0 or NaN when unknown
	Size     int64     // Bytes
	MimeType string    // Declared or detected MIME type
	AddedAt  time.Time // Time when added to the registry
}

// HasDuration reports whether the duration has been resolved.
func (t *Track) HasDuration() bool {
	return IsKnownDuration(t.Duration)
}

// IsKnownDuration reports whether d is a resolved duration value.
func IsKnownDuration(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d > 0
}

// DisplayName derives a track name from a filename by stripping its last extension.
func DisplayName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	ext := filepath.Ext(base)
	if ext == base {
		// dotfile such as ".mp3"
		return base
	}
	return strings.TrimSuffix(base, ext)
}
