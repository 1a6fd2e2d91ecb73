// Package playback provides the playback session state machine.
package playback

// Status represents the playback status.
type Status int

const (
	StatusIdle    Status = iota // No current track
	StatusLoading               // Resource requested, metadata not yet known
	StatusPlaying               // Audio running
	StatusPaused                // Loaded and stopped at CurrentTime
	StatusEnded                 // Reached the end of the resource
	StatusError                 // Resource failed; current track kept
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusEnded:
		return "ended"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// PlayerState is a snapshot of the session.
type PlayerState struct {
	CurrentTrackID string  // Empty when no track is current
	Status         Status  // Current status
	CurrentTime    float64 // Seconds, clamped to [0, Duration]
	Duration       float64 // Seconds; 0 when unknown
	Volume         float64 // [0, 1]; not altered by Muted
	Muted          bool    // Output silenced
	QueueIndex     int     // Position of the current track, -1 when none
	Error          string  // Last playback error
}

// HasTrack reports whether a track is current.
func (s PlayerState) HasTrack() bool {
	return s.CurrentTrackID != ""
}
