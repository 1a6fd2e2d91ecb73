package playback

// EventType represents a playback event type.
type EventType int

const (
	EventStateChanged    EventType = iota // Status, volume or mute changed
	EventTrackChanged                     // Current track changed (or cleared)
	EventPlaybackError                    // Resource failed or play was rejected
	EventPositionChanged                  // CurrentTime advanced
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "state_changed"
	case EventTrackChanged:
		return "track_changed"
	case EventPlaybackError:
		return "playback_error"
	case EventPositionChanged:
		return "position_changed"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type  EventType
	State PlayerState // State after the transition
	Err   error       // Set for EventPlaybackError
}
