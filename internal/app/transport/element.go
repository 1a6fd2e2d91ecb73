// Package transport bridges playback commands to the media element that
// decodes and outputs audio, and turns element events into notifications.
package transport

// EventType identifies an element event.
type EventType int

const (
	EventTimeUpdate     EventType = iota // Playback position advanced
	EventLoadedMetadata                  // Duration is known, resource is ready
	EventEnded                           // Resource played to the end
	EventError                           // Resource failed to load or decode
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTimeUpdate:
		return "timeupdate"
	case EventLoadedMetadata:
		return "loadedmetadata"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ElementEvent is emitted by an Element to its listeners.
type ElementEvent struct {
	Type     EventType
	Time     float64 // Current position in seconds
	Duration float64 // Seconds; NaN until metadata resolves
	Err      error   // Set for EventError
}

// Element is the media playback primitive. It holds at most one loaded
// resource. Listeners are invoked from the element's own goroutines and never
// synchronously from a method call.
type Element interface {
	// Load replaces the current resource with src and starts loading it.
	Load(src string)
	// Play starts playback; the channel yields nil once audio is running.
	Play() <-chan error
	Pause()
	Seek(seconds float64)
	SetVolume(v float64)
	CurrentTime() float64
	// Duration returns NaN until metadata has been resolved.
	Duration() float64
	AddListener(fn func(ElementEvent)) (remove func())
	// Release stops playback and frees the current resource.
	Release()
}

// ElementFactory creates a fresh element, used for throwaway probes.
type ElementFactory func() Element
