package transport

import (
	"context"
	"sync"

	zlog "github.com/rs/zerolog/log"
)

// NotificationType identifies a bridge notification.
type NotificationType int

const (
	NotifyTimeUpdate     NotificationType = iota // Position advanced
	NotifyLoadedMetadata                         // Duration resolved
	NotifyEnded                                  // Resource finished
	NotifyError                                  // Resource failed
	NotifyPlayConfirmed                          // Play request resolved
	NotifyPlayFailed                             // Play request rejected
)

// String returns the string representation of the notification type.
func (n NotificationType) String() string {
	switch n {
	case NotifyTimeUpdate:
		return "timeupdate"
	case NotifyLoadedMetadata:
		return "loadedmetadata"
	case NotifyEnded:
		return "ended"
	case NotifyError:
		return "error"
	case NotifyPlayConfirmed:
		return "play_confirmed"
	case NotifyPlayFailed:
		return "play_failed"
	default:
		return "unknown"
	}
}

// Notification is a bridge event tagged with the resource it belongs to.
type Notification struct {
	Resource uint64
	Type     NotificationType
	Time     float64
	Duration float64
	Err      error
}

// Bridge owns exactly one active resource on an Element at a time.
type Bridge struct {
	mu sync.Mutex

	element Element
	active  uint64 // 0 when no resource is loaded
	nextID  uint64
	detach  func()

	notifyCh chan Notification

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a bridge over element.
func NewBridge(element Element) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		element:  element,
		notifyCh: make(chan Notification, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Notifications returns the notification stream.
func (b *Bridge) Notifications() <-chan Notification {
	return b.notifyCh
}

// Load replaces the active resource with ref and returns its resource id.
// Listeners of the previous resource are detached before the new ones attach.
func (b *Bridge) Load(ref string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detach != nil {
		b.detach()
		b.detach = nil
	}

	b.nextID++
	id := b.nextID
	b.active = id
	b.detach = b.element.AddListener(func(ev ElementEvent) {
		b.forward(id, ev)
	})
	b.element.Load(ref)

	zlog.Debug().Msgf("transport: load resource=%d", id)
	return id
}

// Play asks the element to play the active resource. The outcome arrives as
// NotifyPlayConfirmed or NotifyPlayFailed tagged with the resource id.
func (b *Bridge) Play() uint64 {
	b.mu.Lock()
	id := b.active
	if id == 0 {
		b.mu.Unlock()
		return 0
	}
	done := b.element.Play()
	b.mu.Unlock()

	go func() {
		select {
		case err := <-done:
			if err != nil {
				b.emit(Notification{Resource: id, Type: NotifyPlayFailed, Err: err})
				return
			}
			b.emit(Notification{Resource: id, Type: NotifyPlayConfirmed})
		case <-b.ctx.Done():
		}
	}()
	return id
}

// Pause pauses the active resource.
func (b *Bridge) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != 0 {
		b.element.Pause()
	}
}

// Seek moves the playback position of the active resource.
func (b *Bridge) Seek(seconds float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != 0 {
		b.element.Seek(seconds)
	}
}

// SetVolume sets the output volume. It applies even when nothing is loaded.
func (b *Bridge) SetVolume(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.element.SetVolume(v)
}

// Stop detaches listeners and releases the active resource.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detach != nil {
		b.detach()
		b.detach = nil
	}
	if b.active != 0 {
		zlog.Debug().Msgf("transport: release resource=%d", b.active)
	}
	b.element.Release()
	b.active = 0
}

// Active returns the active resource id, 0 when none.
func (b *Bridge) Active() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Close releases the element and stops delivering notifications.
func (b *Bridge) Close() {
	b.Stop()
	b.cancel()
}

func (b *Bridge) forward(id uint64, ev ElementEvent) {
	n := Notification{
		Resource: id,
		Time:     ev.Time,
		Duration: ev.Duration,
		Err:      ev.Err,
	}
	switch ev.Type {
	case EventTimeUpdate:
		n.Type = NotifyTimeUpdate
	case EventLoadedMetadata:
		n.Type = NotifyLoadedMetadata
	case EventEnded:
		n.Type = NotifyEnded
	case EventError:
		n.Type = NotifyError
	default:
		return
	}
	b.emit(n)
}

// emit delivers n. Position updates are dropped when the consumer lags;
// every other notification is delivered unless the bridge is closed.
func (b *Bridge) emit(n Notification) {
	if n.Type == NotifyTimeUpdate {
		select {
		case b.notifyCh <- n:
		default:
		}
		return
	}

	select {
	case b.notifyCh <- n:
	case <-b.ctx.Done():
	}
}
