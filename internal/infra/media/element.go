package media

import (
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/samber/lo"

	"github.com/osa030/tapedeck/internal/app/transport"
)

// ErrNoSource is returned by Play when nothing has been loaded.
var ErrNoSource = errors.New("no source loaded")

// Resolver turns a source reference into encoded audio bytes.
type Resolver interface {
	Resolve(src string) ([]byte, string, error)
}

// Element plays one decoded resource at a time through an Output.
type Element struct {
	mu sync.Mutex

	out      Output
	resolver Resolver
	interval time.Duration

	listeners  map[uint64]func(transport.ElementEvent)
	nextListen uint64

	// seq increments on every Load and Release; callbacks from older
	// resources compare against it and drop themselves.
	seq      uint64
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	volume   *effects.Volume
	level    float64
	finished bool // pipeline drained; Play must re-attach it
	stopTick chan struct{}
}

var _ transport.Element = (*Element)(nil)

// NewElement creates an element that plays through out and emits position
// updates every interval while playing.
func NewElement(out Output, resolver Resolver, interval time.Duration) *Element {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Element{
		out:       out,
		resolver:  resolver,
		interval:  interval,
		listeners: make(map[uint64]func(transport.ElementEvent)),
		level:     1,
	}
}

// NewProbeElement creates an element that decodes but never plays, for
// resolving durations.
func NewProbeElement(resolver Resolver) *Element {
	return NewElement(&nullOutput{}, resolver, 0)
}

func (e *Element) Load(src string) {
	e.mu.Lock()
	e.releaseLocked()
	seq := e.seq
	e.mu.Unlock()

	go e.load(seq, src)
}

func (e *Element) load(seq uint64, src string) {
	data, mimeType, err := e.resolver.Resolve(src)
	if err != nil {
		e.emitIfCurrent(seq, transport.ElementEvent{Type: transport.EventError, Duration: math.NaN(), Err: err})
		return
	}

	s, format, err := Decode(data, mimeType)
	if err != nil {
		e.emitIfCurrent(seq, transport.ElementEvent{Type: transport.EventError, Duration: math.NaN(), Err: err})
		return
	}

	e.mu.Lock()
	if seq != e.seq {
		e.mu.Unlock()
		s.Close()
		return
	}

	var resampled beep.Streamer = s
	if format.SampleRate != e.out.SampleRate() {
		resampled = beep.Resample(4, format.SampleRate, e.out.SampleRate(), s)
	}
	e.streamer = s
	e.format = format
	e.ctrl = &beep.Ctrl{Streamer: resampled, Paused: true}
	e.volume = &effects.Volume{Streamer: e.ctrl, Base: 2}
	applyLevel(e.volume, e.level)

	duration := format.SampleRate.D(s.Len()).Seconds()
	e.attachLocked(seq)
	e.mu.Unlock()

	e.emit(transport.ElementEvent{Type: transport.EventLoadedMetadata, Duration: duration})
}

func (e *Element) attachLocked(seq uint64) {
	e.finished = false
	e.out.Play(beep.Seq(e.volume, beep.Callback(func() {
		// runs under the output lock
		go e.ended(seq)
	})))
}

func (e *Element) ended(seq uint64) {
	e.mu.Lock()
	if seq != e.seq {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.stopTickerLocked()
	duration := e.durationLocked()
	e.mu.Unlock()

	e.emit(transport.ElementEvent{Type: transport.EventEnded, Time: duration, Duration: duration})
}

func (e *Element) Play() <-chan error {
	done := make(chan error, 1)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctrl == nil {
		done <- ErrNoSource
		return done
	}
	if e.finished {
		e.out.Lock()
		if e.streamer.Position() >= e.streamer.Len() {
			_ = e.streamer.Seek(0)
		}
		e.out.Unlock()
		e.attachLocked(e.seq)
	}
	e.out.Lock()
	e.ctrl.Paused = false
	e.out.Unlock()
	e.startTickerLocked(e.seq)

	done <- nil
	return done
}

func (e *Element) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctrl == nil {
		return
	}
	e.out.Lock()
	e.ctrl.Paused = true
	e.out.Unlock()
	e.stopTickerLocked()
}

func (e *Element) Seek(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.streamer == nil || math.IsNaN(seconds) {
		return
	}
	n := e.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	n = lo.Clamp(n, 0, e.streamer.Len())

	e.out.Lock()
	err := e.streamer.Seek(n)
	e.out.Unlock()
	if err != nil {
		seq := e.seq
		go e.emitIfCurrent(seq, transport.ElementEvent{Type: transport.EventError, Duration: e.durationLocked(), Err: errors.Wrap(err, "seek failed")})
	}
}

func (e *Element) SetVolume(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.level = lo.Clamp(v, 0, 1)
	if e.volume == nil {
		return
	}
	e.out.Lock()
	applyLevel(e.volume, e.level)
	e.out.Unlock()
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTimeLocked()
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durationLocked()
}

func (e *Element) AddListener(fn func(transport.ElementEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextListen++
	id := e.nextListen
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Element) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked()
}

func (e *Element) releaseLocked() {
	e.seq++
	e.stopTickerLocked()

	if e.ctrl != nil {
		// a nil streamer ends the pipeline; the output drops it
		e.out.Lock()
		e.ctrl.Streamer = nil
		e.out.Unlock()
	}
	if e.streamer != nil {
		e.streamer.Close()
	}
	e.streamer = nil
	e.ctrl = nil
	e.volume = nil
	e.finished = false
	e.format = beep.Format{}
}

func (e *Element) currentTimeLocked() float64 {
	if e.streamer == nil {
		return 0
	}
	e.out.Lock()
	pos := e.streamer.Position()
	e.out.Unlock()
	return e.format.SampleRate.D(pos).Seconds()
}

func (e *Element) durationLocked() float64 {
	if e.streamer == nil {
		return math.NaN()
	}
	return e.format.SampleRate.D(e.streamer.Len()).Seconds()
}

func (e *Element) startTickerLocked(seq uint64) {
	if e.stopTick != nil {
		return
	}
	stop := make(chan struct{})
	e.stopTick = stop

	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				if seq != e.seq {
					e.mu.Unlock()
					return
				}
				ev := transport.ElementEvent{
					Type:     transport.EventTimeUpdate,
					Time:     e.currentTimeLocked(),
					Duration: e.durationLocked(),
				}
				e.mu.Unlock()
				e.emitIfCurrent(seq, ev)
			}
		}
	}()
}

func (e *Element) stopTickerLocked() {
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
}

func (e *Element) emitIfCurrent(seq uint64, ev transport.ElementEvent) {
	e.mu.Lock()
	current := seq == e.seq
	e.mu.Unlock()
	if current {
		e.emit(ev)
	}
}

// emit calls listeners outside the element lock so they may call back in.
func (e *Element) emit(ev transport.ElementEvent) {
	e.mu.Lock()
	fns := lo.Values(e.listeners)
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// applyLevel maps a linear 0..1 level onto beep's base-2 exponent scale.
func applyLevel(v *effects.Volume, level float64) {
	if level <= 0 {
		v.Silent = true
		v.Volume = 0
		return
	}
	v.Silent = false
	v.Volume = math.Log2(level)
}
