package media

import (
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
)

// DefaultSampleRate is the rate every output mixes at.
const DefaultSampleRate = beep.SampleRate(44100)

// Output is an audio sink that pulls samples from streamers. Streamers are
// mutated only while the output lock is held.
type Output interface {
	SampleRate() beep.SampleRate
	Play(s beep.Streamer)
	Lock()
	Unlock()
	Close() error
}

// SilentOutput consumes samples in real time without producing sound. It
// keeps position, end-of-track, and timing behaviour identical to a device.
type SilentOutput struct {
	mu         sync.Mutex
	sampleRate beep.SampleRate
	mixer      beep.Mixer

	stop chan struct{}
	once sync.Once
}

// NewSilentOutput starts a silent output mixing at sampleRate.
func NewSilentOutput(sampleRate beep.SampleRate) *SilentOutput {
	o := &SilentOutput{
		sampleRate: sampleRate,
		stop:       make(chan struct{}),
	}
	go o.loop(20 * time.Millisecond)
	return o
}

func (o *SilentOutput) loop(quantum time.Duration) {
	buf := make([][2]float64, o.sampleRate.N(quantum))
	ticker := time.NewTicker(quantum)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.mu.Lock()
			o.mixer.Stream(buf)
			o.mu.Unlock()
		}
	}
}

func (o *SilentOutput) SampleRate() beep.SampleRate { return o.sampleRate }

func (o *SilentOutput) Play(s beep.Streamer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mixer.Add(s)
}

func (o *SilentOutput) Lock()   { o.mu.Lock() }
func (o *SilentOutput) Unlock() { o.mu.Unlock() }

func (o *SilentOutput) Close() error {
	o.once.Do(func() { close(o.stop) })
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mixer.Clear()
	return nil
}

// nullOutput never pulls samples. Probe elements use it so decoding a file
// for its duration never starts playback.
type nullOutput struct {
	mu sync.Mutex
}

func (o *nullOutput) SampleRate() beep.SampleRate { return DefaultSampleRate }
func (o *nullOutput) Play(beep.Streamer)          {}
func (o *nullOutput) Lock()                       { o.mu.Lock() }
func (o *nullOutput) Unlock()                     { o.mu.Unlock() }
func (o *nullOutput) Close() error                { return nil }
