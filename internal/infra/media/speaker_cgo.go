//go:build (linux && cgo) || windows || darwin

package media

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// SpeakerAvailable reports whether this build can drive a sound device.
const SpeakerAvailable = true

var (
	speakerOnce sync.Once
	speakerErr  error
)

// speakerOutput plays through the process-wide beep speaker.
type speakerOutput struct {
	sampleRate beep.SampleRate
}

// NewSpeakerOutput initialises the sound device on first use.
func NewSpeakerOutput(sampleRate beep.SampleRate) (Output, error) {
	speakerOnce.Do(func() {
		speakerErr = speaker.Init(sampleRate, sampleRate.N(time.Second/10))
	})
	if speakerErr != nil {
		return nil, errors.Wrap(speakerErr, "failed to initialise speaker")
	}
	return &speakerOutput{sampleRate: sampleRate}, nil
}

func (o *speakerOutput) SampleRate() beep.SampleRate { return o.sampleRate }
func (o *speakerOutput) Play(s beep.Streamer)        { speaker.Play(s) }
func (o *speakerOutput) Lock()                       { speaker.Lock() }
func (o *speakerOutput) Unlock()                     { speaker.Unlock() }

func (o *speakerOutput) Close() error {
	speaker.Clear()
	return nil
}
