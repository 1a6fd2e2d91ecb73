//go:build !((linux && cgo) || windows || darwin)

package media

import (
	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
)

// SpeakerAvailable reports whether this build can drive a sound device.
// The native sound backends require cgo.
const SpeakerAvailable = false

// NewSpeakerOutput always fails when cgo is disabled; use a silent output.
func NewSpeakerOutput(beep.SampleRate) (Output, error) {
	return nil, errors.New("speaker output requires a cgo build")
}
