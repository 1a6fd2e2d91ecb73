// Package media decodes in-memory audio with beep and plays it through an
// output device, exposing the result as a transport element.
package media

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

// ErrUnsupportedCodec is returned when no decoder recognises the payload.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// Codec identifies a decoder.
type Codec string

const (
	CodecUnknown Codec = ""
	CodecMP3     Codec = "mp3"
	CodecWAV     Codec = "wav"
	CodecFLAC    Codec = "flac"
	CodecVorbis  Codec = "vorbis"
)

// DetectCodec picks a decoder from the payload's magic bytes, falling back
// to the declared MIME type.
func DetectCodec(data []byte, mimeType string) Codec {
	switch {
	case bytes.HasPrefix(data, []byte("ID3")):
		return CodecMP3
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return CodecWAV
	case bytes.HasPrefix(data, []byte("fLaC")):
		return CodecFLAC
	case bytes.HasPrefix(data, []byte("OggS")):
		return CodecVorbis
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG frame sync
		return CodecMP3
	}

	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/mpeg", "audio/mp3":
		return CodecMP3
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return CodecWAV
	case "audio/flac", "audio/x-flac":
		return CodecFLAC
	case "audio/ogg", "audio/vorbis", "application/ogg":
		return CodecVorbis
	}
	return CodecUnknown
}

// Decode opens data as a seekable stream.
func Decode(data []byte, mimeType string) (beep.StreamSeekCloser, beep.Format, error) {
	var (
		s   beep.StreamSeekCloser
		f   beep.Format
		err error
	)

	switch DetectCodec(data, mimeType) {
	case CodecMP3:
		s, f, err = mp3.Decode(nopCloser{bytes.NewReader(data)})
	case CodecWAV:
		s, f, err = wav.Decode(bytes.NewReader(data))
	case CodecFLAC:
		s, f, err = flac.Decode(bytes.NewReader(data))
	case CodecVorbis:
		s, f, err = vorbis.Decode(nopCloser{bytes.NewReader(data)})
	default:
		return nil, beep.Format{}, errors.Wrapf(ErrUnsupportedCodec, "type=%q", mimeType)
	}
	if err != nil {
		return nil, beep.Format{}, errors.Wrap(err, "failed to decode audio")
	}
	return s, f, nil
}

// ProbeDuration decodes data just far enough to report its length in seconds.
func ProbeDuration(data []byte, mimeType string) (float64, error) {
	s, f, err := Decode(data, mimeType)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return f.SampleRate.D(s.Len()).Seconds(), nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
