package filter

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// CodeUnsupportedFormat is returned for files that are not audio.
const CodeUnsupportedFormat = "unsupported_format"

// RecognizedExtensions lists the extensions accepted when no specific MIME
// type is declared.
var RecognizedExtensions = []string{"mp3", "wav", "ogg", "oga", "flac", "m4a", "aac", "opus", "webm", "weba"}

// AudioFormatFilter accepts audio files only. It is always part of the chain.
type AudioFormatFilter struct{}

func (f *AudioFormatFilter) Name() string {
	return "audio_format_filter"
}

func (f *AudioFormatFilter) Description() string {
	return "Accepts audio files by declared type, or by extension or content when the type is generic"
}

func (f *AudioFormatFilter) ReturnCodes() []string {
	return []string{CodeUnsupportedFormat}
}

func (f *AudioFormatFilter) ValidateConfig(settings map[string]any) error {
	return nil
}

func (f *AudioFormatFilter) AppliesTo(origin Origin) bool {
	return true
}

func (f *AudioFormatFilter) Check(ctx context.Context, u Upload) Result {
	if IsAudio(u) {
		return Accept()
	}
	return Reject(CodeUnsupportedFormat)
}

// IsAudio reports whether u looks like an audio file. The extension and the
// content are only consulted when the declared type is empty or generic.
func IsAudio(u Upload) bool {
	mt := baseType(u.MimeType)
	if strings.HasPrefix(mt, "audio/") {
		return true
	}
	if !isGenericType(mt) {
		// a specific non-audio type is authoritative
		return false
	}
	return HasAudioExtension(u.Filename) || SniffAudio(u.Data) != ""
}

// HasAudioExtension reports whether filename ends with a recognized extension.
func HasAudioExtension(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return false
	}
	for _, e := range RecognizedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// SniffAudio detects an audio MIME type from content, or returns "".
func SniffAudio(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		mt := baseType(m.String())
		if strings.HasPrefix(mt, "audio/") || mt == "application/ogg" {
			return mt
		}
	}
	return ""
}

func baseType(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func isGenericType(mt string) bool {
	switch mt {
	case "", "application/octet-stream", "binary/octet-stream":
		return true
	}
	return false
}

func init() {
	Register("audio_format_filter", func() Filter {
		return &AudioFormatFilter{}
	})
}
