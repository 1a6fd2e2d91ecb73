package track

import "github.com/cockroachdb/errors"

// Error taxonomy shared by the registry, ingestor, persistence and playback layers.
// Concrete errors are marked with these sentinels so errors.Is works across wraps.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrNotFound          = errors.New("track not found")
	ErrDuplicateID       = errors.New("duplicate track id")
	ErrStorage           = errors.New("storage error")
	ErrPlayback          = errors.New("playback error")
	ErrDecode            = errors.New("decode error")
)

// Code returns a stable short code for err, used on the wire and in metrics labels.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	case errors.Is(err, ErrPlayback):
		return "playback_error"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	default:
		return "internal"
	}
}
