package blob

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateGetRevoke(t *testing.T) {
	s := NewStore()

	ref := s.Create([]byte("abc"), "audio/wav")
	assert.True(t, strings.HasPrefix(ref, "blob:"))
	assert.Equal(t, 1, s.Len())

	b, err := s.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b.Data)
	assert.Equal(t, "audio/wav", b.MimeType)

	other := s.Create([]byte("abc"), "audio/wav")
	assert.NotEqual(t, ref, other, "each create mints a new handle")

	s.Revoke(ref)
	_, err = s.Get(ref)
	assert.True(t, errors.Is(err, ErrRevoked))
	assert.Equal(t, 1, s.Len())

	// revoking twice is harmless
	s.Revoke(ref)
}

func TestDataURL(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		data     []byte
		wantMime string
	}{
		{name: "mp3", mimeType: "audio/mpeg", data: []byte{0xff, 0xfb, 0x90, 0x00}, wantMime: "audio/mpeg"},
		{name: "empty payload", mimeType: "audio/wav", data: []byte{}, wantMime: "audio/wav"},
		{name: "no type", mimeType: "", data: []byte("x"), wantMime: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := EncodeDataURL(tt.mimeType, tt.data)
			data, mimeType, err := DecodeDataURL(url)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMime, mimeType)
			assert.Equal(t, len(tt.data), len(data))
			assert.Equal(t, string(tt.data), string(data))
		})
	}
}

func TestDecodeDataURL_Invalid(t *testing.T) {
	inputs := []string{
		"blob:123",
		"data:audio/mpeg;base64",
		"data:audio/mpeg,plain",
		"data:audio/mpeg;base64,@@@",
	}
	for _, in := range inputs {
		_, _, err := DecodeDataURL(in)
		assert.True(t, errors.Is(err, ErrInvalidURL), "input %q", in)
	}
}

func TestStore_Resolve(t *testing.T) {
	s := NewStore()
	ref := s.Create([]byte("blob-bytes"), "audio/ogg")

	data, mimeType, err := s.Resolve(ref)
	require.NoError(t, err)
	assert.Equal(t, "blob-bytes", string(data))
	assert.Equal(t, "audio/ogg", mimeType)

	data, mimeType, err = s.Resolve(EncodeDataURL("audio/flac", []byte("durable")))
	require.NoError(t, err)
	assert.Equal(t, "durable", string(data))
	assert.Equal(t, "audio/flac", mimeType)

	_, _, err = s.Resolve("https://example.com/a.mp3")
	assert.True(t, errors.Is(err, ErrUnsupportedRef))
}
