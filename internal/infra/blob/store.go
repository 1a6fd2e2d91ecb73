// Package blob provides session-scoped handles to in-memory audio bytes and
// the data URL form used to make them durable.
package blob

import (
	"encoding/base64"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	blobScheme = "blob:"
	dataScheme = "data:"
)

var (
	ErrRevoked        = errors.New("blob handle revoked or unknown")
	ErrInvalidURL     = errors.New("invalid source url")
	ErrUnsupportedRef = errors.New("unsupported source scheme")
)

// Blob is the content behind a handle.
type Blob struct {
	Data     []byte
	MimeType string
}

// Store mints and resolves blob: handles. A handle stays valid until revoked
// or until the process exits.
type Store struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewStore creates an empty blob store.
func NewStore() *Store {
	return &Store{
		blobs: make(map[string]*Blob),
	}
}

// Create registers data and returns a new blob: handle for it.
func (s *Store) Create(data []byte, mimeType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := blobScheme + uuid.New().String()
	s.blobs[ref] = &Blob{Data: data, MimeType: mimeType}
	return ref
}

// Get returns the blob behind ref.
func (s *Store) Get(ref string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[ref]
	if !ok {
		return nil, errors.Wrapf(ErrRevoked, "ref=%s", ref)
	}
	return b, nil
}

// Revoke releases a handle. Revoking an unknown handle is a no-op.
func (s *Store) Revoke(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
}

// Len returns the number of live handles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Resolve returns the bytes for either a blob: handle or a data: URL.
func (s *Store) Resolve(src string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(src, blobScheme):
		b, err := s.Get(src)
		if err != nil {
			return nil, "", err
		}
		return b.Data, b.MimeType, nil
	case strings.HasPrefix(src, dataScheme):
		return DecodeDataURL(src)
	default:
		return nil, "", errors.Wrapf(ErrUnsupportedRef, "src=%.32s", src)
	}
}

// EncodeDataURL returns the base64 data URL form of data.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	var sb strings.Builder
	sb.Grow(len(dataScheme) + len(mimeType) + len(";base64,") + base64.StdEncoding.EncodedLen(len(data)))
	sb.WriteString(dataScheme)
	sb.WriteString(mimeType)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(data))
	return sb.String()
}

// DecodeDataURL parses a base64 data URL and returns its bytes and MIME type.
func DecodeDataURL(src string) ([]byte, string, error) {
	if !strings.HasPrefix(src, dataScheme) {
		return nil, "", errors.Wrap(ErrInvalidURL, "missing data: scheme")
	}
	header, payload, ok := strings.Cut(src[len(dataScheme):], ",")
	if !ok {
		return nil, "", errors.Wrap(ErrInvalidURL, "missing payload separator")
	}

	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return nil, "", errors.Wrap(ErrInvalidURL, "only base64 data urls are supported")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", errors.Mark(errors.Wrap(err, "failed to decode base64 payload"), ErrInvalidURL)
	}
	return data, mimeType, nil
}
