package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Set(ctx, "tracks", `{"version":1}`))
	v, err := s.Get(ctx, "tracks")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, v)

	// last writer wins
	require.NoError(t, s.Set(ctx, "tracks", `{"version":2}`))
	v, err = s.Get(ctx, "tracks")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, v)

	require.NoError(t, s.Remove(ctx, "tracks"))
	_, err = s.Get(ctx, "tracks")
	assert.True(t, errors.Is(err, ErrNotFound))

	// removing a missing key is not an error
	assert.NoError(t, s.Remove(ctx, "tracks"))
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	s, err := OpenFile(path)
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFile_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "resume", `{"trackId":"a"}`))
	require.NoError(t, s.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	v, err := reopened.Get(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, `{"trackId":"a"}`, v)
}

func TestFile_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "deck.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default is memory", cfg: Config{}},
		{name: "memory", cfg: Config{Backend: BackendMemory}},
		{name: "file", cfg: Config{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "s.json")}},
		{name: "file without path", cfg: Config{Backend: BackendFile}, wantErr: true},
		{name: "redis without address", cfg: Config{Backend: BackendRedis}, wantErr: true},
		{name: "unknown backend", cfg: Config{Backend: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}
