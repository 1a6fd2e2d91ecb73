package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/tapedeck/internal/app/filter"
	"github.com/osa030/tapedeck/internal/app/ingest"
	"github.com/osa030/tapedeck/internal/domain/track"
)

// fakeIngester accepts .mp3 files and rejects everything else.
type fakeIngester struct {
	mu    sync.Mutex
	files []ingest.File
}

func (f *fakeIngester) Ingest(_ context.Context, files []ingest.File, origin filter.Origin) []ingest.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	outcomes := make([]ingest.Outcome, len(files))
	for i, file := range files {
		f.files = append(f.files, file)
		outcomes[i].Filename = file.Name
		if origin == filter.OriginWatch && strings.HasSuffix(file.Name, ".mp3") {
			outcomes[i].Track = &track.Track{ID: "id-" + file.Name, Name: track.DisplayName(file.Name)}
			continue
		}
		outcomes[i].Code = filter.CodeUnsupportedFormat
		outcomes[i].Err = errors.Wrap(track.ErrUnsupportedFormat, file.Name)
	}
	return outcomes
}

func (f *fakeIngester) received() []ingest.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingest.File(nil), f.files...)
}

func startWatcher(t *testing.T) (string, *fakeIngester) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "drop")
	ing := &fakeIngester{}
	w, err := New(Config{Dir: dir, Settle: 20 * time.Millisecond}, ing)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return dir, ing
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWatcher_IngestsDroppedFiles(t *testing.T) {
	dir, ing := startWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "song.mp3"), []byte("mp3 bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0o644))

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, DoneDir, "song.mp3")) &&
			fileExists(filepath.Join(dir, RejectedDir, "notes.txt"))
	}, 2*time.Second, 10*time.Millisecond)

	got := ing.received()
	require.Len(t, got, 2)
	names := []string{got[0].Name, got[1].Name}
	assert.ElementsMatch(t, []string{"song.mp3", "notes.txt"}, names)
	for _, f := range got {
		if f.Name == "song.mp3" {
			assert.Equal(t, []byte("mp3 bytes"), f.Data)
		}
	}
	assert.False(t, fileExists(filepath.Join(dir, "song.mp3")))
}

func TestWatcher_SkipsHiddenAndPartialFiles(t *testing.T) {
	dir, ing := startWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.mp3.part"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.mp3"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, DoneDir, "real.mp3"))
	}, 2*time.Second, 10*time.Millisecond)

	got := ing.received()
	require.Len(t, got, 1)
	assert.Equal(t, "real.mp3", got[0].Name)
	assert.True(t, fileExists(filepath.Join(dir, ".hidden.mp3")))
	assert.True(t, fileExists(filepath.Join(dir, "big.mp3.part")))
}

func TestSkip(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{path: "/drop/song.mp3", want: false},
		{path: "/drop/.DS_Store", want: true},
		{path: "/drop/song.mp3.crdownload", want: true},
		{path: "/drop/song.tmp", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, skip(tt.path))
		})
	}
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New(Config{}, &fakeIngester{})
	assert.Error(t, err)
}
