// Package watch ingests audio files dropped into a folder.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/tapedeck/internal/app/filter"
	"github.com/osa030/tapedeck/internal/app/ingest"
)

// Subfolders that receive processed files. They are not watched.
const (
	DoneDir     = "done"
	RejectedDir = "rejected"
)

// Ingester adds files to the playlist.
type Ingester interface {
	Ingest(ctx context.Context, files []ingest.File, origin filter.Origin) []ingest.Outcome
}

// Config holds watcher settings.
type Config struct {
	Dir    string
	Settle time.Duration // Quiet period before a file counts as complete
}

// Watcher ingests each file once it has stopped changing for the settle
// period, then moves it to DoneDir or RejectedDir.
type Watcher struct {
	config   Config
	ingester Ingester
	fsw      *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
}

// New creates a watcher on cfg.Dir, creating the folder when missing.
func New(cfg Config, ingester Ingester) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch dir is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create watch dir")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		_ = fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch dir=%s", cfg.Dir)
	}

	return &Watcher{
		config:   cfg,
		ingester: ingester,
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
		ready:    make(chan string, 16),
	}, nil
}

// Run processes folder events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.close()
	zlog.Info().Msgf("watching drop folder: dir=%s, settle=%s", w.config.Dir, w.config.Settle)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if skip(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ctx, event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.cancel(event.Name)
			}
		case path := <-w.ready:
			w.process(ctx, path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			zlog.Warn().Err(err).Msg("drop folder watcher error")
		}
	}
}

// schedule restarts the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.config.Settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.config.Settle, func() {
		select {
		case w.ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// process ingests one settled file and moves it out of the way.
func (w *Watcher) process(ctx context.Context, path string) {
	w.cancel(path)

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		zlog.Warn().Err(err).Msgf("failed to read dropped file: path=%s", path)
		return
	}

	name := filepath.Base(path)
	outcomes := w.ingester.Ingest(ctx, []ingest.File{{Name: name, Data: data}}, filter.OriginWatch)

	dest := RejectedDir
	if len(outcomes) == 1 && outcomes[0].OK() {
		dest = DoneDir
		zlog.Info().Msgf("dropped file ingested: file=%s, track=%s", name, outcomes[0].Track.ID)
	} else if len(outcomes) == 1 {
		zlog.Info().Msgf("dropped file rejected: file=%s, code=%s", name, outcomes[0].Code)
	}

	if err := moveInto(filepath.Join(w.config.Dir, dest), path); err != nil {
		zlog.Warn().Err(err).Msgf("failed to move dropped file: path=%s", path)
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	_ = w.fsw.Close()
}

// skip ignores hidden and partial download files.
func skip(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".crdownload") ||
		strings.HasSuffix(name, ".tmp")
}

func moveInto(dir, path string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create dir")
	}
	return errors.Wrap(os.Rename(path, filepath.Join(dir, filepath.Base(path))), "failed to rename")
}
