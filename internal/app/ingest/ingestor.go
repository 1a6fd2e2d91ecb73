// Package ingest turns uploaded files into playlist tracks.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osa030/tapedeck/internal/app/filter"
	"github.com/osa030/tapedeck/internal/domain/track"
	"github.com/osa030/tapedeck/internal/infra/metrics"
)

// ErrRejected marks files turned away by a filter other than the format check.
var ErrRejected = errors.New("upload rejected")

// File is one file of an upload batch.
type File struct {
	Name     string
	Title    string // Display name; derived from Name when empty
	MimeType string // Declared type, may be empty
	Data     []byte
}

// Outcome reports what happened to one file. Exactly one of Track or Err is set.
type Outcome struct {
	Filename string
	Track    *track.Track
	Code     string // Filter or error code when rejected
	Err      error
}

// OK reports whether the file became a track.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Track != nil
}

// Prober resolves the duration of a source reference.
type Prober interface {
	Probe(ctx context.Context, ref string) (float64, error)
}

// Registry receives accepted tracks.
type Registry interface {
	Add(t track.Track) (track.Track, error)
}

// BlobStore materializes transient references.
type BlobStore interface {
	Create(data []byte, mimeType string) string
	Revoke(ref string)
}

// Config holds ingestor settings.
type Config struct {
	ProbeTimeout     time.Duration
	ProbeConcurrency int
}

// Ingestor validates, materializes, probes and registers uploaded files.
type Ingestor struct {
	chain    *filter.Chain
	blobs    BlobStore
	prober   Prober
	registry Registry
	config   Config
	now      func() time.Time
}

// NewIngestor creates a new ingestor.
func NewIngestor(chain *filter.Chain, blobs BlobStore, prober Prober, registry Registry, config Config) *Ingestor {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	if config.ProbeConcurrency <= 0 {
		config.ProbeConcurrency = 4
	}
	return &Ingestor{
		chain:    chain,
		blobs:    blobs,
		prober:   prober,
		registry: registry,
		config:   config,
		now:      time.Now,
	}
}

// Ingest processes a batch. Every file gets an outcome in input order; one
// failure never blocks its siblings. Accepted files are added in batch order
// once all duration probes have settled.
func (i *Ingestor) Ingest(ctx context.Context, files []File, origin filter.Origin) []Outcome {
	outcomes := make([]Outcome, len(files))
	pending := make([]*track.Track, len(files))

	for n, f := range files {
		outcomes[n].Filename = f.Name

		upload := filter.Upload{
			Filename: f.Name,
			MimeType: f.MimeType,
			Size:     int64(len(f.Data)),
			Data:     f.Data,
		}
		if result := i.chain.Execute(ctx, upload, origin); !result.Accepted {
			outcomes[n].Code = result.Code
			outcomes[n].Err = rejection(f.Name, result.Code)
			zlog.Info().Msgf("upload rejected: file=%s, code=%s, origin=%s", f.Name, result.Code, origin)
			continue
		}

		mimeType := resolveMimeType(f)
		name := f.Title
		if name == "" {
			name = track.DisplayName(f.Name)
		}
		pending[n] = &track.Track{
			ID:       uuid.New().String(),
			Name:     name,
			Source:   track.Transient(i.blobs.Create(f.Data, mimeType)),
			Duration: track.UnknownDuration,
			Size:     int64(len(f.Data)),
			MimeType: mimeType,
		}
	}

	i.probeAll(ctx, pending)

	for n, t := range pending {
		if t == nil {
			continue
		}
		t.AddedAt = i.now()
		added, err := i.registry.Add(*t)
		if err != nil {
			i.blobs.Revoke(t.Source.URL)
			outcomes[n].Code = track.Code(err)
			outcomes[n].Err = err
			zlog.Warn().Err(err).Msgf("failed to add track: file=%s", outcomes[n].Filename)
			continue
		}
		outcomes[n].Track = &added
	}

	for _, o := range outcomes {
		result := "accepted"
		if !o.OK() {
			result = o.Code
		}
		metrics.IngestTotal.WithLabelValues(origin.String(), result).Inc()
	}
	return outcomes
}

// probeAll resolves durations concurrently. A failed or timed-out probe
// leaves the duration unknown; playback fills it in later.
func (i *Ingestor) probeAll(ctx context.Context, pending []*track.Track) {
	if i.prober == nil {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(i.config.ProbeConcurrency)
	for _, t := range pending {
		if t == nil {
			continue
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, i.config.ProbeTimeout)
			defer cancel()

			start := time.Now()
			d, err := i.prober.Probe(probeCtx, t.Source.URL)
			metrics.ProbeDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				zlog.Debug().Err(err).Msgf("duration probe failed: track=%s", t.Name)
				return nil
			}
			if track.IsKnownDuration(d) {
				t.Duration = d
			}
			return nil
		})
	}
	_ = g.Wait()
}

func rejection(filename, code string) error {
	if code == filter.CodeUnsupportedFormat {
		return errors.Wrapf(track.ErrUnsupportedFormat, "file=%s", filename)
	}
	return errors.Mark(errors.Newf("file=%s: %s", filename, code), ErrRejected)
}

// resolveMimeType prefers a declared audio type, then content, then extension.
func resolveMimeType(f File) string {
	declared := strings.ToLower(strings.TrimSpace(f.MimeType))
	if strings.HasPrefix(declared, "audio/") {
		return declared
	}
	if sniffed := filter.SniffAudio(f.Data); sniffed != "" {
		return sniffed
	}
	if ext := extensionType(f.Name); ext != "" {
		return ext
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

var extensionTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"oga":  "audio/ogg",
	"flac": "audio/flac",
	"m4a":  "audio/x-m4a",
	"aac":  "audio/aac",
	"opus": "audio/ogg",
	"webm": "audio/webm",
	"weba": "audio/webm",
}

func extensionType(filename string) string {
	dot := strings.LastIndexByte(filename, '.')
	if dot < 0 {
		return ""
	}
	return extensionTypes[strings.ToLower(filename[dot+1:])]
}
