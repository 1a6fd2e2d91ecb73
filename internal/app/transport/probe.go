package transport

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/osa030/tapedeck/internal/domain/track"
)

// Prober resolves durations on throwaway elements so the main playback
// resource is never touched.
type Prober struct {
	newElement ElementFactory
}

// NewProber creates a prober that builds one element per probe.
func NewProber(newElement ElementFactory) *Prober {
	return &Prober{newElement: newElement}
}

// Probe loads ref on a fresh element and waits for its metadata.
func (p *Prober) Probe(ctx context.Context, ref string) (float64, error) {
	el := p.newElement()
	defer el.Release()

	result := make(chan ElementEvent, 1)
	remove := el.AddListener(func(ev ElementEvent) {
		if ev.Type != EventLoadedMetadata && ev.Type != EventError {
			return
		}
		select {
		case result <- ev:
		default:
		}
	})
	defer remove()

	el.Load(ref)

	select {
	case ev := <-result:
		if ev.Type == EventError {
			return track.UnknownDuration, errors.Mark(errors.Wrap(ev.Err, "probe failed"), track.ErrDecode)
		}
		return ev.Duration, nil
	case <-ctx.Done():
		return track.UnknownDuration, errors.Wrap(ctx.Err(), "probe cancelled")
	}
}
