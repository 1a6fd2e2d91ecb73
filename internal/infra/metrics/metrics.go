// Package metrics provides Prometheus instrumentation for the deck.
// All metrics are prefixed with "tapedeck_".
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Playback metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_commands_total",
			Help: "Total number of playback commands by command and result",
		},
		[]string{"command", "result"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_status_transitions_total",
			Help: "Total number of playback status transitions by target status",
		},
		[]string{"status"},
	)

	PlaybackErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapedeck_playback_errors_total",
			Help: "Total number of resource failures and rejected plays",
		},
	)
)

// Playlist metrics
var (
	Tracks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapedeck_tracks",
			Help: "Number of tracks in the playlist",
		},
	)

	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_ingest_files_total",
			Help: "Total number of ingested files by origin and result code",
		},
		[]string{"origin", "result"},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tapedeck_probe_duration_seconds",
			Help:    "Time spent resolving a track duration",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Storage metrics
var (
	StorageWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_storage_writes_total",
			Help: "Total number of durable store writes by kind and status",
		},
		[]string{"kind", "status"},
	)

	StorageWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tapedeck_storage_write_duration_seconds",
			Help:    "Durable store write duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)
)

// Subscriber metrics
var (
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapedeck_subscribers",
			Help: "Number of connected event subscribers",
		},
	)
)

// Result returns the label value for an error outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler exposes the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
