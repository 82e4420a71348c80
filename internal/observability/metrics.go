// Package observability groups the Prometheus instruments for the relay.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	InputAudioLevel    prometheus.Gauge
	FramesForwarded    prometheus.Counter
	AudioBytesIn       prometheus.Counter
	PacedBytesOut      prometheus.Counter
	Interruptions      *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	ContextCacheEvents *prometheus.CounterVec
	UpstreamErrors     prometheus.Counter
}

// New registers and returns the relay's instruments under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active speech sessions.",
		}),
		InputAudioLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_audio_level",
			Help:      "RMS energy of the most recent device audio payload (0.0 to 1.0).",
		}),
		FramesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Audio frames forwarded upstream.",
		}),
		AudioBytesIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_in_total",
			Help:      "Raw PCM bytes received from devices.",
		}),
		PacedBytesOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paced_bytes_out_total",
			Help:      "PCM bytes released to devices by the playback pacer.",
		}),
		Interruptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-in decisions by outcome (accepted, suppressed).",
		}, []string{"outcome"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by outcome (ok, error).",
		}, []string{"outcome"}),
		ContextCacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_cache_events_total",
			Help:      "Context cache activity by event (put, resume, miss).",
		}, []string{"event"}),
		UpstreamErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Error events received from the speech endpoint.",
		}),
	}
}

// Handler exposes the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
