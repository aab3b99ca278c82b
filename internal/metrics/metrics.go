package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. One instance is
// created at startup and shared by reference.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	AudioFramesTotal  prometheus.Counter
	AudioBytesTotal   prometheus.Counter
	TokensTotal       *prometheus.CounterVec
	QuotaRejections   prometheus.Counter
	WriteQueueDepth   prometheus.Gauge
	WriteRetriesTotal prometheus.Counter
	WriteDropsTotal   prometheus.Counter
	SessionDuration   prometheus.Histogram
}

// New registers the collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_active_sessions",
			Help: "Number of currently connected transcription sessions.",
		}),
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_sessions_total",
			Help: "Total number of transcription sessions accepted.",
		}),
		AudioFramesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_audio_frames_total",
			Help: "Total number of audio frames relayed upstream.",
		}),
		AudioBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_audio_bytes_total",
			Help: "Total audio payload bytes relayed upstream.",
		}),
		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_tokens_total",
			Help: "Total tokens received from the upstream provider.",
		}, []string{"track"}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_quota_rejections_total",
			Help: "Connections rejected by the quota admission check.",
		}),
		WriteQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_write_queue_depth",
			Help: "Pending operations in the durable write queue.",
		}),
		WriteRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_write_retries_total",
			Help: "Write operations retried after a transient failure.",
		}),
		WriteDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_write_drops_total",
			Help: "Write operations dropped after retry exhaustion.",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_session_duration_seconds",
			Help:    "Recorded duration of finalized sessions.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
