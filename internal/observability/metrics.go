package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
	ActivityNotices     *prometheus.CounterVec
	PlaybackQueueDepth  prometheus.Gauge
	PlaybackBuffers     prometheus.Counter
	ConnectLatency      prometheus.Histogram
	ChatWatcherActive   prometheus.Gauge
	TranscriptAppendErr prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because the connection was not open.",
		}, []string{"type"}),
		ActivityNotices: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_notifications_total",
			Help:      "user_activity notifications sent, by speaking state.",
		}, []string{"speaking"}),
		PlaybackQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Inbound audio buffers waiting for playback.",
		}),
		PlaybackBuffers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_buffers_total",
			Help:      "Inbound audio buffers played to completion or started.",
		}),
		ConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time from start to an open backend connection in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		ChatWatcherActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_watcher_active",
			Help:      "1 while the backend reports the live-chat watcher as started.",
		}),
		TranscriptAppendErr: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_append_errors_total",
			Help:      "Failures persisting transcript or chat lines.",
		}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) FrameDropped(typ string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(typ).Inc()
}

func (m *Metrics) ActivityNotice(speaking bool) {
	if m == nil {
		return
	}
	m.ActivityNotices.WithLabelValues(strconv.FormatBool(speaking)).Inc()
}

func (m *Metrics) SetPlaybackQueueDepth(n int) {
	if m == nil {
		return
	}
	m.PlaybackQueueDepth.Set(float64(n))
}

func (m *Metrics) PlaybackStarted() {
	if m == nil {
		return
	}
	m.PlaybackBuffers.Inc()
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetChatWatcherActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ChatWatcherActive.Set(1)
		return
	}
	m.ChatWatcherActive.Set(0)
}

func (m *Metrics) TranscriptAppendFailed() {
	if m == nil {
		return
	}
	m.TranscriptAppendErr.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
