package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture loop counters
	TicksFired    atomic.Uint64
	TicksSkipped  atomic.Uint64 // tick arrived while a previous one was in flight
	TicksStale    atomic.Uint64 // result discarded after camera off or toggle
	FramesCapture atomic.Uint64
	CaptureErrors atomic.Uint64

	// Analysis service
	AnalyzeRequests   atomic.Uint64
	AnalyzeErrors     atomic.Uint64
	CalibrateRequests atomic.Uint64
	CalibrateErrors   atomic.Uint64

	// Rendering
	OverlaysDrawn   atomic.Uint64
	OverlaysCleared atomic.Uint64
	SizingRetries   atomic.Uint64

	// Notifications
	NotificationsSent       atomic.Uint64
	NotificationsSuppressed atomic.Uint64

	// Session state (0/1 gauges)
	CameraOn   atomic.Uint64
	Streaming  atomic.Uint64
	PrivacyOn  atomic.Uint64
	SkeletonOn atomic.Uint64
	IntervalMs atomic.Uint64

	// MJPEG preview clients
	PreviewViewers      atomic.Int64
	PreviewViewersTotal atomic.Uint64

	// WebRTC data channel peers
	ActivePeers atomic.Int64
	TotalPeers  atomic.Uint64

	// History writer
	HistoryWritten atomic.Uint64
	HistoryDropped atomic.Uint64

	verdicts        *prometheus.CounterVec
	analyzeDuration prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("posture_ticks_fired_total", "Poll ticks delivered to the session loop", &m.TicksFired)
	m.counter("posture_ticks_skipped_total", "Poll ticks skipped because a cycle was in flight", &m.TicksSkipped)
	m.counter("posture_ticks_stale_total", "Cycle results discarded after a state change", &m.TicksStale)
	m.counter("posture_frames_captured_total", "Still frames captured for analysis", &m.FramesCapture)
	m.counter("posture_capture_errors_total", "Still capture failures", &m.CaptureErrors)

	m.counter("posture_analyze_requests_total", "Requests sent to the analyze endpoint", &m.AnalyzeRequests)
	m.counter("posture_analyze_errors_total", "Analyze requests that degraded to unknown", &m.AnalyzeErrors)
	m.counter("posture_calibrate_requests_total", "Requests sent to the calibrate endpoint", &m.CalibrateRequests)
	m.counter("posture_calibrate_errors_total", "Calibrate requests that failed", &m.CalibrateErrors)

	m.counter("posture_overlays_drawn_total", "Skeleton overlays drawn", &m.OverlaysDrawn)
	m.counter("posture_overlays_cleared_total", "Overlay clears", &m.OverlaysCleared)
	m.counter("posture_sizing_retries_total", "Draws deferred until the overlay could be sized", &m.SizingRetries)

	m.counter("posture_notifications_sent_total", "Desktop notifications dispatched", &m.NotificationsSent)
	m.counter("posture_notifications_suppressed_total", "Bad verdicts inside the notification gap", &m.NotificationsSuppressed)

	m.counter("posture_camera_on", "Camera acquired (0=off, 1=on)", &m.CameraOn)
	m.counter("posture_streaming", "Polling active (0=idle, 1=polling)", &m.Streaming)
	m.counter("posture_privacy_on", "Privacy mode (0=off, 1=on)", &m.PrivacyOn)
	m.counter("posture_skeleton_on", "Skeleton overlay (0=off, 1=on)", &m.SkeletonOn)
	m.counter("posture_poll_interval_ms", "Current poll interval in milliseconds", &m.IntervalMs)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "posture_preview_viewers",
			Help: "Connected MJPEG preview clients",
		},
		func() float64 { return float64(m.PreviewViewers.Load()) },
	))
	m.counter("posture_preview_viewers_total", "MJPEG preview clients connected since start", &m.PreviewViewersTotal)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "posture_webrtc_peers",
			Help: "Connected WebRTC peers",
		},
		func() float64 { return float64(m.ActivePeers.Load()) },
	))
	m.counter("posture_webrtc_peers_total", "WebRTC peers connected since start", &m.TotalPeers)

	m.counter("posture_history_written_total", "Verdict entries persisted", &m.HistoryWritten)
	m.counter("posture_history_dropped_total", "Verdict entries dropped because the writer was busy", &m.HistoryDropped)

	m.verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posture_verdicts_total",
			Help: "Analyzed frames by verdict",
		},
		[]string{"verdict"},
	)
	m.registry.MustRegister(m.verdicts)

	m.analyzeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "posture_analyze_duration_seconds",
		Help:    "Round trip of a full capture and analyze cycle",
		Buckets: []float64{.05, .1, .2, .5, 1, 2, 5, 10},
	})
	m.registry.MustRegister(m.analyzeDuration)
}

// ObserveVerdict counts one analyzed frame.
func (m *Metrics) ObserveVerdict(verdict string) {
	m.verdicts.WithLabelValues(verdict).Inc()
}

// ObserveAnalyze records the latency of one capture and analyze cycle.
func (m *Metrics) ObserveAnalyze(d time.Duration) {
	m.analyzeDuration.Observe(d.Seconds())
}

// SetFlag stores a boolean gauge.
func SetFlag(v *atomic.Uint64, on bool) {
	if on {
		v.Store(1)
		return
	}
	v.Store(0)
}

// TrackPreviewViewer applies a +1/-1 change in MJPEG preview clients.
func (m *Metrics) TrackPreviewViewer(delta int) {
	m.PreviewViewers.Add(int64(delta))
	if delta > 0 {
		m.PreviewViewersTotal.Add(uint64(delta))
	}
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a dedicated metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
