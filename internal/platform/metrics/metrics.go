package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera agent.
// All methods are safe to call on a nil *Metrics, so components that take an
// optional Metrics (e.g. in tests) need no guards at every call site.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	framesTotal          prometheus.Counter
	framesContendedTotal prometheus.Counter
	slowFramesTotal      prometheus.Counter
	stillsTotal          prometheus.Counter
	recordingsTotal      prometheus.Counter
	streamSessionsTotal  prometheus.Counter
	galleryRebuildsTotal prometheus.Counter
	linkReconnectsTotal  prometheus.Counter
	linkResetsTotal      prometheus.Counter

	streamingActive prometheus.Gauge
	recordingActive prometheus.Gauge
	linkUp          prometheus.Gauge
	wsClients       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the agent on a private
// registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	framesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_frames_total",
		Help: "Total number of frames acquired from the camera",
	})
	framesContendedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_frames_contended_total",
		Help: "Total number of frame acquisitions skipped because the camera lock timed out",
	})
	slowFramesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_slow_frames_total",
		Help: "Total number of stream iterations exceeding twice the target frame interval",
	})
	stillsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_stills_total",
		Help: "Total number of still images captured",
	})
	recordingsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_recordings_total",
		Help: "Total number of recording sessions started",
	})
	streamSessionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_stream_sessions_total",
		Help: "Total number of live stream sessions started",
	})
	galleryRebuildsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_gallery_rebuilds_total",
		Help: "Total number of gallery cache rebuilds",
	})
	linkReconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_link_reconnects_total",
		Help: "Total number of soft link reconnect attempts",
	})
	linkResetsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camagent_link_resets_total",
		Help: "Total number of hard link resets after the retry ceiling",
	})
	streamingActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camagent_streaming_active",
		Help: "1 while a live stream session is active",
	})
	recordingActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camagent_recording_active",
		Help: "1 while a recording session is active",
	})
	linkUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camagent_link_up",
		Help: "1 while the supervised network link is connected",
	})
	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camagent_ws_clients",
		Help: "Number of connected WebSocket control clients",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		framesTotal,
		framesContendedTotal,
		slowFramesTotal,
		stillsTotal,
		recordingsTotal,
		streamSessionsTotal,
		galleryRebuildsTotal,
		linkReconnectsTotal,
		linkResetsTotal,
		streamingActive,
		recordingActive,
		linkUp,
		wsClients,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		framesTotal:          framesTotal,
		framesContendedTotal: framesContendedTotal,
		slowFramesTotal:      slowFramesTotal,
		stillsTotal:          stillsTotal,
		recordingsTotal:      recordingsTotal,
		streamSessionsTotal:  streamSessionsTotal,
		galleryRebuildsTotal: galleryRebuildsTotal,
		linkReconnectsTotal:  linkReconnectsTotal,
		linkResetsTotal:      linkResetsTotal,
		streamingActive:      streamingActive,
		recordingActive:      recordingActive,
		linkUp:               linkUp,
		wsClients:            wsClients,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncFrames increments the acquired frame counter.
func (m *Metrics) IncFrames() {
	if m == nil {
		return
	}
	m.framesTotal.Inc()
}

// IncFramesContended increments the lock-contention skip counter.
func (m *Metrics) IncFramesContended() {
	if m == nil {
		return
	}
	m.framesContendedTotal.Inc()
}

// IncSlowFrames increments the slow stream iteration counter.
func (m *Metrics) IncSlowFrames() {
	if m == nil {
		return
	}
	m.slowFramesTotal.Inc()
}

// IncStills increments the captured still counter.
func (m *Metrics) IncStills() {
	if m == nil {
		return
	}
	m.stillsTotal.Inc()
}

// IncRecordings increments the recording session counter.
func (m *Metrics) IncRecordings() {
	if m == nil {
		return
	}
	m.recordingsTotal.Inc()
}

// IncStreamSessions increments the stream session counter.
func (m *Metrics) IncStreamSessions() {
	if m == nil {
		return
	}
	m.streamSessionsTotal.Inc()
}

// IncGalleryRebuilds increments the gallery rebuild counter.
func (m *Metrics) IncGalleryRebuilds() {
	if m == nil {
		return
	}
	m.galleryRebuildsTotal.Inc()
}

// IncLinkReconnects increments the soft reconnect counter.
func (m *Metrics) IncLinkReconnects() {
	if m == nil {
		return
	}
	m.linkReconnectsTotal.Inc()
}

// IncLinkResets increments the hard reset counter.
func (m *Metrics) IncLinkResets() {
	if m == nil {
		return
	}
	m.linkResetsTotal.Inc()
}

// SetStreamingActive sets the streaming gauge.
func (m *Metrics) SetStreamingActive(active bool) {
	if m == nil {
		return
	}
	m.streamingActive.Set(boolToFloat(active))
}

// SetRecordingActive sets the recording gauge.
func (m *Metrics) SetRecordingActive(active bool) {
	if m == nil {
		return
	}
	m.recordingActive.Set(boolToFloat(active))
}

// SetLinkUp sets the link gauge.
func (m *Metrics) SetLinkUp(up bool) {
	if m == nil {
		return
	}
	m.linkUp.Set(boolToFloat(up))
}

// SetWSClients sets the connected WebSocket client gauge.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. streaming/recording/link state).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
