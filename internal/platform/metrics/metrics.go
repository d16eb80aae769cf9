package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the segmenter.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         *prometheus.CounterVec
	errorsTotal           prometheus.Counter
	segmentsCreatedTotal  prometheus.Counter
	segmentsEvictedTotal  prometheus.Counter
	bytesWrittenTotal     prometheus.Counter
	bytesDeliveredTotal   prometheus.Counter
	framesDroppedTotal    *prometheus.CounterVec
	mixerRejectedTotal    prometheus.Counter
	playlistNotReadyTotal prometheus.Counter
	readLockTimeoutsTotal prometheus.Counter
	streamsEndedTotal     prometheus.Counter
	activeStreams         prometheus.Gauge
	activeMixers          prometheus.Gauge
}

// New creates and registers Prometheus metrics for the segmenter.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests by status class",
		}, []string{"class"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_created_total",
			Help: "Total number of segments opened by rotation",
		}),
		segmentsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_evicted_total",
			Help: "Total number of segments disposed after leaving the retention window",
		}),
		bytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segment_bytes_written_total",
			Help: "Total transport stream bytes appended to segments",
		}),
		bytesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segment_bytes_delivered_total",
			Help: "Total transport stream bytes sent to clients",
		}),
		framesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_frames_dropped_total",
			Help: "Total number of frames the encoder could not mux",
		}, []string{"kind"}),
		mixerRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_mixer_pushes_rejected_total",
			Help: "Total number of audio batches rejected by a mixer track",
		}),
		playlistNotReadyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_playlist_not_ready_total",
			Help: "Total number of playlist requests answered with 503",
		}),
		readLockTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segment_read_lock_timeouts_total",
			Help: "Total number of reader lock acquisitions that timed out",
		}),
		streamsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_streams_ended_total",
			Help: "Total number of streams ended",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_streams",
			Help: "Number of registered streams",
		}),
		activeMixers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_mixers",
			Help: "Number of running audio mixer groups",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsCreatedTotal,
		m.segmentsEvictedTotal,
		m.bytesWrittenTotal,
		m.bytesDeliveredTotal,
		m.framesDroppedTotal,
		m.mixerRejectedTotal,
		m.playlistNotReadyTotal,
		m.readLockTimeoutsTotal,
		m.streamsEndedTotal,
		m.activeStreams,
		m.activeMixers,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests counts a finished request under its status class ("2xx", "4xx").
func (m *Metrics) IncRequests(status int) {
	m.requestsTotal.WithLabelValues(statusClass(status)).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) IncSegmentsCreated() {
	m.segmentsCreatedTotal.Inc()
}

func (m *Metrics) IncSegmentsEvicted() {
	m.segmentsEvictedTotal.Inc()
}

func (m *Metrics) AddBytesWritten(n int) {
	m.bytesWrittenTotal.Add(float64(n))
}

func (m *Metrics) AddBytesDelivered(n int) {
	m.bytesDeliveredTotal.Add(float64(n))
}

// IncFramesDropped counts a frame of the given kind ("audio" or "video")
// that failed to mux.
func (m *Metrics) IncFramesDropped(kind string) {
	m.framesDroppedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncMixerRejected() {
	m.mixerRejectedTotal.Inc()
}

func (m *Metrics) IncPlaylistNotReady() {
	m.playlistNotReadyTotal.Inc()
}

func (m *Metrics) IncReadLockTimeouts() {
	m.readLockTimeoutsTotal.Inc()
}

// IncStreamsEnded increments the streams ended counter.
func (m *Metrics) IncStreamsEnded() {
	m.streamsEndedTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

func (m *Metrics) SetActiveMixers(n int) {
	m.activeMixers.Set(float64(n))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
