package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the stream engine.
type Metrics struct {
	registry        *prometheus.Registry
	activeStreams   prometheus.Gauge
	encoderSpawns   prometheus.Counter
	encoderRestarts prometheus.Counter
	streamFailures  *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	manifestsBuilt  prometheus.Counter
	droppedItems    *prometheus.CounterVec
}

// New creates and registers the engine metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playcast_active_streams",
			Help: "Number of streams with a live supervisor",
		}),
		encoderSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playcast_encoder_spawns_total",
			Help: "Total number of encoder processes started",
		}),
		encoderRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playcast_encoder_restarts_total",
			Help: "Total number of automatic encoder restarts",
		}),
		streamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playcast_stream_failures_total",
			Help: "Streams that failed to start or ended failed, by reason",
		}, []string{"reason"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playcast_downloads_total",
			Help: "Playlist entry downloads by final result",
		}, []string{"result"}),
		manifestsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playcast_manifests_built_total",
			Help: "Total number of concat manifests written",
		}),
		droppedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playcast_dropped_items_total",
			Help: "Playlist entries dropped during resolution, by source kind",
		}, []string{"source"}),
	}

	registry.MustRegister(
		m.activeStreams,
		m.encoderSpawns,
		m.encoderRestarts,
		m.streamFailures,
		m.downloads,
		m.manifestsBuilt,
		m.droppedItems,
	)
	return m
}

func (m *Metrics) IncActiveStreams() {
	m.activeStreams.Inc()
}

func (m *Metrics) DecActiveStreams() {
	m.activeStreams.Dec()
}

func (m *Metrics) IncEncoderSpawns() {
	m.encoderSpawns.Inc()
}

func (m *Metrics) IncEncoderRestarts() {
	m.encoderRestarts.Inc()
}

// IncStreamFailures counts a failure; reason is a short stable label such as
// "resolution_failed" or "encoder_crashed".
func (m *Metrics) IncStreamFailures(reason string) {
	m.streamFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDownload(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) IncManifestsBuilt() {
	m.manifestsBuilt.Inc()
}

func (m *Metrics) IncDroppedItems(source string) {
	m.droppedItems.WithLabelValues(source).Inc()
}

// Handler returns an http.Handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
