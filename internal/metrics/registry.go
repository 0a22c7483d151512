// Package metrics provides Prometheus metrics for the PVOutput gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionState   prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram

	// Register read metrics
	ReadsTotal    *prometheus.CounterVec
	ReadLatency   prometheus.Histogram
	InvalidRanges prometheus.Gauge

	// Poll cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	SampleValues  prometheus.Gauge

	// Upload metrics
	UploadsTotal  *prometheus.CounterVec
	UploadLatency prometheus.Histogram

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTPublishLatency    prometheus.Histogram
}

// NewRegistry creates a new metrics registry with all metrics registered.
// Each Registry owns its own prometheus.Registry so several can coexist.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pvgw",
			Subsystem: "modbus",
			Name:      "connection_state",
			Help:      "Inverter connection state (0=initial, 1=connected, 2=disconnected)",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pvgw",
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pvgw",
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection errors",
		}),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pvgw",
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency including settle delay",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pvgw",
			Subsystem: "modbus",
			Name:      "reads_total",
			Help:      "Total number of register reads by result",
		}, []string{"result"}),
		ReadLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pvgw",
			Subsystem: "modbus",
			Name:      "read_latency_seconds",
			Help:      "Register read exchange latency including request delay",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		InvalidRanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pvgw",
			Subsystem: "modbus",
			Name:      "invalid_ranges",
			Help:      "Number of merged register ranges the inverter has refused",
		}),

		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pvgw",
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles by status",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pvgw",
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full poll cycle",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		SampleValues: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pvgw",
			Subsystem: "polling",
			Name:      "sample_values",
			Help:      "Number of values in the most recent sample",
		}),

		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pvgw",
			Subsystem: "pvoutput",
			Name:      "uploads_total",
			Help:      "Total number of PVOutput uploads by outcome",
		}, []string{"outcome"}),
		UploadLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pvgw",
			Subsystem: "pvoutput",
			Name:      "upload_latency_seconds",
			Help:      "PVOutput request latency",
			Buckets:   prometheus.DefBuckets,
		}),

		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pvgw",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pvgw",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pvgw",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(success bool, latency float64) {
	r.ConnectionsTotal.Inc()
	if success {
		r.ConnectionLatency.Observe(latency)
	} else {
		r.ConnectionErrors.Inc()
	}
}

// SetConnectionState records the current connection state.
func (r *Registry) SetConnectionState(state int) {
	r.ConnectionState.Set(float64(state))
}

// RecordRead records one register read.
func (r *Registry) RecordRead(result string, latency float64) {
	r.ReadsTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		r.ReadLatency.Observe(latency)
	}
}

// SetInvalidRanges records the size of the invalid range set.
func (r *Registry) SetInvalidRanges(count int) {
	r.InvalidRanges.Set(float64(count))
}

// RecordCycle records a completed or aborted poll cycle.
func (r *Registry) RecordCycle(status string, duration float64, values int) {
	r.CyclesTotal.WithLabelValues(status).Inc()
	r.CycleDuration.Observe(duration)
	if status == "success" {
		r.SampleValues.Set(float64(values))
	}
}

// RecordUpload records an upload outcome.
func (r *Registry) RecordUpload(outcome string, latency float64) {
	r.UploadsTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		r.UploadLatency.Observe(latency)
	}
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
		r.MQTTPublishLatency.Observe(latency)
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}
