// Package metrics exposes the receiver's Prometheus instrumentation:
// per-file outcome counters and a transfer-in-progress gauge, served on
// an operator-chosen address via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements receiver.Observer.
type Metrics struct {
	filesTotal         *prometheus.CounterVec
	bytesTotal         prometheus.Counter
	transferInProgress prometheus.Gauge
	registry           *prometheus.Registry
}

// New registers the hairgap receiver metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hairgap_receiver_files_total",
			Help: "Files processed by the receiver, partitioned by outcome.",
		}, []string{"result"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hairgap_receiver_bytes_total",
			Help: "Total decoded bytes successfully written by the receiver.",
		}),
		transferInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hairgap_receiver_transfer_in_progress",
			Help: "1 while a transfer's index has been accepted and files are still arriving, 0 otherwise.",
		}),
		registry: registry,
	}

	registry.MustRegister(m.filesTotal, m.bytesTotal, m.transferInProgress)
	return m
}

// ObserveFile implements receiver.Observer.
func (m *Metrics) ObserveFile(success bool, size int64) {
	result := "error"
	if success {
		result = "success"
		m.bytesTotal.Add(float64(size))
	}
	m.filesTotal.WithLabelValues(result).Inc()
}

// ObserveTransferStart implements receiver.Observer.
func (m *Metrics) ObserveTransferStart() {
	m.transferInProgress.Set(1)
}

// ObserveTransferEnd implements receiver.Observer.
func (m *Metrics) ObserveTransferEnd() {
	m.transferInProgress.Set(0)
}

// Handler returns the HTTP handler serving this Metrics' registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
