// Package metrics exposes transfer and activation counters through a
// dedicated Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blobsync"

// Result labels.
const (
	ResultOK          = "ok"
	ResultFailed      = "failed"
	ResultQuarantined = "quarantined"
	ResultSkipped     = "skipped"
	ResultRejected    = "rejected"
	ResultRequeued    = "requeued"
)

type Metrics struct {
	registry *prometheus.Registry

	downloads   *prometheus.CounterVec
	uploads     *prometheus.CounterVec
	activations *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	parallelism *prometheus.GaugeVec
	selfHeals   prometheus.Counter
	pending     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Downloaded files by outcome.",
		}, []string{"result"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploaded files by outcome.",
		}, []string{"result"}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Quarantine promotions by outcome.",
		}, []string{"result"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes moved over the network.",
		}, []string{"direction"}),
		parallelism: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parallelism",
			Help:      "Current transfer parallelism.",
		}, []string{"direction"}),
		selfHeals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_heal_total",
			Help:      "Cache-busting refetches after a stale 404.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_activations",
			Help:      "Files waiting in quarantine.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Download(result string) {
	if m != nil {
		m.downloads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Upload(result string) {
	if m != nil {
		m.uploads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Activation(result string) {
	if m != nil {
		m.activations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) BytesDownloaded(n int64) {
	if m != nil && n > 0 {
		m.bytes.WithLabelValues("down").Add(float64(n))
	}
}

func (m *Metrics) BytesUploaded(n int64) {
	if m != nil && n > 0 {
		m.bytes.WithLabelValues("up").Add(float64(n))
	}
}

func (m *Metrics) DownloadParallelism(n int) {
	if m != nil {
		m.parallelism.WithLabelValues("down").Set(float64(n))
	}
}

func (m *Metrics) UploadParallelism(n int) {
	if m != nil {
		m.parallelism.WithLabelValues("up").Set(float64(n))
	}
}

func (m *Metrics) SelfHeal() {
	if m != nil {
		m.selfHeals.Inc()
	}
}

func (m *Metrics) Pending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}
