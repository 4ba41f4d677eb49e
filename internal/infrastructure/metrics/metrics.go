package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbengine/internal/application/port"
)

const namespace = "arbengine"

// Metrics Prometheus 指标，注册在私有 Registry 上，通过 /metrics 暴露
type Metrics struct {
	reg *prometheus.Registry

	cacheLookups       *prometheus.CounterVec
	cacheDegraded      prometheus.Gauge
	computeSeconds     prometheus.Histogram
	predictionFailures *prometheus.CounterVec
	productRefreshes   *prometheus.CounterVec
	refreshCycles      *prometheus.CounterVec
	refreshSeconds     prometheus.Histogram
	subscribers        prometheus.Gauge
	subscribersDropped *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Opportunity cache lookups by result",
		}, []string{"result"}),
		cacheDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "degraded",
			Help: "1 while the shared cache is unreachable and the local fallback serves",
		}),
		computeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scoring", Name: "compute_seconds",
			Help:    "Time to compute one product's opportunity set",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		predictionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scoring", Name: "prediction_failures_total",
			Help: "Failed price predictions by destination market",
		}, []string{"market"}),
		productRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "refresh", Name: "products_total",
			Help: "Per-product refresh outcomes",
		}, []string{"outcome"}),
		refreshCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "refresh", Name: "cycles_total",
			Help: "Refresh cycles by outcome",
		}, []string{"outcome"}),
		refreshSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "refresh", Name: "cycle_seconds",
			Help:    "Refresh cycle duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "subscribers",
			Help: "Connected stream subscribers",
		}),
		subscribersDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "subscribers_dropped_total",
			Help: "Subscribers removed by the hub",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) CacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) SetCacheDegraded(degraded bool) {
	if degraded {
		m.cacheDegraded.Set(1)
		return
	}
	m.cacheDegraded.Set(0)
}

func (m *Metrics) ComputeDuration(d time.Duration) {
	m.computeSeconds.Observe(d.Seconds())
}

func (m *Metrics) PredictionFailed(marketID string) {
	m.predictionFailures.WithLabelValues(marketID).Inc()
}

func (m *Metrics) ProductRefreshed(ok bool) {
	if ok {
		m.productRefreshes.WithLabelValues("ok").Inc()
		return
	}
	m.productRefreshes.WithLabelValues("failed").Inc()
}

func (m *Metrics) RefreshCycle(outcome string, d time.Duration) {
	m.refreshCycles.WithLabelValues(outcome).Inc()
	m.refreshSeconds.Observe(d.Seconds())
}

func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// SubscriberDropped counts a hub removal; reason is reduced to a small label set.
func (m *Metrics) SubscriberDropped(reason string) {
	label := "other"
	switch {
	case reason == "unregistered":
		label = "unregistered"
	case reason == "queue full":
		label = "queue_full"
	case len(reason) >= 12 && reason[:12] == "write failed":
		label = "write_failed"
	}
	m.subscribersDropped.WithLabelValues(label).Inc()
}

var _ port.Recorder = (*Metrics)(nil)
