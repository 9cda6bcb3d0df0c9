package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prwpanel/internal/blob"
	"prwpanel/internal/snapshot"
)

// Metrics are the dashboard's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	loads        *prometheus.CounterVec
	loadSeconds  prometheus.Histogram
	epoch        prometheus.Gauge
	clears       prometheus.Counter
	rows         *prometheus.GaugeVec
	asOf         prometheus.Gauge
	httpRequests *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prw",
			Name:      "snapshot_loads_total",
			Help:      "Snapshot load attempts by outcome.",
		}, []string{"result"}),
		loadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "prw",
			Name:      "snapshot_load_seconds",
			Help:      "Duration of the fetch, decrypt and load chain.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prw",
			Name:      "cache_epoch",
			Help:      "Current dataset cache epoch.",
		}),
		clears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prw",
			Name:      "cache_clears_total",
			Help:      "Explicit cache invalidations.",
		}),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prw",
			Name:      "dataset_rows",
			Help:      "Rows in the cached dataset by table.",
		}, []string{"table"}),
		asOf: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prw",
			Name:      "dataset_modified_timestamp_seconds",
			Help:      "Ingest time of the cached dataset.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prw",
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(m.loads, m.loadSeconds, m.epoch, m.clears, m.rows, m.asOf, m.httpRequests)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

func (m *Metrics) observeLoad(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.loadSeconds.Observe(d.Seconds())
	m.loads.WithLabelValues(loadResult(err)).Inc()
}

func (m *Metrics) observeClear(epoch uint64) {
	if m == nil {
		return
	}
	m.clears.Inc()
	m.epoch.Set(float64(epoch))
}

func (m *Metrics) setDataset(e *Entry) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues("patients").Set(float64(len(e.Dataset.Patients)))
	m.rows.WithLabelValues("encounters").Set(float64(len(e.Dataset.Encounters)))
	if !e.Dataset.Modified.IsZero() {
		m.asOf.Set(float64(e.Dataset.Modified.Unix()))
	}
}

func (m *Metrics) observeRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// loadResult names the failure class of a load error.
func loadResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, snapshot.ErrDecrypt):
		return "decrypt"
	case errors.Is(err, snapshot.ErrInvalidImage):
		return "image"
	case errors.Is(err, blob.ErrNotFound):
		return "not_found"
	case errors.Is(err, snapshot.ErrFetch):
		return "fetch"
	default:
		return "error"
	}
}
