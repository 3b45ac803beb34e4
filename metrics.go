package routecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds prometheus metrics for the cache.
// A nil *Metrics records nothing.
type Metrics struct {
	lookupsTotal   *prometheus.CounterVec
	fetchesTotal   *prometheus.CounterVec
	storesTotal    *prometheus.CounterVec
	refreshesTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		lookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "lookups_total",
				Help:      "Cache lookups by strategy and result (hit, uri-miss, stale, miss, fallback)",
			},
			[]string{"strategy", "result"},
		),
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "upstream_fetches_total",
				Help:      "Upstream fetches by strategy and result (ok, error-status, network-error)",
			},
			[]string{"strategy", "result"},
		),
		storesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "stores_total",
				Help:      "Cache writes by result",
			},
			[]string{"result"},
		),
		refreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "routecache",
				Name:      "background_refreshes_total",
				Help:      "Stale-while-revalidate background refreshes by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) lookup(strategy Strategy, result string) {
	if m == nil {
		return
	}
	m.lookupsTotal.WithLabelValues(string(strategy), result).Inc()
}

func (m *Metrics) fetch(strategy Strategy, result string) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(string(strategy), result).Inc()
}

func (m *Metrics) store(result string) {
	if m == nil {
		return
	}
	m.storesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) refresh(result string) {
	if m == nil {
		return
	}
	m.refreshesTotal.WithLabelValues(result).Inc()
}
