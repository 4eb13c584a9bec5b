package storage

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type StoreMetrics struct {
	registerer         prometheus.Registerer
	operations         *prometheus.CounterVec
	compactions        prometheus.Counter
	compactionsFailed  prometheus.Counter
	compactionDuration prometheus.Summary
	reclaimedBytes     prometheus.Counter
	keys               prometheus.Gauge
	staleBytes         prometheus.Gauge
}

func NewStoreMetrics(registerer prometheus.Registerer) (*StoreMetrics, error) {
	m := &StoreMetrics{}

	m.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operations_total",
		Help: "Total number of store operations by type.",
	}, []string{"op"})

	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_total",
		Help: "Total number of completed compactions.",
	})

	m.compactionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_failed_total",
		Help: "Total number of compactions that failed.",
	})

	m.compactionDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "compaction_duration_seconds",
		Help:       "Duration of compactions.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.reclaimedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compaction_reclaimed_bytes_total",
		Help: "Total number of stale bytes dropped by compaction.",
	})

	m.keys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keys",
		Help: "Number of live keys.",
	})

	m.staleBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stale_bytes",
		Help: "Bytes of records that no live key refers to.",
	})

	if registerer == nil {
		return m, nil
	}

	r := prometheus.WrapRegistererWithPrefix("kvs_store_", registerer)
	for i, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			for _, registered := range m.collectors()[:i] {
				r.Unregister(registered)
			}
			return nil, errors.Wrap(err, "register store metrics")
		}
	}
	m.registerer = r

	return m, nil
}

func (m *StoreMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.operations,
		m.compactions,
		m.compactionsFailed,
		m.compactionDuration,
		m.reclaimedBytes,
		m.keys,
		m.staleBytes,
	}
}

func (m *StoreMetrics) unregister() {
	if m.registerer == nil {
		return
	}

	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
}
