package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type IndexerMetrics struct {
	rowsIndexed *prometheus.CounterVec
	indexErrors *prometheus.CounterVec
	exports     *prometheus.CounterVec
	lastEvent   prometheus.Gauge
}

var (
	indexerOnce     sync.Once
	indexerRegistry *IndexerMetrics
)

func Indexer() *IndexerMetrics {
	indexerOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			rowsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "payfwd_indexer_rows_total",
				Help: "Count of rows written to the index by table.",
			}, []string{"table"}),
			indexErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "payfwd_indexer_errors_total",
				Help: "Count of indexing failures by stage.",
			}, []string{"stage"}),
			exports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "payfwd_indexer_exports_total",
				Help: "Count of completed export runs by format.",
			}, []string{"format"}),
			lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "payfwd_indexer_last_sequence",
				Help: "Sequence number of the last bus event applied to the index.",
			}),
		}
		prometheus.MustRegister(
			indexerRegistry.rowsIndexed,
			indexerRegistry.indexErrors,
			indexerRegistry.exports,
			indexerRegistry.lastEvent,
		)
	})
	return indexerRegistry
}

func (m *IndexerMetrics) ObserveRow(table string) {
	if m == nil {
		return
	}
	if table == "" {
		table = "unknown"
	}
	m.rowsIndexed.WithLabelValues(table).Inc()
}

func (m *IndexerMetrics) ObserveError(stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	m.indexErrors.WithLabelValues(stage).Inc()
}

func (m *IndexerMetrics) ObserveExport(format string) {
	if m == nil {
		return
	}
	if format == "" {
		format = "unknown"
	}
	m.exports.WithLabelValues(format).Inc()
}

func (m *IndexerMetrics) SetLastSequence(sequence uint64) {
	if m == nil {
		return
	}
	m.lastEvent.Set(float64(sequence))
}
