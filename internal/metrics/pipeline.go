package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Item outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// PipelineMetrics contains Prometheus metrics for ingestion and matching runs.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	itemsTotal        *prometheus.CounterVec
	orphanedBlobs     prometheus.Counter
	dedupBackstop     prometheus.Counter
	matchOutcomes     *prometheus.CounterVec
	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	lastRunCompletion *prometheus.GaugeVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewPipelineMetrics creates and registers new pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitemedia_ingest_items_total",
			Help: "Items processed by ingestion runs",
		},
		[]string{"stage", "outcome"}, // stage: fetch, archive, persist, done
	)
	m.orphanedBlobs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sitemedia_orphaned_blobs_total",
		Help: "Blobs archived whose ledger record could not be written",
	})
	m.dedupBackstop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sitemedia_dedup_backstop_total",
		Help: "Inserts rejected by the ledger uniqueness constraint after passing dedup",
	})
	m.matchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitemedia_match_results_total",
			Help: "Geo-match outcomes per record",
		},
		[]string{"outcome"}, // matched, unmatched, no_gps, failed
	)
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitemedia_runs_total",
			Help: "Pipeline runs by kind and status",
		},
		[]string{"kind", "status"},
	)
	m.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitemedia_run_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
		},
		[]string{"kind"},
	)
	m.lastRunCompletion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitemedia_last_run_completion_timestamp_seconds",
			Help: "Unix time of the last completed run",
		},
		[]string{"kind"},
	)

	m.collectors = []prometheus.Collector{
		m.itemsTotal,
		m.orphanedBlobs,
		m.dedupBackstop,
		m.matchOutcomes,
		m.runsTotal,
		m.runDuration,
		m.lastRunCompletion,
	}
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordItem counts one ingestion item at the stage where it finished.
func (m *PipelineMetrics) RecordItem(stage, outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *PipelineMetrics) RecordOrphanedBlob() {
	if m == nil {
		return
	}
	m.orphanedBlobs.Inc()
}

func (m *PipelineMetrics) RecordDedupBackstop() {
	if m == nil {
		return
	}
	m.dedupBackstop.Inc()
}

func (m *PipelineMetrics) RecordMatch(outcome string) {
	if m == nil {
		return
	}
	m.matchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRun records a finished run of the given kind ("ingest" or "match").
func (m *PipelineMetrics) RecordRun(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := OutcomeSuccess
	if err != nil {
		status = OutcomeFailure
	}
	m.runsTotal.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.lastRunCompletion.WithLabelValues(kind).SetToCurrentTime()
}

// WriteTextfile writes every metric in registry to path in the node-exporter
// textfile collector format.
func WriteTextfile(registry *prometheus.Registry, path string) error {
	return prometheus.WriteToTextfile(path, registry)
}
