package observability

import (
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the importer.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	rows            *prometheus.CounterVec
	partitions      *prometheus.CounterVec
	mappingLookups  *prometheus.CounterVec
	classifierCalls *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	tokensUsed      *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "importer_stage_duration_seconds",
				Help:    "Duration of import pipeline stages.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		rows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_rows_total",
				Help: "Rows handled by persistence, by outcome.",
			},
			[]string{"outcome"},
		),
		partitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_detector_rows_total",
				Help: "Rows per duplicate-analysis partition.",
			},
			[]string{"partition"},
		),
		mappingLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_mapping_lookups_total",
				Help: "Mapping lookups by result.",
			},
			[]string{"result"},
		),
		classifierCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_classifier_calls_total",
				Help: "Classifier batch calls by status.",
			},
			[]string{"status"},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_jobs_total",
				Help: "Background jobs finished, by terminal status.",
			},
			[]string{"status"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_llm_tokens_total",
				Help: "Total LLM tokens consumed by the classifier.",
			},
			[]string{"type"},
		),
	}
}

// RecordStage records the duration of a pipeline stage.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordSummary adds one persistence run to the row counters.
func (m *Metrics) RecordSummary(s *domain.ImportSummary) {
	m.rows.WithLabelValues("imported").Add(float64(s.Imported))
	m.rows.WithLabelValues("skipped").Add(float64(s.Skipped))
	m.rows.WithLabelValues("failed").Add(float64(len(s.Errors)))
}

// RecordAnalysis adds one duplicate analysis to the partition counters.
func (m *Metrics) RecordAnalysis(a *domain.DuplicateAnalysis) {
	m.partitions.WithLabelValues("new").Add(float64(len(a.NewTransactions)))
	m.partitions.WithLabelValues("duplicate").Add(float64(len(a.DuplicateTransactions)))
	m.partitions.WithLabelValues("refund").Add(float64(2 * len(a.RefundedTransactions)))
	m.partitions.WithLabelValues("unified_pix").Add(float64(2 * len(a.UnifiedPixTransactions)))
}

// RecordMappingLookups records how many rows were resolved from mappings.
func (m *Metrics) RecordMappingLookups(hits, misses int) {
	m.mappingLookups.WithLabelValues("hit").Add(float64(hits))
	m.mappingLookups.WithLabelValues("miss").Add(float64(misses))
}

// IncrClassifierCall increments the classifier call counter ("success"/"error").
func (m *Metrics) IncrClassifierCall(status string) {
	m.classifierCalls.WithLabelValues(status).Inc()
}

// IncrJob increments the finished job counter.
func (m *Metrics) IncrJob(status domain.JobStatus) {
	m.jobs.WithLabelValues(string(status)).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// Snapshot returns cumulative import counters for GET /v1/metrics/import.
func (m *Metrics) Snapshot() *domain.ImportMetrics {
	hits := getCounterValue(m.mappingLookups, "hit")
	misses := getCounterValue(m.mappingLookups, "miss")
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.ImportMetrics{
		RowsImported:     int64(getCounterValue(m.rows, "imported")),
		RowsFailed:       int64(getCounterValue(m.rows, "failed")),
		RowsSkipped:      int64(getCounterValue(m.rows, "skipped")),
		MappingHitRate:   hitRate,
		ClassifierErrors: int64(getCounterValue(m.classifierCalls, "error")),
		JobsCompleted:    int64(getCounterValue(m.jobs, string(domain.JobCompleted))),
		JobsFailed:       int64(getCounterValue(m.jobs, string(domain.JobFailed))),
		DuplicatesFound:  int64(getCounterValue(m.partitions, "duplicate")),
		RefundPairsFound: int64(getCounterValue(m.partitions, "refund")) / 2,
		UnifiedPixFound:  int64(getCounterValue(m.partitions, "unified_pix")) / 2,
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
