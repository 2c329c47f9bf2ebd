package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ingest metrics
	EventsIngested *prometheus.CounterVec
	IngestLatency  *prometheus.HistogramVec

	// Attribution metrics
	Resolutions       *prometheus.CounterVec
	ResolutionLatency *prometheus.HistogramVec
	CandidateCount    *prometheus.HistogramVec

	// Rollup metrics
	RollupUpserts    *prometheus.CounterVec
	RollupRecomputes *prometheus.CounterVec

	// Job metrics
	JobsProcessed *prometheus.CounterVec
	JobLatency    *prometheus.HistogramVec

	// Archive metrics
	ArchiveBatches *prometheus.CounterVec
	ArchiveDropped *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec
	Panics        *prometheus.CounterVec

	// System metrics
	DBConnections    *prometheus.GaugeVec
	GeoLookupLatency *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry registers all metrics on reg.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Ingest metrics
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Ingested records by kind, channel and outcome",
			},
			[]string{"kind", "channel", "status"},
		),
		IngestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_batch_latency_seconds",
				Help:      "Ingest batch processing latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		),

		// Attribution metrics
		Resolutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_resolutions_total",
				Help:      "Conversion resolutions by model and status",
			},
			[]string{"model", "status"},
		),
		ResolutionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_resolution_latency_seconds",
				Help:      "Time to resolve and persist one conversion",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"model"},
		),
		CandidateCount: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_candidates",
				Help:      "Candidate touchpoints per resolved conversion",
				Buckets:   []float64{0, 1, 2, 3, 5, 10, 25, 50, 100},
			},
			[]string{"model"},
		),

		// Rollup metrics
		RollupUpserts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_upserts_total",
				Help:      "Rollup upserts by outcome",
			},
			[]string{"result"},
		),
		RollupRecomputes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_recomputed_partitions_total",
				Help:      "Partitions refolded by backfill",
			},
			[]string{"status"},
		),

		// Job metrics
		JobsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_processed_total",
				Help:      "Queue jobs handled by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		JobLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_latency_seconds",
				Help:      "Queue job handling latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		),

		// Archive metrics
		ArchiveBatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_batches_total",
				Help:      "ClickHouse archive batches by table and outcome",
			},
			[]string{"table", "status"},
		),
		ArchiveDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_dropped_total",
				Help:      "Events not archived because the buffer was full",
			},
			[]string{"table"},
		),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route category and status code",
			},
			[]string{"category", "code"},
		),
		HTTPLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route category",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"limiter"},
		),
		Panics: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_panics_total",
				Help:      "Handler panics recovered, by route category",
			},
			[]string{"category"},
		),

		// System metrics
		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		GeoLookupLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
			[]string{"result"},
		),

		gatherer: gatherer,
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordIngest records one ingested record outcome.
func (m *Metrics) RecordIngest(kind, channel, status string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(kind, channel, status).Inc()
}

// RecordIngestBatch records batch latency.
func (m *Metrics) RecordIngestBatch(kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.IngestLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordResolution records one attribution run.
func (m *Metrics) RecordResolution(model, status string, candidates int, latency time.Duration) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(model, status).Inc()
	m.ResolutionLatency.WithLabelValues(model).Observe(latency.Seconds())
	m.CandidateCount.WithLabelValues(model).Observe(float64(candidates))
}

// RecordRollupUpsert records whether an upsert changed the ledger.
func (m *Metrics) RecordRollupUpsert(changed bool) {
	if m == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "changed"
	}
	m.RollupUpserts.WithLabelValues(result).Inc()
}

// RecordRecompute records one refolded partition.
func (m *Metrics) RecordRecompute(status string) {
	if m == nil {
		return
	}
	m.RollupRecomputes.WithLabelValues(status).Inc()
}

// RecordJob records a handled queue job.
func (m *Metrics) RecordJob(kind, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(kind, status).Inc()
	m.JobLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordArchiveBatch records a flushed archive batch.
func (m *Metrics) RecordArchiveBatch(table, status string) {
	if m == nil {
		return
	}
	m.ArchiveBatches.WithLabelValues(table, status).Inc()
}

// RecordArchiveDrop records an event dropped by the archive buffer.
func (m *Metrics) RecordArchiveDrop(table string) {
	if m == nil {
		return
	}
	m.ArchiveDropped.WithLabelValues(table).Inc()
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(category, code string, latency time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(category, code).Inc()
	m.HTTPLatency.WithLabelValues(category).Observe(latency.Seconds())
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limiter).Inc()
}

// RecordPanic records a recovered handler panic.
func (m *Metrics) RecordPanic(category string) {
	if m == nil {
		return
	}
	m.Panics.WithLabelValues(category).Inc()
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.GeoLookupLatency.WithLabelValues(result).Observe(latency.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
