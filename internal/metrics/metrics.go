package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CompaniesProcessed tracks companies run through the enricher chain, by outcome
	// (enriched, partial, failed).
	CompaniesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_companies_processed_total",
			Help: "Total number of companies processed by the pipeline",
		},
		[]string{"outcome"},
	)

	// EnricherAttempts tracks individual enricher invocations (including retries).
	EnricherAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_enricher_attempts_total",
			Help: "Total number of enricher invocations",
		},
		[]string{"enricher", "status"},
	)

	// EnricherFailures tracks (company, enricher) pairs that exhausted their retries.
	EnricherFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_enricher_failures_total",
			Help: "Total number of enrichments that failed after retries",
		},
		[]string{"enricher"},
	)

	// EnricherLatency tracks the latency of single enricher invocations.
	EnricherLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichment_enricher_latency_seconds",
			Help:    "Enricher invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"enricher"},
	)

	// CacheLookups tracks enrichment cache hits and misses.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_cache_lookups_total",
			Help: "Total number of enrichment cache lookups",
		},
		[]string{"enricher", "result"},
	)

	// Flushes tracks batch upserts by status (ok, error).
	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_flushes_total",
			Help: "Total number of batch flushes",
		},
		[]string{"status"},
	)

	// FlushDuration tracks batch upsert latency.
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_flush_duration_seconds",
			Help:    "Batch flush latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BatchSize tracks the number of companies per flush.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_batch_size",
			Help:    "Number of companies per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// AuditWriteFailures tracks audit log entries that could not be written.
	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichment_audit_write_failures_total",
			Help: "Total number of audit log entries dropped because the write failed",
		},
	)

	// LastRunTimestamp is the unix time the last run completed.
	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrichment_last_run_timestamp_seconds",
			Help: "Unix time of the last completed pipeline run",
		},
	)
)
