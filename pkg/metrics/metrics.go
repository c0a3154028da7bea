package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Filter translation metrics
var (
	FilterTranslationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactdir_filter_translations_total",
			Help: "Total number of search terms translated to LDAP filters",
		},
		[]string{"result"},
	)

	FilterDroppedFieldsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contactdir_filter_dropped_fields_total",
			Help: "Comparisons dropped because their field has no directory attribute",
		},
	)

	FilterRangeRewritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contactdir_filter_range_rewrites_total",
			Help: "Greater-or-equal / less-than pairs rewritten into first-letter prefix disjunctions",
		},
	)

	FilterFoldersExtractedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contactdir_filter_folders_extracted_total",
			Help: "Folder comparisons pulled out of search terms",
		},
	)
)

// Directory metrics
var (
	DirectorySearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactdir_directory_searches_total",
			Help: "Total number of directory searches",
		},
		[]string{"operation", "status"},
	)

	DirectorySearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contactdir_directory_search_duration_seconds",
			Help:    "Duration of directory round trips in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"operation"},
	)

	DirectoryEntriesReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contactdir_directory_entries_returned",
			Help:    "Number of contacts returned per search",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	DirectoryRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactdir_directory_retries_total",
			Help: "Total number of retried directory operations",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contactdir_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

// Search cache metrics
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactdir_search_cache_operations_total",
			Help: "Total number of search cache lookups",
		},
		[]string{"result"},
	)

	CacheEntriesCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contactdir_search_cache_entries",
			Help: "Current number of cached search results",
		},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contactdir_search_cache_evictions_total",
			Help: "Cached search results removed by expiry or size limit",
		},
	)
)

// Health check metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contactdir_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactdir_component_health_checks_total",
			Help: "Total number of health checks by resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contactdir_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"component"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactdir_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contactdir_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
