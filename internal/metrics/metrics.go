package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Chunk ingest metrics
	ChunkUploadTotal *prometheus.CounterVec
	ChunkBytesTotal  *prometheus.CounterVec

	// Assembly metrics
	AssemblyTotal    *prometheus.CounterVec
	AssemblyDuration *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitRejectedTotal *prometheus.CounterVec

	// Expiry sweeper metrics
	SweepTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Chunk ingest metrics
		ChunkUploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_uploads_total",
			Help: "Total number of chunk submissions",
		}, []string{"status"}),

		ChunkBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_bytes_total",
			Help: "Total chunk payload bytes staged",
		}, []string{"status"}),

		// Assembly metrics
		AssemblyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assemblies_total",
			Help: "Total number of artifact assemblies",
		}, []string{"status"}),

		AssemblyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assembly_duration_seconds",
			Help:    "Artifact assembly duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		// Rate limiting metrics
		RateLimitRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejected_total",
			Help: "Total number of requests rejected by the rate limiter",
		}, []string{"category"}),

		// Expiry sweeper metrics
		SweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweep_sessions_total",
			Help: "Total number of sessions processed by the expiry sweeper",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ChunkUploadTotal)
	registerOrGet(m.ChunkBytesTotal)
	registerOrGet(m.AssemblyTotal)
	registerOrGet(m.AssemblyDuration)
	registerOrGet(m.RateLimitRejectedTotal)
	registerOrGet(m.SweepTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
