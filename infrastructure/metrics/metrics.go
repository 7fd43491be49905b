// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/chain-monitor/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Ingestion metrics
	BlocksIngestedTotal   *prometheus.CounterVec
	IngestionTxDuration   *prometheus.HistogramVec

	// Alert matching metrics
	AlertMatchDuration   *prometheus.HistogramVec
	NotificationsCreated *prometheus.CounterVec

	// Dispatch metrics
	NotificationsDispatched *prometheus.CounterVec
	DispatchDuration        *prometheus.HistogramVec
	CircuitBreakerState     *prometheus.GaugeVec
	DLQStaleCount           prometheus.Gauge

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Ingestion metrics
		BlocksIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainmonitor_blocks_ingested_total",
				Help: "Total number of blocks applied by the ingestion engine",
			},
			[]string{"outcome"},
		),
		IngestionTxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainmonitor_ingestion_tx_duration_seconds",
				Help:    "Duration of the ingestion engine's database transaction per payload",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"outcome"},
		),

		// Alert matching metrics
		AlertMatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainmonitor_alert_match_duration_seconds",
				Help:    "Duration of rule matching per transaction",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"tx_kind", "event_count_bucket"},
		),
		NotificationsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainmonitor_notifications_created_total",
				Help: "Total number of notifications created by the alert matcher",
			},
			[]string{"channel"},
		),

		// Dispatch metrics
		NotificationsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainmonitor_notifications_dispatched_total",
				Help: "Total number of dispatch attempts, by channel and outcome",
			},
			[]string{"channel", "status"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainmonitor_dispatch_duration_seconds",
				Help:    "Duration of a single dispatch attempt",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainmonitor_circuit_breaker_state",
				Help: "Circuit breaker state per channel (0=closed, 1=half-open, 2=open)",
			},
			[]string{"channel"},
		),
		DLQStaleCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainmonitor_dlq_stale_count",
				Help: "Number of unresolved DLQ rows older than the configured staleness window",
			},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.BlocksIngestedTotal,
			m.IngestionTxDuration,
			m.AlertMatchDuration,
			m.NotificationsCreated,
			m.NotificationsDispatched,
			m.DispatchDuration,
			m.CircuitBreakerState,
			m.DLQStaleCount,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordIngestion records the outcome of applying one payload in the ingestion engine.
func (m *Metrics) RecordIngestion(outcome string, duration time.Duration) {
	m.BlocksIngestedTotal.WithLabelValues(outcome).Inc()
	m.IngestionTxDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAlertMatch records how long rule matching took for one transaction,
// tagged by transaction kind and a coarse event-count bucket so a
// high-cardinality raw count never becomes a label value.
func (m *Metrics) RecordAlertMatch(txKind string, eventCount int, duration time.Duration) {
	m.AlertMatchDuration.WithLabelValues(txKind, eventCountBucket(eventCount)).Observe(duration.Seconds())
}

// eventCountBucket coarsens a transaction's event count into a small,
// fixed set of label values.
func eventCountBucket(eventCount int) string {
	switch {
	case eventCount == 0:
		return "0"
	case eventCount <= 5:
		return "1-5"
	case eventCount <= 20:
		return "6-20"
	default:
		return "20+"
	}
}

// RecordNotificationCreated records a notification row created by the matcher.
func (m *Metrics) RecordNotificationCreated(channel string) {
	m.NotificationsCreated.WithLabelValues(channel).Inc()
}

// RecordDispatch records a dispatch attempt outcome and duration.
func (m *Metrics) RecordDispatch(channel, status string, duration time.Duration) {
	m.NotificationsDispatched.WithLabelValues(channel, status).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// SetCircuitBreakerState reports the current circuit breaker state for a channel.
func (m *Metrics) SetCircuitBreakerState(channel string, state int) {
	m.CircuitBreakerState.WithLabelValues(channel).Set(float64(state))
}

// SetDLQStaleCount reports the current count of unresolved, stale DLQ rows.
func (m *Metrics) SetDLQStaleCount(count int) {
	m.DLQStaleCount.Set(float64(count))
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	if raw, ok := runtime.ParseEnvInt("METRICS_ENABLED"); ok {
		return raw != 0
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED"))) {
	case "true", "yes", "y", "on":
		return true
	case "false", "no", "n", "off":
		return false
	}
	return !runtime.IsProduction()
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
