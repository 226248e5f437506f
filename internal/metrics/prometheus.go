// Package metrics provides Prometheus-based metrics collection for portscope.
// Collectors live on a private registry so tests can build isolated instances;
// the process-wide instance is reached through GetGlobalMetrics.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all portscope metrics
	namespace = "portscope"

	// Subsystems
	subsystemScan    = "scan"
	subsystemProbe   = "probe"
	subsystemAnomaly = "anomaly"
	subsystemVulnDB  = "vulndb"
	subsystemStream  = "stream"
	subsystemAPI     = "api"
	subsystemSystem  = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	portsScanned *prometheus.CounterVec
	activeScans  prometheus.Gauge
	riskScore    prometheus.Histogram

	// Probe metrics
	probeDuration *prometheus.HistogramVec
	probeRetries  *prometheus.CounterVec
	taskPanics    prometheus.Counter

	// Anomaly metrics
	anomalies *prometheus.CounterVec

	// Vulnerability lookup metrics
	vulnLookups *prometheus.CounterVec

	// Progress stream metrics
	droppedEvents prometheus.Counter
	subscribers   prometheus.Gauge

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initProbeMetrics()
	pm.initAssessmentMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of scans by protocol and terminal status",
		},
		[]string{"protocol", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scans in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
		[]string{"protocol"},
	)

	pm.portsScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "ports_total",
			Help:      "Total number of ports classified, by protocol and state",
		},
		[]string{"protocol", "state"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of scans currently running",
		},
	)

	pm.riskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "risk_score",
			Help:      "Risk scores of generated security reports",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		},
	)
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Duration of single port probes in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"protocol"},
	)

	pm.probeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "retries_total",
			Help:      "Total number of port re-probes by protocol",
		},
		[]string{"protocol"},
	)

	pm.taskPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "task_panics_total",
			Help:      "Total number of recovered panics in port tasks",
		},
	)
}

func (pm *PrometheusMetrics) initAssessmentMetrics() {
	pm.anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAnomaly,
			Name:      "detected_total",
			Help:      "Total number of anomalous observations by rule",
		},
		[]string{"kind"},
	)

	pm.vulnLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVulnDB,
			Name:      "lookups_total",
			Help:      "Total number of vulnerability lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	pm.droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStream,
			Name:      "dropped_events_total",
			Help:      "Progress events dropped because a subscriber fell behind",
		},
	)

	pm.subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemStream,
			Name:      "subscribers",
			Help:      "Number of attached progress subscribers",
		},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.portsScanned,
		pm.activeScans,
		pm.riskScore,
		pm.probeDuration,
		pm.probeRetries,
		pm.taskPanics,
		pm.anomalies,
		pm.vulnLookups,
		pm.droppedEvents,
		pm.subscribers,
		pm.httpRequests,
		pm.httpDuration,
		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// IncrementScansTotal counts a scan reaching a terminal status
func (pm *PrometheusMetrics) IncrementScansTotal(protocol, status string) {
	pm.scansTotal.WithLabelValues(protocol, status).Inc()
}

// RecordScanDuration records a scan duration
func (pm *PrometheusMetrics) RecordScanDuration(protocol string, duration time.Duration) {
	pm.scanDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// IncrementPortsScanned counts a classified port
func (pm *PrometheusMetrics) IncrementPortsScanned(protocol, state string) {
	pm.portsScanned.WithLabelValues(protocol, state).Inc()
}

// AddActiveScans adjusts the running scan gauge by delta
func (pm *PrometheusMetrics) AddActiveScans(delta int) {
	pm.activeScans.Add(float64(delta))
}

// ObserveRiskScore records the risk score of a generated report
func (pm *PrometheusMetrics) ObserveRiskScore(score float64) {
	pm.riskScore.Observe(score)
}

// RecordProbeDuration records how long one probe took
func (pm *PrometheusMetrics) RecordProbeDuration(protocol string, duration time.Duration) {
	pm.probeDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// IncrementProbeRetries counts a re-probe
func (pm *PrometheusMetrics) IncrementProbeRetries(protocol string) {
	pm.probeRetries.WithLabelValues(protocol).Inc()
}

// IncrementTaskPanics counts a recovered task panic
func (pm *PrometheusMetrics) IncrementTaskPanics() {
	pm.taskPanics.Inc()
}

// IncrementAnomalies counts an anomaly by the rule that flagged it
func (pm *PrometheusMetrics) IncrementAnomalies(kind string) {
	pm.anomalies.WithLabelValues(kind).Inc()
}

// IncrementVulnLookups counts a vulnerability lookup by result
func (pm *PrometheusMetrics) IncrementVulnLookups(result string) {
	pm.vulnLookups.WithLabelValues(result).Inc()
}

// IncrementDroppedEvents counts a progress event dropped for a slow subscriber
func (pm *PrometheusMetrics) IncrementDroppedEvents() {
	pm.droppedEvents.Inc()
}

// AddSubscribers adjusts the subscriber gauge by delta
func (pm *PrometheusMetrics) AddSubscribers(delta int) {
	pm.subscribers.Add(float64(delta))
}

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, route, status string) {
	pm.httpRequests.WithLabelValues(method, route, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, route string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())

	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
