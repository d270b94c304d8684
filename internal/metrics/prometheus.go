// Package metrics provides Prometheus-based metrics collection for gapscan.
// Collectors live on a private registry so that the events server and the
// textfile report sink expose exactly the scan pipeline's metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/gapscan/internal/ports"
)

const (
	// Namespace for all gapscan metrics
	namespace = "gapscan"

	// Subsystems
	subsystemProbe    = "probe"
	subsystemStrategy = "strategy"
	subsystemSession  = "session"
	subsystemInspect  = "inspect"
	subsystemReport   = "report"
	subsystemAPI      = "api"
	subsystemSystem   = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Probe metrics
	probesTotal    *prometheus.CounterVec
	probeDuration  *prometheus.HistogramVec
	probesInFlight *prometheus.GaugeVec

	// Strategy metrics
	strategyDuration *prometheus.HistogramVec
	strategyOpen     *prometheus.GaugeVec

	// Session metrics
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	anomaliesTotal  prometheus.Counter

	// Inspection and reporting
	inspectionsTotal *prometheus.CounterVec
	sinkWrites       *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec

	uptime prometheus.GaugeFunc

	startTime time.Time
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initProbeMetrics()
	pm.initPipelineMetrics()
	pm.initSystemMetrics()
	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Total number of probes by strategy and resulting port state",
		},
		[]string{"strategy", "state"},
	)

	pm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Duration of individual probes in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"strategy"},
	)

	pm.probesInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "in_flight",
			Help:      "Number of probes currently outstanding",
		},
		[]string{"strategy"},
	)
}

func (pm *PrometheusMetrics) initPipelineMetrics() {
	pm.strategyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStrategy,
			Name:      "duration_seconds",
			Help:      "Duration of a complete strategy run in seconds",
			Buckets:   []float64{0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"strategy", "status"},
	)

	pm.strategyOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemStrategy,
			Name:      "open_ports",
			Help:      "Open ports found by the last run of each strategy",
		},
		[]string{"strategy"},
	)

	pm.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "total",
			Help:      "Total number of scan sessions by terminal outcome",
		},
		[]string{"outcome"},
	)

	pm.sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "duration_seconds",
			Help:      "Duration of scan sessions in seconds",
			Buckets:   []float64{1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
	)

	pm.anomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "anomalies_total",
			Help:      "Open ports found only by the exhaustive strategy",
		},
	)

	pm.inspectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemInspect,
			Name:      "total",
			Help:      "Deep inspections by inspector and status",
		},
		[]string{"inspector", "status"},
	)

	pm.sinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReport,
			Name:      "writes_total",
			Help:      "Report sink writes by sink and status",
		},
		[]string{"sink", "status"},
	)

	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
		func() float64 { return time.Since(pm.startTime).Seconds() },
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.probesTotal,
		pm.probeDuration,
		pm.probesInFlight,
		pm.strategyDuration,
		pm.strategyOpen,
		pm.sessionsTotal,
		pm.sessionDuration,
		pm.anomaliesTotal,
		pm.inspectionsTotal,
		pm.sinkWrites,
		pm.httpRequests,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for node_exporter's textfile collector.
func (pm *PrometheusMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, pm.registry)
}

// ProbeStarted implements probe.Recorder.
func (pm *PrometheusMetrics) ProbeStarted(source ports.Source) {
	pm.probesInFlight.WithLabelValues(source.String()).Inc()
}

// ProbeFinished implements probe.Recorder.
func (pm *PrometheusMetrics) ProbeFinished(source ports.Source, state ports.State, d time.Duration) {
	pm.probesInFlight.WithLabelValues(source.String()).Dec()
	pm.probesTotal.WithLabelValues(source.String(), state.String()).Inc()
	pm.probeDuration.WithLabelValues(source.String()).Observe(d.Seconds())
}

// RecordStrategy records a finished strategy run.
func (pm *PrometheusMetrics) RecordStrategy(source ports.Source, status string, d time.Duration, open int) {
	pm.strategyDuration.WithLabelValues(source.String(), status).Observe(d.Seconds())
	pm.strategyOpen.WithLabelValues(source.String()).Set(float64(open))
}

// RecordSession records a session's terminal outcome.
func (pm *PrometheusMetrics) RecordSession(outcome string, d time.Duration, anomalies int) {
	pm.sessionsTotal.WithLabelValues(outcome).Inc()
	pm.sessionDuration.Observe(d.Seconds())
	pm.anomaliesTotal.Add(float64(anomalies))
}

// RecordInspection records one deep inspection.
func (pm *PrometheusMetrics) RecordInspection(inspector, status string) {
	pm.inspectionsTotal.WithLabelValues(inspector, status).Inc()
}

// RecordSinkWrite records one report sink write.
func (pm *PrometheusMetrics) RecordSinkWrite(sink, status string) {
	pm.sinkWrites.WithLabelValues(sink, status).Inc()
}

// IncrementHTTPRequests increments the HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

var (
	globalMetrics *PrometheusMetrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
