package report

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/anstrom/gapscan/internal/scanning"
)

// MetricsFile is the Prometheus textfile written into the session directory.
const MetricsFile = "metrics.prom"

// TextfileWriter dumps a metrics registry in the Prometheus text format.
// *metrics.PrometheusMetrics implements it.
type TextfileWriter interface {
	WriteTextfile(path string) error
}

// MetricsSink snapshots the process metrics next to the result, in a form
// node_exporter's textfile collector can pick up.
type MetricsSink struct {
	metrics TextfileWriter
}

// NewMetricsSink creates a metrics textfile sink.
func NewMetricsSink(m TextfileWriter) *MetricsSink {
	return &MetricsSink{metrics: m}
}

// Name implements Sink.
func (*MetricsSink) Name() string { return "metrics" }

// Write implements Sink.
func (m *MetricsSink) Write(_ context.Context, dir string, _ *scanning.ScanResult) error {
	if dir == "" {
		return fmt.Errorf("metrics sink needs an output directory")
	}
	return m.metrics.WriteTextfile(filepath.Join(dir, MetricsFile))
}
