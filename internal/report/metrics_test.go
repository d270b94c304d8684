package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/gapscan/internal/metrics"
)

func TestMetricsSinkWritesTextfile(t *testing.T) {
	pm := metrics.NewPrometheusMetrics()
	pm.RecordSession("completed", 3*time.Second, 1)

	dir := t.TempDir()
	require.NoError(t, NewMetricsSink(pm).Write(context.Background(), dir, sampleResult()))

	data, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "gapscan_session_anomalies_total 1")
}

func TestMetricsSinkNeedsDirectory(t *testing.T) {
	err := NewMetricsSink(metrics.NewPrometheusMetrics()).Write(context.Background(), "", sampleResult())
	assert.Error(t, err)
}
