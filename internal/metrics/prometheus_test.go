package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/gapscan/internal/ports"
)

func TestProbeRecorder(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ProbeStarted(ports.FastScan)
	pm.ProbeStarted(ports.FastScan)
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.probesInFlight.WithLabelValues("fast")))

	pm.ProbeFinished(ports.FastScan, ports.Open, 3*time.Millisecond)
	pm.ProbeFinished(ports.FastScan, ports.Closed, time.Millisecond)

	assert.Equal(t, 0.0, testutil.ToFloat64(pm.probesInFlight.WithLabelValues("fast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.probesTotal.WithLabelValues("fast", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.probesTotal.WithLabelValues("fast", "closed")))
}

func TestPipelineMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordStrategy(ports.ExhaustiveScan, "ok", 2*time.Second, 4)
	pm.RecordSession("done", 5*time.Second, 1)
	pm.RecordSession("failed", time.Second, 0)
	pm.RecordInspection("banner", "ok")
	pm.RecordSinkWrite("json", "ok")

	assert.Equal(t, 4.0, testutil.ToFloat64(pm.strategyOpen.WithLabelValues("exhaustive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.sessionsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.anomaliesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.inspectionsTotal.WithLabelValues("banner", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.sinkWrites.WithLabelValues("json", "ok")))
}

func TestHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.IncrementHTTPRequests("GET", "/healthz", "200")

	rr := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "gapscan_system_uptime_seconds")
	assert.Contains(t, body, `gapscan_api_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestWriteTextfile(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.RecordSession("done", time.Second, 2)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, pm.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "gapscan_session_anomalies_total 2"))
}

func TestGlobalMetricsSingleton(t *testing.T) {
	assert.Same(t, GetGlobalMetrics(), GetGlobalMetrics())
	assert.Greater(t, GetGlobalMetrics().GetUptime(), time.Duration(0))
}
