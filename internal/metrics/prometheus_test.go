package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	require.NotNil(t, pm)
	require.NotNil(t, pm.GetRegistry())

	pm.UpdateSystemMetrics()
	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	after := pm.GetUptime()
	assert.Greater(t, after, before)
	assert.False(t, pm.GetLastUpdate().IsZero())
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()
	pm.IncrementScansTotal("tcp", "COMPLETED")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, "portscope_system_uptime_seconds"))
	assert.True(t, strings.Contains(body, `portscope_scan_total{protocol="tcp",status="COMPLETED"} 1`))
}

func TestPrometheusMetrics_ScanMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementScansTotal("tcp", "COMPLETED")
	pm.IncrementScansTotal("tcp", "COMPLETED")
	pm.IncrementScansTotal("udp", "STOPPED")
	assert.Equal(t, 2, testutil.CollectAndCount(pm.scansTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.scansTotal.WithLabelValues("tcp", "COMPLETED")))

	pm.RecordScanDuration("tcp", 5*time.Second)
	pm.RecordScanDuration("udp", 2*time.Second)
	assert.Equal(t, 2, testutil.CollectAndCount(pm.scanDuration))

	pm.IncrementPortsScanned("tcp", "OPEN")
	pm.IncrementPortsScanned("tcp", "CLOSED")
	pm.IncrementPortsScanned("tcp", "CLOSED")
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.portsScanned.WithLabelValues("tcp", "CLOSED")))

	pm.AddActiveScans(2)
	pm.AddActiveScans(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.activeScans))

	pm.ObserveRiskScore(5.6)
	assert.Equal(t, 1, testutil.CollectAndCount(pm.riskScore))
}

func TestPrometheusMetrics_ProbeAndAssessmentMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordProbeDuration("tcp", 3*time.Millisecond)
	pm.IncrementProbeRetries("udp")
	pm.IncrementTaskPanics()
	pm.IncrementAnomalies("response_time")
	pm.IncrementAnomalies("banner")
	pm.IncrementVulnLookups("hit")
	pm.IncrementDroppedEvents()
	pm.AddSubscribers(3)

	assert.Equal(t, 1, testutil.CollectAndCount(pm.probeDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.probeRetries.WithLabelValues("udp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.taskPanics))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.anomalies))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.vulnLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.droppedEvents))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.subscribers))
}

func TestPrometheusMetrics_APIMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementHTTPRequests("GET", "/api/v1/scans", "200")
	pm.IncrementHTTPRequests("POST", "/api/v1/scans", "202")
	pm.RecordHTTPDuration("GET", "/api/v1/scans", 20*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(pm.httpRequests))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.httpDuration))
}

func TestPrometheusMetrics_StartPeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic updates did not stop after cancel")
	}
	assert.Greater(t, testutil.ToFloat64(pm.goroutines), 0.0)
}

func TestPrometheusMetrics_GlobalInstance(t *testing.T) {
	a := GetGlobalMetrics()
	b := GetGlobalMetrics()
	assert.Same(t, a, b)
}
