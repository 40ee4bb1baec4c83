package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Deployments(t *testing.T) {
	m := New()
	m.ObserveDeployment("succeeded", 2*time.Second)
	m.ObserveDeployment("succeeded", time.Second)
	m.ObserveDeployment("recovered", 10*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deployments.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deployments.WithLabelValues("recovered")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.deployDuration))
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetInFlight(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deployInFlight))
	m.SetInFlight(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.deployInFlight))

	m.SetBackups(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.backupsRetained))
}

func TestMetrics_HandlerExposesNamespace(t *testing.T) {
	m := New()
	m.ObserveProbe("running")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `singbox_agent_health_probes_total{result="running"} 1`)
	assert.Contains(t, string(body), "singbox_agent_deploy_in_flight 0")
}
