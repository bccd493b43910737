package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestGinMiddlewareRecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/environments/:id", func(c *gin.Context) {
		c.Status(204)
	})

	req := httptest.NewRequest("GET", "/environments/abc-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 204 {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	if !metricCounterGreaterOrEqual(t, "spyre_http_requests_total", map[string]string{
		"method": "GET",
		"route":  "/environments/:id",
		"status": "204",
	}, 1) {
		t.Fatalf("expected http request counter to increment, keyed by route pattern not raw path")
	}

	if !metricHistogramCountGreaterOrEqual(t, "spyre_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"route":  "/environments/:id",
	}, 1) {
		t.Fatalf("expected http duration histogram to record a sample")
	}
}

func TestGinMiddlewareFallsBackToUnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())

	req := httptest.NewRequest("GET", "/does/not/exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if !metricCounterGreaterOrEqual(t, "spyre_http_requests_total", map[string]string{
		"method": "GET",
		"route":  "unmatched",
		"status": "404",
	}, 1) {
		t.Fatalf("expected unmatched routes to be labeled \"unmatched\" rather than the raw path")
	}
}

func TestRecordTaskCompletion(t *testing.T) {
	SetTasksActive(3)
	if !metricGaugeEquals(t, "spyre_dispatcher_tasks_active", nil, 3) {
		t.Fatalf("expected tasks_active gauge to be set")
	}

	RecordTaskCompletion("completed", 2*time.Second)
	if !metricCounterGreaterOrEqual(t, "spyre_dispatcher_tasks_total", map[string]string{"status": "completed"}, 1) {
		t.Fatalf("expected task completion counter to increase")
	}
	if !metricHistogramCountGreaterOrEqual(t, "spyre_dispatcher_task_duration_seconds", map[string]string{"status": "completed"}, 1) {
		t.Fatalf("expected task duration histogram to record a sample")
	}

	// a zero duration (e.g. Cancel before dispatch) must not record a bogus sample.
	before := histogramSampleCount(t, "spyre_dispatcher_task_duration_seconds", map[string]string{"status": "cancelled"})
	RecordTaskCompletion("cancelled", 0)
	if !metricCounterGreaterOrEqual(t, "spyre_dispatcher_tasks_total", map[string]string{"status": "cancelled"}, 1) {
		t.Fatalf("expected cancelled counter to increase even with zero duration")
	}
	after := histogramSampleCount(t, "spyre_dispatcher_task_duration_seconds", map[string]string{"status": "cancelled"})
	if after != before {
		t.Fatalf("expected zero duration to be skipped, not observed")
	}
}

func TestRecordStepCompletion(t *testing.T) {
	RecordStepCompletion("code_task", "step_error")
	if !metricCounterGreaterOrEqual(t, "spyre_pipeline_steps_total", map[string]string{
		"type":   "code_task",
		"status": "step_error",
	}, 1) {
		t.Fatalf("expected pipeline step counter to increase")
	}

	SetPipelinesActive(2)
	if !metricGaugeEquals(t, "spyre_pipeline_pipelines_active", nil, 2) {
		t.Fatalf("expected pipelines_active gauge to be set")
	}
}

func TestRecordAgentCompletionAndWaveSize(t *testing.T) {
	RecordAgentCompletion("completed")
	if !metricCounterGreaterOrEqual(t, "spyre_orchestrator_agents_total", map[string]string{"status": "completed"}, 1) {
		t.Fatalf("expected agent completion counter to increase")
	}

	RecordWaveSize(4)
	if !metricHistogramCountGreaterOrEqual(t, "spyre_orchestrator_wave_size", nil, 1) {
		t.Fatalf("expected wave size histogram to record a sample")
	}
}

func TestSSHPoolMetrics(t *testing.T) {
	SetSSHPoolConnectionsActive(5)
	if !metricGaugeEquals(t, "spyre_sshpool_connections_active", nil, 5) {
		t.Fatalf("expected connections_active gauge to be set")
	}

	RecordSSHDialError("env-1")
	if !metricCounterGreaterOrEqual(t, "spyre_sshpool_dial_errors_total", map[string]string{"environment_id": "env-1"}, 1) {
		t.Fatalf("expected dial error counter to increase for a named environment")
	}

	RecordSSHDialError("")
	if !metricCounterGreaterOrEqual(t, "spyre_sshpool_dial_errors_total", map[string]string{"environment_id": "unknown"}, 1) {
		t.Fatalf("expected an empty environment id to fall back to the \"unknown\" label")
	}
}

func TestRecordProvisioningPhase(t *testing.T) {
	RecordProvisioningPhase("base_image", "ok")
	if !metricCounterGreaterOrEqual(t, "spyre_provisioner_phase_total", map[string]string{
		"phase":  "base_image",
		"status": "ok",
	}, 1) {
		t.Fatalf("expected provisioning phase counter to increase")
	}
}

func TestRecordRecoveryLost(t *testing.T) {
	RecordRecoveryLost("step")
	if !metricCounterGreaterOrEqual(t, "spyre_recovery_lost_total", map[string]string{"kind": "step"}, 1) {
		t.Fatalf("expected recovery lost counter to increase for kind=step")
	}

	RecordRecoveryLost("agent")
	if !metricCounterGreaterOrEqual(t, "spyre_recovery_lost_total", map[string]string{"kind": "agent"}, 1) {
		t.Fatalf("expected recovery lost counter to increase for kind=agent")
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricGaugeEquals(t *testing.T, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetGauge() != nil {
				return metric.GetGauge().GetValue() == expected
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	return histogramSampleCount(t, name, labels) >= min
}

func histogramSampleCount(t *testing.T, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
