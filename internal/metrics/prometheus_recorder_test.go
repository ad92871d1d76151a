package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prom.Registry, name string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.NotEmpty(t, mf.GetMetric())
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue(), true
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue(), true
		case m.GetHistogram() != nil:
			return float64(m.GetHistogram().GetSampleCount()), true
		}
	}
	return 0, false
}

func TestPrometheusRecorder_RecordsAllSeries(t *testing.T) {
	reg := prom.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.ObserveBuildDuration("success", 3*time.Second)
	rec.ObserveStepDuration("compile", time.Second)
	rec.IncBuildOutcome("failed")
	rec.IncStepResult("test", false)
	rec.IncWebhook("push", true)
	rec.SetQueueDepth(4)
	rec.SetActiveBuilds(2)
	rec.IncLogRecords(7)
	rec.IncSubscriberDrops()

	for name, want := range map[string]float64{
		"ando_build_duration_seconds":     1, // sample count
		"ando_step_duration_seconds":      1,
		"ando_build_outcomes_total":       1,
		"ando_step_results_total":         1,
		"ando_webhooks_total":             1,
		"ando_queue_depth":                4,
		"ando_active_builds":              2,
		"ando_log_records_total":          7,
		"ando_log_subscriber_drops_total": 1,
	} {
		got, found := gatherValue(t, reg, name)
		require.True(t, found, name)
		assert.Equal(t, want, got, name)
	}
}

func TestPrometheusRecorder_NilIsSafe(t *testing.T) {
	var rec *PrometheusRecorder
	rec.IncBuildOutcome("success")
	rec.SetQueueDepth(1)
	rec.IncSubscriberDrops()
}

func TestNoopRecorder_SatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveBuildDuration("success", time.Second)
	r.IncWebhook("push", false)
	r.SetActiveBuilds(3)
}
