package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	buildDuration   *prom.HistogramVec
	stepDuration    *prom.HistogramVec
	buildOutcomes   *prom.CounterVec
	stepResults     *prom.CounterVec
	webhooks        *prom.CounterVec
	queueDepth      prom.Gauge
	activeBuilds    prom.Gauge
	logRecords      prom.Counter
	subscriberDrops prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "ando",
			Name:      "build_duration_seconds",
			Help:      "Total build duration by outcome",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}, []string{"outcome"})
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "ando",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual build steps",
			Buckets:   prom.DefBuckets,
		}, []string{"step"})
		pr.buildOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ando",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.stepResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ando",
			Name:      "step_results_total",
			Help:      "Step result counts by outcome",
		}, []string{"step", "result"})
		pr.webhooks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ando",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by event and disposition",
		}, []string{"event", "disposition"})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "ando",
			Name:      "queue_depth",
			Help:      "Builds waiting in the work queue",
		})
		pr.activeBuilds = prom.NewGauge(prom.GaugeOpts{
			Namespace: "ando",
			Name:      "active_builds",
			Help:      "Builds currently running",
		})
		pr.logRecords = prom.NewCounter(prom.CounterOpts{
			Namespace: "ando",
			Name:      "log_records_total",
			Help:      "Log records appended across all builds",
		})
		pr.subscriberDrops = prom.NewCounter(prom.CounterOpts{
			Namespace: "ando",
			Name:      "log_subscriber_drops_total",
			Help:      "Subscribers dropped for falling behind the log stream",
		})
		reg.MustRegister(pr.buildDuration, pr.stepDuration, pr.buildOutcomes, pr.stepResults,
			pr.webhooks, pr.queueDepth, pr.activeBuilds, pr.logRecords, pr.subscriberDrops)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(outcome string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcomes == nil {
		return
	}
	p.buildOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncStepResult(step string, success bool) {
	if p == nil || p.stepResults == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	p.stepResults.WithLabelValues(step, result).Inc()
}

func (p *PrometheusRecorder) IncWebhook(event string, accepted bool) {
	if p == nil || p.webhooks == nil {
		return
	}
	disposition := "ignored"
	if accepted {
		disposition = "accepted"
	}
	p.webhooks.WithLabelValues(event, disposition).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) {
	if p == nil || p.activeBuilds == nil {
		return
	}
	p.activeBuilds.Set(float64(n))
}

func (p *PrometheusRecorder) IncLogRecords(n int) {
	if p == nil || p.logRecords == nil {
		return
	}
	p.logRecords.Add(float64(n))
}

func (p *PrometheusRecorder) IncSubscriberDrops() {
	if p == nil || p.subscriberDrops == nil {
		return
	}
	p.subscriberDrops.Inc()
}
