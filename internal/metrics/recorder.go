// Package metrics defines observability hooks for builds, steps, and the work
// queue. Implementations may forward to Prometheus; the NoopRecorder allows
// optional injection.
package metrics

import "time"

// Recorder defines the hooks the orchestrator and queue call. All methods must
// be safe on the NoopRecorder so callers never nil-check.
type Recorder interface {
	ObserveBuildDuration(outcome string, d time.Duration)
	ObserveStepDuration(step string, d time.Duration)
	IncBuildOutcome(outcome string) // queued|success|failed|cancelled|timed_out
	IncStepResult(step string, success bool)
	IncWebhook(event string, accepted bool)
	SetQueueDepth(n int)
	SetActiveBuilds(n int)
	IncLogRecords(n int)
	IncSubscriberDrops()
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) ObserveStepDuration(string, time.Duration)  {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) IncStepResult(string, bool)                 {}
func (NoopRecorder) IncWebhook(string, bool)                    {}
func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) SetActiveBuilds(int)                        {}
func (NoopRecorder) IncLogRecords(int)                          {}
func (NoopRecorder) IncSubscriberDrops()                        {}
