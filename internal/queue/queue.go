// Package queue is the in-process work queue feeding build workers. Each
// worker owns one build end-to-end; per-container serialization happens in
// the container manager, not here.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/ando/internal/logfields"
	"git.home.luguber.info/inful/ando/internal/metrics"
	"git.home.luguber.info/inful/ando/internal/retry"
)

// ErrFull is returned when the queue buffer is at capacity.
var ErrFull = errors.New("build queue is full")

// Job is one queued build.
type Job struct {
	JobID     string
	BuildID   int64
	ProjectID int64
	QueuedAt  time.Time

	cancel context.CancelFunc
}

// Runner executes one build to a terminal state. Errors returned here mean
// the runner itself could not complete; build failures are recorded in the
// store and are not errors.
type Runner interface {
	Run(ctx context.Context, buildID int64) error
}

// Queue dispatches jobs to a fixed pool of workers.
type Queue struct {
	jobs     chan *Job
	workers  int
	runner   Runner
	policy   retry.Policy
	recorder metrics.Recorder
	logger   *slog.Logger

	mu     sync.RWMutex
	active map[int64]*Job

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a queue with the given buffer size and worker count.
func New(maxSize, workers int, runner Runner, logger *slog.Logger) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if workers <= 0 {
		workers = 2
	}
	if runner == nil {
		panic("queue.New: runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:     make(chan *Job, maxSize),
		workers:  workers,
		runner:   runner,
		policy:   retry.DefaultPolicy(),
		recorder: metrics.NoopRecorder{},
		logger:   logger,
		active:   make(map[int64]*Job),
		stopChan: make(chan struct{}),
	}
}

// SetRecorder injects a metrics recorder.
func (q *Queue) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	q.recorder = r
}

// SetRetryPolicy overrides the transient-error retry policy.
func (q *Queue) SetRetryPolicy(p retry.Policy) {
	if err := p.Validate(); err == nil {
		q.policy = p
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info("starting build queue", slog.Int("workers", q.workers), slog.Int("capacity", cap(q.jobs)))
	for i := range q.workers {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop cancels active builds and waits for workers to drain.
func (q *Queue) Stop() {
	close(q.stopChan)
	q.mu.Lock()
	for _, job := range q.active {
		if job.cancel != nil {
			job.cancel()
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue queues a build and returns its job ID. Fails fast when full so
// the caller can surface backpressure instead of blocking a webhook.
func (q *Queue) Enqueue(buildID, projectID int64) (string, error) {
	job := &Job{
		JobID:     uuid.NewString(),
		BuildID:   buildID,
		ProjectID: projectID,
		QueuedAt:  time.Now(),
	}
	select {
	case q.jobs <- job:
		q.recorder.SetQueueDepth(len(q.jobs))
		return job.JobID, nil
	default:
		return "", ErrFull
	}
}

// Cancel interrupts the build if a worker is currently running it. Queued
// builds are cancelled through the store; terminal builds are a no-op.
// Reports whether a running build was signalled.
func (q *Queue) Cancel(buildID int64) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if job, ok := q.active[buildID]; ok && job.cancel != nil {
		job.cancel()
		return true
	}
	return false
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int { return len(q.jobs) }

// ActiveBuilds returns the IDs of builds currently held by workers.
func (q *Queue) ActiveBuilds() []int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ids := make([]int64, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	return ids
}

func (q *Queue) worker(ctx context.Context, workerID string) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		case job := <-q.jobs:
			if job == nil {
				continue
			}
			q.recorder.SetQueueDepth(len(q.jobs))
			q.process(ctx, job, workerID)
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job, workerID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	job.cancel = cancel

	q.mu.Lock()
	q.active[job.BuildID] = job
	q.recorder.SetActiveBuilds(len(q.active))
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.active, job.BuildID)
		q.recorder.SetActiveBuilds(len(q.active))
		q.mu.Unlock()
	}()

	q.runWithRetry(jobCtx, job, workerID)
}

// runWithRetry retries the runner on transient infrastructure errors, with
// the configured backoff. Build failures and terminal outcomes never reach
// here as errors.
func (q *Queue) runWithRetry(ctx context.Context, job *Job, workerID string) {
	retries := 0
	for {
		err := q.runner.Run(ctx, job.BuildID)
		if err == nil {
			return
		}
		if !retry.IsTransient(err) || retries >= q.policy.MaxRetries {
			q.logger.Error("build run failed",
				logfields.BuildID(job.BuildID),
				logfields.Worker(workerID),
				slog.Int("retries", retries),
				logfields.Error(err))
			return
		}
		retries++
		delay := q.policy.Delay(retries)
		q.logger.Warn("transient build error, retrying",
			logfields.BuildID(job.BuildID),
			logfields.Worker(workerID),
			slog.Int("retry", retries),
			slog.Int("max_retries", q.policy.MaxRetries),
			slog.Duration("delay", delay),
			logfields.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}
