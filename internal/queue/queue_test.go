package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ando/internal/retry"
)

// recordingRunner tracks runs and optionally blocks until released.
type recordingRunner struct {
	mu      sync.Mutex
	runs    []int64
	block   chan struct{} // when set, Run waits for ctx or release
	started chan int64
	err     error
	errOnce atomic.Bool // when set, only the first run errors
	ctxErr  atomic.Bool // records whether ctx was cancelled during Run
}

func (r *recordingRunner) Run(ctx context.Context, buildID int64) error {
	r.mu.Lock()
	r.runs = append(r.runs, buildID)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- buildID
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			r.ctxErr.Store(true)
		}
	}
	if r.err != nil {
		if r.errOnce.Load() && len(r.runCopy()) > 1 {
			return nil
		}
		return r.err
	}
	return nil
}

func (r *recordingRunner) runCopy() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.runs...)
}

func TestEnqueue_FailsFastWhenFull(t *testing.T) {
	q := New(2, 1, &recordingRunner{}, nil)
	// Workers not started: jobs stay buffered.

	id1, err := q.Enqueue(1, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := q.Enqueue(2, 10)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	_, err = q.Enqueue(3, 10)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, q.Depth())
}

func TestQueue_DispatchesToRunner(t *testing.T) {
	runner := &recordingRunner{started: make(chan int64, 4)}
	q := New(10, 2, runner, nil)
	q.Start(context.Background())
	defer q.Stop()

	_, err := q.Enqueue(1, 10)
	require.NoError(t, err)
	_, err = q.Enqueue(2, 10)
	require.NoError(t, err)

	got := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-runner.started:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("worker never picked up job")
		}
	}
	assert.True(t, got[1])
	assert.True(t, got[2])
}

func TestCancel_SignalsActiveBuild(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{}), started: make(chan int64, 1)}
	q := New(10, 1, runner, nil)
	q.Start(context.Background())
	defer q.Stop()

	_, err := q.Enqueue(7, 10)
	require.NoError(t, err)

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("build never started")
	}
	assert.Equal(t, []int64{7}, q.ActiveBuilds())

	assert.True(t, q.Cancel(7))

	require.Eventually(t, func() bool {
		return runner.ctxErr.Load()
	}, 2*time.Second, 10*time.Millisecond, "runner context was not cancelled")

	require.Eventually(t, func() bool {
		return len(q.ActiveBuilds()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancel_UnknownBuildIsNoOp(t *testing.T) {
	q := New(10, 1, &recordingRunner{}, nil)
	assert.False(t, q.Cancel(999))
}

func TestRunWithRetry_RetriesTransientErrors(t *testing.T) {
	runner := &recordingRunner{err: retry.Transient(assert.AnError)}
	runner.errOnce.Store(true)
	q := New(10, 1, runner, nil)
	q.SetRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 3))
	q.Start(context.Background())
	defer q.Stop()

	_, err := q.Enqueue(1, 10)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(runner.runCopy()) >= 2
	}, 2*time.Second, 10*time.Millisecond, "transient error was not retried")
}

func TestRunWithRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	runner := &recordingRunner{err: assert.AnError}
	q := New(10, 1, runner, nil)
	q.SetRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 3))
	q.Start(context.Background())
	defer q.Stop()

	_, err := q.Enqueue(1, 10)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(runner.runCopy()) == 1 && len(q.ActiveBuilds()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Give a retry a chance to (wrongly) happen.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, runner.runCopy(), 1)
}

func TestStop_CancelsActiveBuilds(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{}), started: make(chan int64, 1)}
	q := New(10, 1, runner, nil)
	q.Start(context.Background())

	_, err := q.Enqueue(1, 10)
	require.NoError(t, err)
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("build never started")
	}

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not drain workers")
	}
	assert.True(t, runner.ctxErr.Load())
}
