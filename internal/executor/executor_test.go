package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/job"
	"jobrunner/internal/queue"
	"jobrunner/internal/registry"
	"jobrunner/internal/storage"
	"jobrunner/pkg/logx"
)

type harness struct {
	queue    *queue.Queue
	store    *storage.JobStore
	registry *registry.Registry
	exec     *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	backend, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	h := &harness{
		queue:    queue.New(logx.Nop()),
		store:    storage.NewJobStore(backend, logx.Nop()),
		registry: registry.New(),
	}
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = 10 * time.Millisecond
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}
	h.exec = New(cfg, h.queue, h.store, h.registry, logx.Nop())
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want job.Status, within time.Duration) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		got = h.store.Get(id)
		return got != nil && got.Status == want
	}, within, 20*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestExecuteShellSuccess(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 2})
	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("hello", "echo -n {greeting}",
		job.WithParameters(map[string]any{"greeting": "hi"}))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	got := h.waitStatus(t, j.ID, job.StatusCompleted, 5*time.Second)
	assert.Equal(t, "hi", got.Result["stdout"])
	assert.EqualValues(t, 0, got.Result["exit_code"])
	assert.False(t, got.StartedAt.IsZero())
	assert.False(t, got.CompletedAt.IsZero())

	st := h.exec.Stats()
	assert.EqualValues(t, 1, st.Completed)
	assert.Zero(t, st.Failed)
	assert.Greater(t, st.TotalExecTime, time.Duration(0))
}

// A job with max_retries = N that always fails is attempted exactly N+1
// times and ends terminally FAILED with retry_count == N.
func TestRetryBound(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, h.registry.Register("always_fails", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, fmt.Errorf("nope")
	}))

	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("doomed", "func:always_fails", job.WithMaxRetries(2))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	got := h.waitStatus(t, j.ID, job.StatusFailed, 10*time.Second)

	// Wait a little to prove no further attempts happen.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts, "max_retries=2 means 3 attempts total")
	assert.Equal(t, 2, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "nope")

	st := h.exec.Stats()
	assert.EqualValues(t, 3, st.Failed, "every failed attempt is counted")
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, h.registry.Register("flaky", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return nil, fmt.Errorf("transient")
		}
		return map[string]any{"ok": true}, nil
	}))

	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("flaky", "func:flaky", job.WithMaxRetries(3))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	got := h.waitStatus(t, j.ID, job.StatusCompleted, 10*time.Second)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, true, got.Result["ok"])
}

// A shell job with a 1s timeout running a 10s command fails within a small
// bounded overhead, and the subprocess is gone.
func TestShellTimeoutEnforcement(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1, CancelGrace: 500 * time.Millisecond})
	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("sleeper", "sleep 10",
		job.WithTimeout(time.Second), job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	start := time.Now()
	got := h.waitStatus(t, j.ID, job.StatusFailed, 5*time.Second)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

// A submitted job is executed exactly once even with many workers racing on
// the queue.
func TestNoDuplicateExecution(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 8})

	var mu sync.Mutex
	execCount := map[string]int{}
	require.NoError(t, h.registry.Register("track", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		mu.Lock()
		execCount[p["id"].(string)]++
		mu.Unlock()
		return nil, nil
	}))

	h.exec.Start()
	defer h.exec.Stop()

	const n = 40
	for i := 0; i < n; i++ {
		j, err := job.New(fmt.Sprintf("j%d", i), "func:track",
			job.WithParameters(map[string]any{"id": fmt.Sprintf("j%d", i)}))
		require.NoError(t, err)
		h.store.Save(j)
		h.queue.Add(j)
	}

	require.Eventually(t, func() bool {
		return h.exec.Stats().Completed == n
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, execCount, n)
	for id, c := range execCount {
		assert.Equal(t, 1, c, "job %s executed %d times", id, c)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})

	var mu sync.Mutex
	var order []string
	require.NoError(t, h.registry.Register("record", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		mu.Lock()
		order = append(order, p["tag"].(string))
		mu.Unlock()
		return nil, nil
	}))

	// Fill the queue before starting so the single worker drains in order.
	mk := func(tag string, p job.Priority) {
		j, err := job.New(tag, "func:record",
			job.WithPriority(p), job.WithParameters(map[string]any{"tag": tag}))
		require.NoError(t, err)
		h.store.Save(j)
		h.queue.Add(j)
	}
	mk("low", job.PriorityLow)
	mk("urgent", job.PriorityUrgent)
	mk("normal", job.PriorityNormal)

	h.exec.Start()
	defer h.exec.Stop()

	require.Eventually(t, func() bool {
		return h.exec.Stats().Completed == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "normal", "low"}, order)
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})
	// Not started: the queue is never drained.
	j, err := job.New("queued", "true")
	require.NoError(t, err)
	h.queue.Add(j)

	assert.True(t, h.exec.Cancel(j.ID))
	assert.False(t, h.exec.Cancel(j.ID), "second cancel finds nothing")
	assert.Nil(t, h.queue.Get(j.ID))
}

func TestCancelRunningShellJob(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1, CancelGrace: 500 * time.Millisecond})
	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("longsleep", "sleep 30", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	require.Eventually(t, func() bool {
		ids := h.exec.RunningIDs()
		return len(ids) == 1 && ids[0] == j.ID
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	assert.True(t, h.exec.Cancel(j.ID))

	got := h.waitStatus(t, j.ID, job.StatusCancelled, 5*time.Second)
	assert.Less(t, time.Since(start), 3*time.Second, "termination must not wait for the sleep")
	assert.True(t, got.Status.Terminal())
	assert.EqualValues(t, 1, h.exec.Stats().Cancelled)
	assert.Empty(t, h.exec.RunningIDs())
}

// A job that dispatch has pulled off the queue but not yet handed to a
// worker is still cancellable: the run is tracked before the pop returns,
// so Cancel can never see the job in neither place.
func TestCancelDuringDispatchHandoff(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, h.registry.Register("hold", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	var mu sync.Mutex
	ran := false
	require.NoError(t, h.registry.Register("never", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil, nil
	}))

	h.exec.Start()
	defer h.exec.Stop()

	blocker, err := job.New("blocker", "func:hold", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(blocker)
	h.queue.Add(blocker)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocker never started")
	}

	victim, err := job.New("victim", "func:never", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(victim)
	h.queue.Add(victim)

	// With the single worker held, dispatch pops the second job and parks
	// on the handoff. Once the pop is visible the run must be tracked.
	require.Eventually(t, func() bool {
		return h.queue.Get(victim.ID) == nil
	}, 5*time.Second, time.Millisecond)

	assert.True(t, h.exec.Cancel(victim.ID), "dequeued but unstarted job must be cancellable")

	close(release)
	h.waitStatus(t, blocker.ID, job.StatusCompleted, 5*time.Second)
	got := h.waitStatus(t, victim.ID, job.StatusCancelled, 5*time.Second)
	assert.True(t, got.Status.Terminal())

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, ran, "cancelled job must not execute")
}

func TestStopCancelsInFlight(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1, StopGrace: 5 * time.Second})

	started := make(chan struct{})
	require.NoError(t, h.registry.Register("block", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	h.exec.Start()

	j, err := job.New("blocker", "func:block", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	h.exec.Stop()
	assert.False(t, h.exec.Running())
	assert.EqualValues(t, 1, h.exec.Stats().Cancelled)

	got := h.store.Get(j.ID)
	require.NotNil(t, got)
	assert.Equal(t, job.StatusCancelled, got.Status)
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})
	h.exec.Start()
	h.exec.Start()
	assert.True(t, h.exec.Running())
	h.exec.Stop()
	h.exec.Stop()
	assert.False(t, h.exec.Running())
}

func TestFuncCommandUnknownFunction(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})
	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("mystery", "func:not_registered", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	got := h.waitStatus(t, j.ID, job.StatusFailed, 5*time.Second)
	assert.Contains(t, got.ErrorMessage, "not registered")
}

func TestPanickingFuncBecomesFailure(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})
	require.NoError(t, h.registry.Register("bomb", func(ctx context.Context, p map[string]any) (map[string]any, error) {
		panic("kaboom")
	}))

	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("bomb", "func:bomb", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	got := h.waitStatus(t, j.ID, job.StatusFailed, 5*time.Second)
	assert.Contains(t, got.ErrorMessage, "kaboom")

	// The worker survived: another job still executes.
	ok, err := job.New("after", "echo fine", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(ok)
	h.queue.Add(ok)
	h.waitStatus(t, ok.ID, job.StatusCompleted, 5*time.Second)
}

func TestShellFailureCapturesStderr(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})
	h.exec.Start()
	defer h.exec.Stop()

	j, err := job.New("bad", "echo oops >&2; exit 3", job.WithMaxRetries(0))
	require.NoError(t, err)
	h.store.Save(j)
	h.queue.Add(j)

	got := h.waitStatus(t, j.ID, job.StatusFailed, 5*time.Second)
	assert.Contains(t, got.ErrorMessage, "exit status 3")
}
