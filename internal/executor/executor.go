// Package executor drains the queue with a bounded worker pool, runs each
// job's command, and applies the timeout/retry/cancellation contract.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"jobrunner/internal/events"
	"jobrunner/internal/job"
	"jobrunner/internal/queue"
	"jobrunner/internal/registry"
	"jobrunner/internal/storage"
	"jobrunner/pkg/logx"
)

type Config struct {
	// MaxWorkers bounds concurrent job execution. Default 4.
	MaxWorkers int
	// DefaultTimeout applies when a job sets none. Default 1h.
	DefaultTimeout time.Duration
	// IdleSleep is the dispatch-loop pause when the queue is empty. Default 100ms.
	IdleSleep time.Duration
	// ErrorBackoff is the dispatch-loop pause after an unexpected error. Default 1s.
	ErrorBackoff time.Duration
	// CancelGrace is how long a terminated subprocess gets before SIGKILL. Default 2s.
	CancelGrace time.Duration
	// StopGrace bounds how long Stop waits for workers to drain. Default 30s.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 100 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 30 * time.Second
	}
	return c
}

// run is the in-flight bookkeeping for one dispatched job. The context is
// created at dispatch time; cancelling it is how Cancel and Stop reach both
// not-yet-started work and live subprocesses (via the command's Cancel hook).
type run struct {
	job       *job.Job
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	cancelled bool
}

// Stats is a snapshot of executor counters.
type Stats struct {
	IsRunning     bool
	MaxWorkers    int
	RunningJobs   int
	Completed     uint64
	Failed        uint64
	Cancelled     uint64
	TotalExecTime time.Duration
}

// Executor pulls jobs from the queue and executes them on a fixed-size
// worker pool. Results and lifecycle transitions are written back through
// the persistence facade, which never raises.
type Executor struct {
	cfg      Config
	queue    *queue.Queue
	store    *storage.JobStore
	registry *registry.Registry
	log      logx.Logger
	bus      events.Bus

	httpClient *http.Client

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// mu guards the in-flight map and all counters below.
	mu            sync.Mutex
	inflight      map[string]*run
	completed     uint64
	failed        uint64
	cancelled     uint64
	totalExecTime time.Duration
}

func New(cfg Config, q *queue.Queue, store *storage.JobStore, reg *registry.Registry, log logx.Logger) *Executor {
	return &Executor{
		cfg:        cfg.withDefaults(),
		queue:      q,
		store:      store,
		registry:   reg,
		log:        log,
		httpClient: &http.Client{},
		inflight:   make(map[string]*run),
	}
}

// SetEventBus installs an optional lifecycle event sink. Call before Start.
func (e *Executor) SetEventBus(bus events.Bus) { e.bus = bus }

func (e *Executor) emit(typ string, j *job.Job, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:    typ,
		JobID:   j.ID,
		JobName: j.Name,
		Attempt: j.RetryCount + 1,
		Err:     errMsg,
	})
}

// Start launches the dispatch loop and worker pool. Idempotent.
func (e *Executor) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		e.log.Warn("executor: already running")
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})

	work := make(chan *run)
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i, work, e.stopCh)
	}
	e.wg.Add(1)
	go e.dispatch(work, e.stopCh)

	e.log.Info("executor: started", logx.Int("workers", e.cfg.MaxWorkers))
}

// Stop flips the running flag, cancels all tracked in-flight jobs, and
// waits up to the stop grace for the pool to drain. Idempotent.
func (e *Executor) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)

	e.mu.Lock()
	for _, r := range e.inflight {
		r.cancelled = true
		if r.cancel != nil {
			r.cancel()
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.StopGrace):
		e.log.Warn("executor: workers did not drain within grace period")
	}
	e.log.Info("executor: stopped")
}

// Running reports whether the dispatch loop is active.
func (e *Executor) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// Cancel attempts to stop a job: not-yet-started dispatched work is
// abandoned, a live subprocess is terminated (then killed after the cancel
// grace), and a still-queued job is removed. Returns true if any of those
// had effect. In-flight func/http work is only abandoned, not interrupted.
func (e *Executor) Cancel(id string) bool {
	// Try the queue first. Dispatch registers a run in inflight before the
	// pop releases the queue lock, so a miss here means the job is either
	// already tracked below or was never ours.
	removed := e.queue.Remove(id)

	e.mu.Lock()
	r, tracked := e.inflight[id]
	if tracked {
		r.cancelled = true
		if r.cancel != nil {
			// For shell jobs this delivers SIGTERM via the command's
			// Cancel hook; WaitDelay escalates to SIGKILL.
			r.cancel()
		}
	}
	e.mu.Unlock()

	if tracked || removed {
		e.log.Info("executor: cancel requested", logx.String("id", id),
			logx.Bool("tracked", tracked), logx.Bool("dequeued", removed))
	}
	return tracked || removed
}

// RunningIDs lists ids of jobs currently being executed.
func (e *Executor) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id, r := range e.inflight {
		if r.started {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Executor) Stats() Stats {
	running := e.Running()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		IsRunning:     running,
		MaxWorkers:    e.cfg.MaxWorkers,
		RunningJobs:   len(e.inflight),
		Completed:     e.completed,
		Failed:        e.failed,
		Cancelled:     e.cancelled,
		TotalExecTime: e.totalExecTime,
	}
}

// dispatch continuously pulls from the queue and hands work to the pool.
// An empty queue is a short sleep, not a busy spin.
func (e *Executor) dispatch(work chan<- *run, stopCh <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		// The run is registered while the queue lock is still held, so a
		// job is always either in the queue or in inflight. Cancel relies
		// on that: a Remove that misses the queue re-checks inflight.
		var r *run
		j := e.queue.NextFunc(func(j *job.Job) {
			ctx, cancel := context.WithCancel(context.Background())
			r = &run{job: j, ctx: ctx, cancel: cancel}
			e.mu.Lock()
			e.inflight[j.ID] = r
			e.mu.Unlock()
		})
		if j == nil {
			select {
			case <-stopCh:
				return
			case <-time.After(e.cfg.IdleSleep):
			}
			continue
		}

		select {
		case work <- r:
		case <-stopCh:
			// Pool is shutting down; put the job back so an explicit
			// restart can pick it up.
			r.cancel()
			e.mu.Lock()
			delete(e.inflight, j.ID)
			e.mu.Unlock()
			e.queue.Add(j)
			return
		}
	}
}

func (e *Executor) worker(idx int, work <-chan *run, stopCh <-chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case r := <-work:
			e.execute(r)
		}
	}
}

// execute runs one job to a terminal-or-retry state and persists every
// transition.
func (e *Executor) execute(r *run) {
	j := r.job
	defer r.cancel()

	e.mu.Lock()
	if r.cancelled {
		// Cancelled between dispatch and pickup: never started.
		delete(e.inflight, j.ID)
		e.cancelled++
		e.mu.Unlock()
		j.MarkCancelled()
		e.store.Update(j)
		e.emit(events.TypeCancelled, j, "")
		e.log.Info("executor: job cancelled before start", logx.String("id", j.ID), logx.String("name", j.Name))
		return
	}
	r.started = true
	e.mu.Unlock()

	j.MarkStarted()
	e.store.Update(j)
	e.emit(events.TypeStarted, j, "")
	e.log.Info("executor: job started",
		logx.String("id", j.ID), logx.String("name", j.Name),
		logx.String("kind", j.Command.Kind.String()), logx.Int("attempt", j.RetryCount+1))

	start := time.Now()
	result, err := e.runGuarded(r.ctx, j)
	elapsed := time.Since(start)

	e.mu.Lock()
	cancelled := r.cancelled
	delete(e.inflight, j.ID)
	if err == nil {
		e.completed++
	} else if cancelled {
		e.cancelled++
	} else {
		e.failed++
	}
	e.totalExecTime += elapsed
	e.mu.Unlock()

	switch {
	case err == nil:
		j.MarkCompleted(result)
		e.store.Update(j)
		e.emit(events.TypeCompleted, j, "")
		e.log.Info("executor: job completed",
			logx.String("id", j.ID), logx.String("name", j.Name), logx.Duration("dur", elapsed))

	case cancelled:
		j.MarkCancelled()
		e.store.Update(j)
		e.emit(events.TypeCancelled, j, "")
		e.log.Info("executor: job cancelled",
			logx.String("id", j.ID), logx.String("name", j.Name), logx.Duration("dur", elapsed))

	default:
		j.MarkFailed(err.Error())
		e.store.Update(j)
		e.log.Warn("executor: job failed",
			logx.String("id", j.ID), logx.String("name", j.Name),
			logx.Duration("dur", elapsed), logx.Err(err))

		if j.CanRetry() {
			j.IncrementRetry()
			e.store.Update(j)
			e.queue.Add(j)
			e.emit(events.TypeRetrying, j, err.Error())
			e.log.Info("executor: job queued for retry",
				logx.String("id", j.ID), logx.String("name", j.Name),
				logx.Int("retry", j.RetryCount), logx.Int("max_retries", j.MaxRetries))
		} else {
			e.emit(events.TypeFailed, j, err.Error())
		}
	}
}

// runGuarded converts a panicking command into a job failure so one bad
// handler cannot take down a worker.
func (e *Executor) runGuarded(ctx context.Context, j *job.Job) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor: panic: %v", rec)
			e.log.Error("executor: command panicked",
				logx.String("id", j.ID), logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return e.runCommand(ctx, j)
}
