// Package system wires the queue, scheduler, executor, and persistence into
// one orchestrator with a small public API.
package system

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"jobrunner/internal/events"
	"jobrunner/internal/executor"
	"jobrunner/internal/job"
	"jobrunner/internal/queue"
	"jobrunner/internal/registry"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	"jobrunner/pkg/logx"
)

type Config struct {
	Executor  executor.Config
	Scheduler scheduler.Config
	// SchedulerEnabled gates the tick loop; scheduling calls still work and
	// fire once the loop is started. Default true.
	SchedulerEnabled *bool
	// CleanupInterval is the period of the background retention sweep.
	// Default 1h.
	CleanupInterval time.Duration
	// RetentionDays is the age after which terminal jobs are purged by the
	// background sweep. Default 30.
	RetentionDays int
}

func (c Config) withDefaults() Config {
	if c.SchedulerEnabled == nil {
		enabled := true
		c.SchedulerEnabled = &enabled
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	return c
}

var ErrNilJob = errors.New("system: nil job")

// SystemStats describes the orchestrator itself.
type SystemStats struct {
	UptimeSeconds float64
	IsRunning     bool
	StartTime     time.Time
}

// Statistics aggregates snapshots from every subsystem.
type Statistics struct {
	System   SystemStats
	Storage  storage.Stats
	Queue    queue.Stats
	Executor executor.Stats
	Events   events.Stats
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health is the result of a component check. Warning is set when the
// failure ratio is high.
type Health struct {
	Status     string
	Timestamp  time.Time
	Components map[string]bool
	Warning    string
}

// System owns the core components and their background loops.
type System struct {
	cfg      Config
	log      logx.Logger
	store    *storage.JobStore
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	exec     *executor.Executor
	registry *registry.Registry
	bus      events.Bus

	runMu     sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	done      chan struct{}
}

// New builds a System on top of an already-open storage backend. The caller
// keeps ownership of the backend until Close.
func New(cfg Config, backend storage.Store, log logx.Logger) *System {
	cfg = cfg.withDefaults()
	store := storage.NewJobStore(backend, log.With(logx.String("comp", "storage")))
	q := queue.New(log.With(logx.String("comp", "queue")))
	reg := registry.New()
	bus := events.New()
	exec := executor.New(cfg.Executor, q, store, reg, log.With(logx.String("comp", "executor")))
	exec.SetEventBus(bus)
	return &System{
		cfg:      cfg,
		log:      log,
		store:    store,
		queue:    q,
		sched:    scheduler.New(cfg.Scheduler, q, log.With(logx.String("comp", "scheduler"))),
		exec:     exec,
		registry: reg,
		bus:      bus,
	}
}

// Events returns the lifecycle bus. Subscribers see submitted/started/
// completed/failed/retrying/cancelled transitions without polling storage.
func (s *System) Events() events.Bus { return s.bus }

// Registry exposes the function registry so callers can register handlers
// for "func:" commands before Start.
func (s *System) Registry() *registry.Registry { return s.registry }

// Store exposes the persistence facade, mainly for the CLI.
func (s *System) Store() *storage.JobStore { return s.store }

// Start launches the executor, the scheduler (when enabled), and the
// retention sweep. Idempotent.
func (s *System) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		s.log.Warn("system: already running")
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	s.exec.Start()
	if *s.cfg.SchedulerEnabled {
		s.sched.Start()
	}
	go s.cleanupLoop(s.stopCh, s.done)

	s.log.Info("system: started",
		logx.Bool("scheduler", *s.cfg.SchedulerEnabled),
		logx.Int("retention_days", s.cfg.RetentionDays))
}

// Stop shuts the scheduler and executor down and waits for the sweep loop.
// Idempotent.
func (s *System) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)

	s.sched.Stop()
	s.exec.Stop()
	<-s.done
	s.log.Info("system: stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *System) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// Close stops the system if needed and closes the storage backend.
func (s *System) Close() error {
	s.Stop()
	return s.store.Close()
}

// Create builds a job without submitting it.
func (s *System) Create(name, command string, opts ...job.Option) (*job.Job, error) {
	return job.New(name, command, opts...)
}

// Submit persists the job and puts it on the queue for immediate execution.
func (s *System) Submit(j *job.Job) (string, error) {
	if j == nil {
		return "", ErrNilJob
	}
	s.store.Save(j)
	s.queue.Add(j)
	s.bus.Publish(events.Event{Type: events.TypeSubmitted, JobID: j.ID, JobName: j.Name})
	s.log.Info("system: job submitted", logx.String("id", j.ID), logx.String("name", j.Name))
	return j.ID, nil
}

// ScheduleAt persists the job and hands it to the scheduler for a one-shot
// release at the given time. The save happens before the scheduler sees the
// job: a past-due time is released on the very next tick, and a worker may
// start mutating the job the moment it is released.
func (s *System) ScheduleAt(j *job.Job, at time.Time) (string, error) {
	if j == nil {
		return "", ErrNilJob
	}
	j.ScheduledAt = at
	s.store.Save(j)
	s.sched.ScheduleAt(j, at)
	s.log.Info("system: job scheduled",
		logx.String("id", j.ID), logx.String("name", j.Name), logx.Time("run_at", at))
	return j.ID, nil
}

// ScheduleAfter is ScheduleAt relative to now.
func (s *System) ScheduleAfter(j *job.Job, delay time.Duration) (string, error) {
	return s.ScheduleAt(j, time.Now().Add(delay))
}

// ScheduleRecurring persists the template and registers it under a cron
// expression. Every fire enqueues a fresh clone.
func (s *System) ScheduleRecurring(j *job.Job, expr string) (string, error) {
	if j == nil {
		return "", ErrNilJob
	}
	if err := s.sched.ScheduleRecurring(j, expr); err != nil {
		return "", err
	}
	s.store.Save(j)
	s.log.Info("system: recurring job scheduled",
		logx.String("id", j.ID), logx.String("name", j.Name), logx.String("cron", expr))
	return j.ID, nil
}

// Recover reloads persisted pending and retry jobs into the runtime, so
// work submitted while the runner was down is picked up on the next start.
// Jobs scheduled for the future go back to the scheduler; everything else
// is queued. Returns how many jobs were recovered.
func (s *System) Recover() int {
	n := 0
	now := time.Now()
	for _, status := range []job.Status{job.StatusPending, job.StatusRetry} {
		for _, j := range s.store.List(status, 0) {
			if j.ScheduledAt.After(now) {
				s.sched.ScheduleAt(j, j.ScheduledAt)
			} else {
				s.queue.Add(j)
			}
			n++
		}
	}
	if n > 0 {
		s.log.Info("system: recovered persisted jobs", logx.Int("count", n))
	}
	return n
}

// Cancel withdraws a job wherever it currently lives: the scheduler, the
// executor (queued or in flight), or both. The stored job is marked
// cancelled unless it already reached a terminal state.
func (s *System) Cancel(id string) bool {
	schedCancelled := s.sched.Cancel(id)
	execCancelled := s.exec.Cancel(id)
	cancelled := schedCancelled || execCancelled

	if cancelled {
		if j := s.store.Get(id); j != nil && !j.Status.Terminal() {
			j.MarkCancelled()
			s.store.Update(j)
		}
		s.log.Info("system: job cancelled", logx.String("id", id))
	} else {
		s.log.Warn("system: job not found for cancellation", logx.String("id", id))
	}
	return cancelled
}

// Get loads a job from storage.
func (s *System) Get(id string) *job.Job {
	return s.store.Get(id)
}

// List returns stored jobs, newest first. An empty status means all
// statuses; limit <= 0 means no limit.
func (s *System) List(status job.Status, limit int) []*job.Job {
	return s.store.List(status, limit)
}

// RunningIDs lists jobs currently executing.
func (s *System) RunningIDs() []string {
	return s.exec.RunningIDs()
}

// CleanupOld removes terminal jobs older than the given number of days and
// returns how many were removed.
func (s *System) CleanupOld(olderThanDays int) int {
	return s.store.Cleanup(olderThanDays)
}

func (s *System) Statistics() Statistics {
	s.runMu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.runMu.Unlock()

	var uptime float64
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}
	return Statistics{
		System: SystemStats{
			UptimeSeconds: uptime,
			IsRunning:     running,
			StartTime:     startedAt,
		},
		Storage:  s.store.Stats(),
		Queue:    s.queue.Stats(),
		Executor: s.exec.Stats(),
		Events:   s.bus.Stats(),
	}
}

// Health checks every component. A stopped subsystem makes the system
// unhealthy; a failure ratio above one half degrades an otherwise healthy
// system.
func (s *System) Health() Health {
	schedulerOK := s.sched.Running() || !*s.cfg.SchedulerEnabled

	h := Health{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Components: map[string]bool{
			"system":    s.Running(),
			"executor":  s.exec.Running(),
			"scheduler": schedulerOK,
			"storage":   true,
		},
	}
	for _, ok := range h.Components {
		if !ok {
			h.Status = StatusUnhealthy
			break
		}
	}

	failed := s.store.Count(job.StatusFailed)
	total := s.store.Count("")
	if total > 0 && float64(failed)/float64(total) > 0.5 {
		if h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
		h.Warning = fmt.Sprintf("high failure rate: %d/%d jobs failed", failed, total)
	}
	return h
}

// cleanupLoop periodically purges terminal jobs past the retention window.
func (s *System) cleanupLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if n := s.CleanupOld(s.cfg.RetentionDays); n > 0 {
				s.log.Info("system: purged old jobs", logx.Int("removed", n))
			}
		}
	}
}
