// Package scheduler decides when a job enters the queue: one-shot releases
// at an absolute time, and cron-driven recurring releases that clone a
// template job on every fire.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobrunner/internal/job"
	"jobrunner/pkg/logx"
)

// ErrInvalidSchedule is returned for malformed cron expressions.
var ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

type Config struct {
	// TickInterval is the release-loop cadence. Default 1s.
	TickInterval time.Duration
	// ErrorBackoff is the pause after an unexpected tick error. Default 5s.
	ErrorBackoff time.Duration
	// StopGrace bounds how long Stop waits for the loop to exit. Default 5s.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// Enqueuer is the queue-facing surface the scheduler needs.
type Enqueuer interface {
	Add(*job.Job)
}

type recurringEntry struct {
	template *job.Job
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
}

// RecurringDef is a diagnostic view of one recurring definition.
type RecurringDef struct {
	ID      string
	Name    string
	Expr    string
	NextRun time.Time
}

// Scheduler owns the one-shot and recurring tables and a single background
// goroutine that releases due work into the queue.
type Scheduler struct {
	cfg    Config
	queue  Enqueuer
	parser cron.Parser
	log    logx.Logger

	mu        sync.Mutex
	oneShot   map[string]*job.Job
	recurring map[string]*recurringEntry

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func New(cfg Config, q Enqueuer, log logx.Logger) *Scheduler {
	return &Scheduler{
		cfg:   cfg.withDefaults(),
		queue: q,
		// Standard five-field expressions plus @every / @hourly descriptors.
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:       log,
		oneShot:   make(map[string]*job.Job),
		recurring: make(map[string]*recurringEntry),
	}
}

// ScheduleAt registers a one-shot release. The job does not touch the queue
// until its time arrives.
func (s *Scheduler) ScheduleAt(j *job.Job, at time.Time) {
	j.ScheduledAt = at
	s.mu.Lock()
	s.oneShot[j.ID] = j
	s.mu.Unlock()
	s.log.Info("scheduler: one-shot registered",
		logx.String("id", j.ID), logx.String("name", j.Name), logx.Time("run_at", at))
}

// ScheduleAfter is sugar for ScheduleAt(now + delay).
func (s *Scheduler) ScheduleAfter(j *job.Job, delay time.Duration) {
	s.ScheduleAt(j, time.Now().Add(delay))
}

// ScheduleRecurring validates the cron expression and registers the template.
// Every fire enqueues a fresh clone; the template never runs itself.
func (s *Scheduler) ScheduleRecurring(tmpl *job.Job, expr string) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	next := schedule.Next(time.Now())

	s.mu.Lock()
	s.recurring[tmpl.ID] = &recurringEntry{
		template: tmpl,
		expr:     expr,
		schedule: schedule,
		nextRun:  next,
	}
	s.mu.Unlock()

	s.log.Info("scheduler: recurring registered",
		logx.String("id", tmpl.ID), logx.String("name", tmpl.Name),
		logx.String("cron", expr), logx.Time("next_run", next))
	return nil
}

// Cancel removes a pending one-shot or recurring definition. Idempotent.
// Cancelling a recurring definition stops future fires only; clones already
// enqueued or running are untouched.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := false
	if j, ok := s.oneShot[id]; ok {
		j.MarkCancelled()
		delete(s.oneShot, id)
		cancelled = true
	}
	if _, ok := s.recurring[id]; ok {
		delete(s.recurring, id)
		cancelled = true
	}
	if cancelled {
		s.log.Info("scheduler: cancelled", logx.String("id", id))
	}
	return cancelled
}

// PendingJobs snapshots the one-shot table.
func (s *Scheduler) PendingJobs() []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*job.Job, 0, len(s.oneShot))
	for _, j := range s.oneShot {
		out = append(out, j)
	}
	return out
}

// RecurringDefs snapshots the recurring table.
func (s *Scheduler) RecurringDefs() []RecurringDef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecurringDef, 0, len(s.recurring))
	for id, e := range s.recurring {
		out = append(out, RecurringDef{ID: id, Name: e.template.Name, Expr: e.expr, NextRun: e.nextRun})
	}
	return out
}

// Start launches the release loop. Idempotent.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopCh != nil {
		s.log.Warn("scheduler: already running")
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)
	s.log.Info("scheduler: started", logx.Duration("tick", s.cfg.TickInterval))
}

// Stop halts the loop and joins it within the configured grace period.
// Idempotent.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	select {
	case <-s.done:
	case <-time.After(s.cfg.StopGrace):
		s.log.Warn("scheduler: loop did not exit within grace period")
	}
	s.stopCh = nil
	s.done = nil
	s.log.Info("scheduler: stopped")
}

// Running reports whether the release loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.stopCh != nil
}

func (s *Scheduler) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			if err := s.tick(now); err != nil {
				// One bad tick must not kill the loop.
				s.log.Error("scheduler: tick failed", logx.Err(err))
				select {
				case <-stopCh:
					return
				case <-time.After(s.cfg.ErrorBackoff):
				}
			}
		}
	}
}

func (s *Scheduler) tick(now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for _, j := range s.takeDueOneShots(now) {
		s.queue.Add(j)
		s.log.Info("scheduler: one-shot released",
			logx.String("id", j.ID), logx.String("name", j.Name))
	}

	for _, clone := range s.fireDueRecurring(now) {
		s.queue.Add(clone)
		s.log.Info("scheduler: recurring fired",
			logx.String("id", clone.ID), logx.String("name", clone.Name))
	}
	return nil
}

func (s *Scheduler) takeDueOneShots(now time.Time) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*job.Job
	for id, j := range s.oneShot {
		if !j.ScheduledAt.After(now) {
			due = append(due, j)
			delete(s.oneShot, id)
		}
	}
	return due
}

func (s *Scheduler) fireDueRecurring(now time.Time) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var clones []*job.Job
	for id, e := range s.recurring {
		if e.nextRun.After(now) {
			continue
		}
		clones = append(clones, e.template.CloneForRun())

		// The next occurrence is computed from now, after the current one
		// fired: no drift from execution time, no catch-up of missed ticks.
		next := e.schedule.Next(now)
		if next.IsZero() || !next.After(now) {
			s.log.Error("scheduler: dropping recurring entry, cannot compute next run",
				logx.String("id", id), logx.String("cron", e.expr))
			delete(s.recurring, id)
			continue
		}
		e.nextRun = next
	}
	return clones
}
