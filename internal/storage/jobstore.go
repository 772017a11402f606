package storage

import (
	"jobrunner/internal/job"
	"jobrunner/pkg/logx"
)

// JobStore wraps a backend with the framework's failure policy: a storage
// error is logged and reported as a soft failure (false/nil/0) instead of
// propagating. The executor and scheduler keep running even when a single
// persistence call fails.
//
// Warnings are rate-limited; a full disk would otherwise flood the log with
// one line per job transition.
type JobStore struct {
	backend Store
	log     logx.Logger
	warn    logx.Logger
}

func NewJobStore(backend Store, log logx.Logger) *JobStore {
	return &JobStore{
		backend: backend,
		log:     log,
		warn:    log.Sampled(1),
	}
}

// Backend exposes the raw store for callers that need errors.
func (s *JobStore) Backend() Store { return s.backend }

func (s *JobStore) Save(j *job.Job) bool {
	if err := s.backend.Save(j); err != nil {
		s.warn.Warn("storage: save failed", logx.String("id", j.ID), logx.Err(err))
		return false
	}
	return true
}

func (s *JobStore) Update(j *job.Job) bool {
	if err := s.backend.Update(j); err != nil {
		s.warn.Warn("storage: update failed", logx.String("id", j.ID), logx.Err(err))
		return false
	}
	return true
}

func (s *JobStore) Get(id string) *job.Job {
	j, err := s.backend.Get(id)
	if err != nil {
		s.warn.Warn("storage: get failed", logx.String("id", id), logx.Err(err))
		return nil
	}
	return j
}

func (s *JobStore) Delete(id string) bool {
	ok, err := s.backend.Delete(id)
	if err != nil {
		s.warn.Warn("storage: delete failed", logx.String("id", id), logx.Err(err))
		return false
	}
	return ok
}

func (s *JobStore) List(status job.Status, limit int) []*job.Job {
	jobs, err := s.backend.List(status, limit)
	if err != nil {
		s.warn.Warn("storage: list failed", logx.Err(err))
		return nil
	}
	return jobs
}

func (s *JobStore) Count(status job.Status) int {
	n, err := s.backend.Count(status)
	if err != nil {
		s.warn.Warn("storage: count failed", logx.Err(err))
		return 0
	}
	return n
}

func (s *JobStore) Cleanup(olderThanDays int) int {
	n, err := s.backend.Cleanup(olderThanDays)
	if err != nil {
		s.warn.Warn("storage: cleanup failed", logx.Err(err))
		return 0
	}
	if n > 0 {
		s.log.Info("storage: cleaned up old jobs", logx.Int("removed", n))
	}
	return n
}

func (s *JobStore) Close() error { return s.backend.Close() }

// Stats summarizes persisted history for statistics and health checks.
type Stats struct {
	Total    int
	ByStatus map[string]int
}

func (s *JobStore) Stats() Stats {
	st := Stats{ByStatus: make(map[string]int, 6)}
	st.Total = s.Count("")
	for _, status := range job.Statuses() {
		if n := s.Count(status); n > 0 {
			st.ByStatus[string(status)] = n
		}
	}
	return st
}
