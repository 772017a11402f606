package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"jobrunner/internal/job"
	"jobrunner/pkg/logx"
)

// fileStore keeps one JSON document per job id under a directory. A single
// mutex serializes directory scans and file writes; reads of individual
// documents go through it too, which keeps the concurrency contract trivial
// at the cost of throughput.
type fileStore struct {
	dir string
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage: path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *fileStore) Save(j *job.Job) error {
	r, err := encodeJob(j)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Write-then-rename so a crash mid-write never leaves a torn document.
	tmp := s.path(j.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(j.ID))
}

func (s *fileStore) Update(j *job.Job) error { return s.Save(j) }

func (s *fileStore) Get(id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.readLocked(s.path(id))
}

func (s *fileStore) readLocked(path string) (*job.Job, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return decodeJob(r)
}

func (s *fileStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) List(status job.Status, limit int) ([]*job.Job, error) {
	jobs, err := s.scan(func(j *job.Job) bool {
		return status == "" || j.Status == status
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *fileStore) Count(status job.Status) (int, error) {
	jobs, err := s.scan(func(j *job.Job) bool {
		return status == "" || j.Status == status
	})
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (s *fileStore) Cleanup(olderThanDays int) (int, error) {
	cutoff := cleanupCutoff(olderThanDays)
	victims, err := s.scan(func(j *job.Job) bool {
		return j.Status.Terminal() && j.CreatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, j := range victims {
		if err := os.Remove(s.path(j.ID)); err == nil {
			n++
		} else if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("storage: cleanup remove failed", logx.String("id", j.ID), logx.Err(err))
		}
	}
	return n, nil
}

// scan deserializes every document in the directory, keeping those the
// filter accepts. Unreadable documents are logged and skipped so one corrupt
// file cannot poison list/count/cleanup.
func (s *fileStore) scan(keep func(*job.Job) bool) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*job.Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		j, err := s.readLocked(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("storage: skipping unreadable job document", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		if j != nil && keep(j) {
			out = append(out, j)
		}
	}
	return out, nil
}
