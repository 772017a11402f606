package storage

import (
	"errors"
	"time"

	"jobrunner/internal/job"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": embedded relational store (one jobs table, indexed)
//   - "file":   one JSON document per job under a directory
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

var ErrClosed = errors.New("storage: store closed")

// Store is the persistence interface shared by all backends.
//
// Get returns (nil, nil) for an unknown id. Update is an upsert, identical
// to Save. List returns jobs sorted by creation time, newest first; a zero
// status means "any", limit <= 0 means "all". Cleanup deletes jobs in a
// terminal state created before the calendar-aware cutoff.
type Store interface {
	Save(j *job.Job) error
	Get(id string) (*job.Job, error)
	Update(j *job.Job) error
	Delete(id string) (bool, error)
	List(status job.Status, limit int) ([]*job.Job, error)
	Count(status job.Status) (int, error)
	Cleanup(olderThanDays int) (int, error)
	Close() error
}

// cleanupCutoff computes the deletion threshold. AddDate handles month and
// year boundaries; subtracting from the day-of-month field does not.
func cleanupCutoff(olderThanDays int) time.Time {
	if olderThanDays < 0 {
		olderThanDays = 0
	}
	return time.Now().AddDate(0, 0, -olderThanDays)
}
