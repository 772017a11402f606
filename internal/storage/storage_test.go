package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/job"
	"jobrunner/pkg/logx"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "jobs.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "jobs")}, logx.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sq.Close()
		_ = fs.Close()
	})
	return map[string]Store{"sqlite": sq, "file": fs}
}

func sampleJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New("ingest", "shell:process {input}",
		job.WithParameters(map[string]any{"input": "/data/in", "env": map[string]any{"MODE": "batch"}}),
		job.WithPriority(job.PriorityHigh),
		job.WithTimeout(90*time.Second),
		job.WithMaxRetries(2),
		job.WithTags("etl", "nightly"),
		job.WithMetadata(map[string]string{"owner": "data"}),
	)
	require.NoError(t, err)
	return j
}

func TestRoundTrip(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			j := sampleJob(t)
			j.MarkStarted()
			j.MarkCompleted(map[string]any{"rows": float64(42), "stdout": "ok"})
			require.NoError(t, st.Save(j))

			got, err := st.Get(j.ID)
			require.NoError(t, err)
			require.NotNil(t, got)

			assert.Equal(t, j.ID, got.ID)
			assert.Equal(t, j.Name, got.Name)
			assert.Equal(t, j.Command, got.Command)
			assert.Equal(t, j.Priority, got.Priority)
			assert.Equal(t, j.Timeout, got.Timeout)
			assert.Equal(t, j.MaxRetries, got.MaxRetries)
			assert.Equal(t, j.Status, got.Status)
			assert.Equal(t, j.RetryCount, got.RetryCount)
			assert.Equal(t, j.Tags, got.Tags)
			assert.Equal(t, j.Metadata, got.Metadata)
			assert.Equal(t, j.ErrorMessage, got.ErrorMessage)
			assert.Equal(t, map[string]any{"input": "/data/in", "env": map[string]any{"MODE": "batch"}}, got.Parameters)
			assert.Equal(t, map[string]any{"rows": float64(42), "stdout": "ok"}, got.Result)

			assert.True(t, j.CreatedAt.Equal(got.CreatedAt), "created_at")
			assert.True(t, j.ScheduledAt.Equal(got.ScheduledAt), "scheduled_at")
			assert.True(t, j.StartedAt.Equal(got.StartedAt), "started_at")
			assert.True(t, j.CompletedAt.Equal(got.CompletedAt), "completed_at")
		})
	}
}

func TestGetUnknownIsNil(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.Get("no-such-id")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestUpdateIsUpsert(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			j := sampleJob(t)
			require.NoError(t, st.Update(j), "update of a new job behaves like save")

			j.MarkFailed("boom")
			require.NoError(t, st.Update(j))

			got, err := st.Get(j.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, job.StatusFailed, got.Status)
			assert.Equal(t, "boom", got.ErrorMessage)

			n, err := st.Count("")
			require.NoError(t, err)
			assert.Equal(t, 1, n, "upsert must not duplicate")
		})
	}
}

func TestDelete(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			j := sampleJob(t)
			require.NoError(t, st.Save(j))

			ok, err := st.Delete(j.ID)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = st.Delete(j.ID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestListOrderingAndLimit(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().Add(-time.Hour)
			var ids []string
			for i := 0; i < 5; i++ {
				j := sampleJob(t)
				j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				ids = append(ids, j.ID)
				require.NoError(t, st.Save(j))
			}

			jobs, err := st.List("", 0)
			require.NoError(t, err)
			require.Len(t, jobs, 5)
			// Newest first.
			for i := range jobs {
				assert.Equal(t, ids[len(ids)-1-i], jobs[i].ID, "position %d", i)
			}

			jobs, err = st.List("", 2)
			require.NoError(t, err)
			assert.Len(t, jobs, 2)

			jobs, err = st.List(job.StatusFailed, 0)
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestCountByStatus(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			done := sampleJob(t)
			done.MarkStarted()
			done.MarkCompleted(nil)
			require.NoError(t, st.Save(done))

			pending := sampleJob(t)
			require.NoError(t, st.Save(pending))

			n, err := st.Count(job.StatusCompleted)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = st.Count("")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

// cleanup(0) removes every terminal job and leaves pending/running alone,
// regardless of age.
func TestCleanupSafety(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			old := time.Now().AddDate(0, -2, 0)

			completed := sampleJob(t)
			completed.CreatedAt = old
			completed.MarkCompleted(nil)
			failed := sampleJob(t)
			failed.CreatedAt = old
			failed.MarkFailed("x")
			cancelled := sampleJob(t)
			cancelled.CreatedAt = old
			cancelled.MarkCancelled()
			pending := sampleJob(t)
			pending.CreatedAt = old
			running := sampleJob(t)
			running.CreatedAt = old
			running.MarkStarted()

			for _, j := range []*job.Job{completed, failed, cancelled, pending, running} {
				require.NoError(t, st.Save(j))
			}

			n, err := st.Cleanup(0)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			for _, j := range []*job.Job{pending, running} {
				got, err := st.Get(j.ID)
				require.NoError(t, err)
				assert.NotNil(t, got, "non-terminal job must survive cleanup")
			}
			got, err := st.Get(completed.ID)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestCleanupRespectsCutoff(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			fresh := sampleJob(t)
			fresh.MarkCompleted(nil)
			require.NoError(t, st.Save(fresh))

			stale := sampleJob(t)
			stale.CreatedAt = time.Now().AddDate(0, 0, -45)
			stale.MarkCompleted(nil)
			require.NoError(t, st.Save(stale))

			n, err := st.Cleanup(30)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := st.Get(fresh.ID)
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 20; i++ {
						j := sampleJobConcurrent(fmt.Sprintf("w%d-%d", w, i))
						if err := st.Save(j); err != nil {
							t.Errorf("save: %v", err)
							return
						}
					}
				}(w)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < 20; n++ {
					if _, err := st.List("", 10); err != nil {
						t.Errorf("list: %v", err)
						return
					}
				}
			}()
			wg.Wait()

			n, err := st.Count("")
			require.NoError(t, err)
			assert.Equal(t, 80, n)
		})
	}
}

func sampleJobConcurrent(name string) *job.Job {
	j, err := job.New(name, "true")
	if err != nil {
		panic(err)
	}
	return j
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
}

// failingStore helps verify the JobStore soft-failure policy.
type failingStore struct{}

var errBoom = errors.New("disk full")

func (failingStore) Save(*job.Job) error                      { return errBoom }
func (failingStore) Update(*job.Job) error                    { return errBoom }
func (failingStore) Get(string) (*job.Job, error)             { return nil, errBoom }
func (failingStore) Delete(string) (bool, error)              { return false, errBoom }
func (failingStore) List(job.Status, int) ([]*job.Job, error) { return nil, errBoom }
func (failingStore) Count(job.Status) (int, error)            { return 0, errBoom }
func (failingStore) Cleanup(int) (int, error)                 { return 0, errBoom }
func (failingStore) Close() error                             { return nil }

func TestJobStoreSwallowsErrors(t *testing.T) {
	js := NewJobStore(failingStore{}, logx.Nop())
	j := sampleJob(t)

	assert.False(t, js.Save(j))
	assert.False(t, js.Update(j))
	assert.Nil(t, js.Get(j.ID))
	assert.False(t, js.Delete(j.ID))
	assert.Nil(t, js.List("", 0))
	assert.Zero(t, js.Count(""))
	assert.Zero(t, js.Cleanup(0))
}

func TestJobStoreStats(t *testing.T) {
	backends := openBackends(t)
	js := NewJobStore(backends["file"], logx.Nop())

	a := sampleJob(t)
	a.MarkCompleted(nil)
	b := sampleJob(t)
	require.True(t, js.Save(a))
	require.True(t, js.Save(b))

	st := js.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus["completed"])
	assert.Equal(t, 1, st.ByStatus["pending"])
}
