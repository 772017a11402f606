// Package queue holds jobs that are ready to run and releases them in
// strict priority order (urgent > high > normal > low). Within one level,
// dispatch is FIFO: entries are heap-ordered by a monotonically increasing
// sequence number assigned at Add time.
package queue

import (
	"container/heap"
	"sync"

	"jobrunner/internal/job"
	"jobrunner/pkg/logx"
)

type entry struct {
	seq uint64
	job *job.Job
}

type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Stats is a point-in-time snapshot of queue counters. Per-field consistency
// only; the snapshot as a whole is not atomic with respect to mutations.
type Stats struct {
	Added     uint64
	Retrieved uint64
	Removed   uint64

	CurrentSize       int
	AddedByPriority   map[string]uint64
	PriorityBreakdown map[string]int
	StatusBreakdown   map[string]int
}

// Queue is a thread-safe, priority-ordered holding area. Cancellation leaves
// stale heap entries behind; they are discarded lazily when Next or Peek
// scans past them.
type Queue struct {
	mu      sync.Mutex
	buckets map[job.Priority]*entryHeap
	lookup  map[string]*job.Job
	seq     uint64

	added           uint64
	retrieved       uint64
	removed         uint64
	addedByPriority map[job.Priority]uint64

	log logx.Logger
}

func New(log logx.Logger) *Queue {
	q := &Queue{
		buckets:         make(map[job.Priority]*entryHeap, 4),
		lookup:          make(map[string]*job.Job),
		addedByPriority: make(map[job.Priority]uint64, 4),
		log:             log,
	}
	for _, p := range job.Priorities() {
		q.buckets[p] = &entryHeap{}
	}
	return q
}

// Add inserts a job into its priority bucket. A duplicate id is logged and
// ignored; Add never fails.
func (q *Queue) Add(j *job.Job) {
	if j == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.lookup[j.ID]; dup {
		q.log.Warn("queue: duplicate job ignored", logx.String("id", j.ID), logx.String("name", j.Name))
		return
	}
	b, ok := q.buckets[j.Priority]
	if !ok {
		// Out-of-range priority lands in the normal bucket rather than vanishing.
		q.log.Warn("queue: unknown priority, using normal", logx.String("id", j.ID), logx.Int("priority", int(j.Priority)))
		b = q.buckets[job.PriorityNormal]
	}

	q.seq++
	heap.Push(b, entry{seq: q.seq, job: j})
	q.lookup[j.ID] = j
	q.added++
	q.addedByPriority[j.Priority]++

	q.log.Debug("queue: job added", logx.String("id", j.ID), logx.String("name", j.Name), logx.String("priority", j.Priority.String()))
}

// Next removes and returns the highest-priority job, or nil when the queue
// is empty.
func (q *Queue) Next() *job.Job {
	return q.NextFunc(nil)
}

// NextFunc is Next with a handover hook: onPop runs with the popped job
// while the queue lock is still held. A caller that tracks in-flight work
// registers the job inside onPop, so a concurrent Remove that misses the
// queue is guaranteed to find the job in the caller's tracking afterwards.
// onPop must not call back into the queue.
func (q *Queue) NextFunc(onPop func(*job.Job)) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range job.Priorities() {
		b := q.buckets[p]
		for b.Len() > 0 {
			e := heap.Pop(b).(entry)
			if _, live := q.lookup[e.job.ID]; !live {
				continue // removed or cancelled while queued
			}
			delete(q.lookup, e.job.ID)
			q.retrieved++
			if onPop != nil {
				onPop(e.job)
			}
			return e.job
		}
	}
	return nil
}

// Peek returns the job Next would return, without removing it.
func (q *Queue) Peek() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range job.Priorities() {
		b := q.buckets[p]
		for b.Len() > 0 {
			e := (*b)[0]
			if _, live := q.lookup[e.job.ID]; live {
				return e.job
			}
			heap.Pop(b)
		}
	}
	return nil
}

// Remove drops a job by id. The heap entry is purged lazily.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.lookup[id]
	if !ok {
		return false
	}
	delete(q.lookup, id)
	q.removed++
	q.log.Debug("queue: job removed", logx.String("id", id), logx.String("name", j.Name))
	return true
}

// Get returns a queued job by id without removing it.
func (q *Queue) Get(id string) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lookup[id]
}

// Jobs returns all queued jobs, in no particular order.
func (q *Queue) Jobs() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*job.Job, 0, len(q.lookup))
	for _, j := range q.lookup {
		out = append(out, j)
	}
	return out
}

func (q *Queue) ByStatus(s job.Status) []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*job.Job
	for _, j := range q.lookup {
		if j.Status == s {
			out = append(out, j)
		}
	}
	return out
}

func (q *Queue) ByTag(tag string) []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*job.Job
	for _, j := range q.lookup {
		if j.HasTag(tag) {
			out = append(out, j)
		}
	}
	return out
}

func (q *Queue) ByPriority(p job.Priority) []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*job.Job
	for _, j := range q.lookup {
		if j.Priority == p {
			out = append(out, j)
		}
	}
	return out
}

// ClearPriority empties one bucket.
func (q *Queue) ClearPriority(p job.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.buckets[p]
	if !ok {
		return
	}
	for _, e := range *b {
		delete(q.lookup, e.job.ID)
	}
	*b = (*b)[:0]
	q.log.Info("queue: cleared priority bucket", logx.String("priority", p.String()))
}

// Clear empties everything.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.buckets {
		*b = (*b)[:0]
	}
	q.lookup = make(map[string]*job.Job)
	q.log.Info("queue: cleared all buckets")
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lookup)
}

func (q *Queue) SizePriority(p job.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.lookup {
		if j.Priority == p {
			n++
		}
	}
	return n
}

func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Added:             q.added,
		Retrieved:         q.retrieved,
		Removed:           q.removed,
		CurrentSize:       len(q.lookup),
		AddedByPriority:   make(map[string]uint64, len(q.addedByPriority)),
		PriorityBreakdown: make(map[string]int, 4),
		StatusBreakdown:   make(map[string]int),
	}
	for p, n := range q.addedByPriority {
		st.AddedByPriority[p.String()] = n
	}
	for _, j := range q.lookup {
		st.PriorityBreakdown[j.Priority.String()]++
		st.StatusBreakdown[string(j.Status)]++
	}
	return st
}
