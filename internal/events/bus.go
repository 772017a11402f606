// Package events is an in-memory fanout of job lifecycle notifications.
// Consumers subscribe to watch jobs move through the system without polling
// storage.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the runtime.
const (
	TypeSubmitted = "job.submitted"
	TypeStarted   = "job.started"
	TypeCompleted = "job.completed"
	TypeFailed    = "job.failed"
	TypeRetrying  = "job.retrying"
	TypeCancelled = "job.cancelled"
)

// Event describes one job transition.
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers lose events rather than stalling the publisher.
type Event struct {
	Type    string
	Time    time.Time
	JobID   string
	JobName string
	// Attempt is 1-based for started/completed/failed/retrying events.
	Attempt int
	// Err carries the failure message for failed and retrying events.
	Err string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

// Stats counts bus traffic since creation. Dropped sums over all
// subscribers, past and present.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// New returns a bus with no background goroutines of its own.
func New() Bus {
	return &memBus{}
}

// subscriber serializes sends against its own close, so Publish never
// writes to a closed channel. The send itself stays non-blocking.
type subscriber struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
}

func (s *subscriber) send(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped++
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.Mutex
	subs []*subscriber

	published atomic.Uint64
	delivered atomic.Uint64
	// dropped accumulates counters of departed subscribers; live counters
	// are summed on demand in Stats.
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Snapshot so no bus lock is held while sending.
	b.mu.Lock()
	snapshot := make([]*subscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		if s.send(e) {
			b.delivered.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur == s {
					last := len(b.subs) - 1
					b.subs[i] = b.subs[last]
					b.subs = b.subs[:last]
					break
				}
			}
			b.mu.Unlock()
			s.close()

			s.mu.Lock()
			b.dropped.Add(s.dropped)
			s.mu.Unlock()
		})
	}
	return s.ch, unsub
}

func (b *memBus) Stats() Stats {
	st := Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
	b.mu.Lock()
	st.Subscribers = len(b.subs)
	for _, s := range b.subs {
		s.mu.Lock()
		st.Dropped += s.dropped
		s.mu.Unlock()
	}
	b.mu.Unlock()
	return st
}
