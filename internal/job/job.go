package job

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusRetry marks a failed job that has been re-queued and is
	// waiting for another attempt.
	StatusRetry Status = "retry"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Statuses lists all lifecycle states, for breakdowns and validation.
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusRetry}
}

// ParseStatus validates a status string from storage or the CLI.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Statuses(), st) {
		return st, nil
	}
	return "", fmt.Errorf("job: unknown status %q", s)
}

// Priority orders dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Priorities lists all levels from highest to lowest dispatch order.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("job: unknown priority %q", s)
	}
}

const DefaultMaxRetries = 3

// Job is a unit of schedulable, retryable work.
//
// Identity is assigned once at creation and never reused. Lifecycle fields
// (Status, StartedAt, CompletedAt, RetryCount, ErrorMessage, Result) are
// mutated only by the executor and by cancellation.
type Job struct {
	ID         string
	Name       string
	Command    Command
	Parameters map[string]any
	Tags       []string
	Metadata   map[string]string

	Priority   Priority
	Timeout    time.Duration // 0 means the executor default applies
	MaxRetries int

	Status       Status
	CreatedAt    time.Time
	ScheduledAt  time.Time
	StartedAt    time.Time // zero until first started
	CompletedAt  time.Time // zero until finished
	RetryCount   int
	ErrorMessage string
	Result       map[string]any
}

// Option customizes a job at creation time.
type Option func(*Job)

func WithParameters(params map[string]any) Option {
	return func(j *Job) { j.Parameters = params }
}

func WithPriority(p Priority) Option {
	return func(j *Job) { j.Priority = p }
}

func WithTimeout(d time.Duration) Option {
	return func(j *Job) { j.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(j *Job) {
		if n >= 0 {
			j.MaxRetries = n
		}
	}
}

func WithTags(tags ...string) Option {
	return func(j *Job) { j.Tags = tags }
}

func WithMetadata(md map[string]string) Option {
	return func(j *Job) { j.Metadata = md }
}

// New builds a job with a fresh identity and decoded command. Pure: it does
// not touch the queue or storage.
func New(name, command string, opts ...Option) (*Job, error) {
	cmd, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	j := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Command:     cmd,
		Parameters:  map[string]any{},
		Priority:    PriorityNormal,
		MaxRetries:  DefaultMaxRetries,
		Status:      StatusPending,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.Parameters == nil {
		j.Parameters = map[string]any{}
	}
	return j, nil
}

// IsReadyToRun reports whether the job may be dispatched at the given time.
func (j *Job) IsReadyToRun(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledAt.After(now)
}

// CanRetry reports whether a failed job has attempts left.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

func (j *Job) HasTag(tag string) bool {
	return slices.Contains(j.Tags, tag)
}

func (j *Job) MarkStarted() {
	j.Status = StatusRunning
	j.StartedAt = time.Now()
}

func (j *Job) MarkCompleted(result map[string]any) {
	j.Status = StatusCompleted
	j.CompletedAt = time.Now()
	j.Result = result
}

func (j *Job) MarkFailed(msg string) {
	j.Status = StatusFailed
	j.CompletedAt = time.Now()
	j.ErrorMessage = msg
}

func (j *Job) MarkCancelled() {
	j.Status = StatusCancelled
	j.CompletedAt = time.Now()
}

// IncrementRetry bumps the retry counter and rewinds lifecycle state so the
// job can be re-queued. This is the FAILED -> RETRY transition; the queue
// add that follows is RETRY -> PENDING made visible by the next dispatch.
func (j *Job) IncrementRetry() {
	j.RetryCount++
	j.Status = StatusRetry
	j.StartedAt = time.Time{}
	j.CompletedAt = time.Time{}
}

// CloneForRun copies a recurring template into a brand-new job: fresh
// identity and timestamps, zeroed retry state, deep-copied collections.
func (j *Job) CloneForRun() *Job {
	now := time.Now()
	clone := &Job{
		ID:          uuid.NewString(),
		Name:        j.Name,
		Command:     j.Command,
		Parameters:  copyMap(j.Parameters),
		Tags:        slices.Clone(j.Tags),
		Metadata:    copyStringMap(j.Metadata),
		Priority:    j.Priority,
		Timeout:     j.Timeout,
		MaxRetries:  j.MaxRetries,
		Status:      StatusPending,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	return clone
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
