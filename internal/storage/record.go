package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"jobrunner/internal/job"
)

// record is the flat, serializable projection of a job. Both backends share
// it: the file backend writes it as one JSON document, the sqlite backend
// maps its fields onto columns.
type record struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Parameters   json.RawMessage   `json:"parameters,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Priority     int               `json:"priority"`
	TimeoutSec   int64             `json:"timeout,omitempty"`
	MaxRetries   int               `json:"max_retries"`
	Status       string            `json:"status"`
	CreatedAt    string            `json:"created_at"`
	ScheduledAt  string            `json:"scheduled_at,omitempty"`
	StartedAt    string            `json:"started_at,omitempty"`
	CompletedAt  string            `json:"completed_at,omitempty"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
}

func encodeJob(j *job.Job) (record, error) {
	params, err := json.Marshal(j.Parameters)
	if err != nil {
		return record{}, fmt.Errorf("storage: marshal parameters: %w", err)
	}
	var result json.RawMessage
	if j.Result != nil {
		result, err = json.Marshal(j.Result)
		if err != nil {
			return record{}, fmt.Errorf("storage: marshal result: %w", err)
		}
	}
	return record{
		ID:           j.ID,
		Name:         j.Name,
		Command:      j.Command.String(),
		Parameters:   params,
		Tags:         j.Tags,
		Metadata:     j.Metadata,
		Priority:     int(j.Priority),
		TimeoutSec:   int64(j.Timeout / time.Second),
		MaxRetries:   j.MaxRetries,
		Status:       string(j.Status),
		CreatedAt:    encodeTime(j.CreatedAt),
		ScheduledAt:  encodeTime(j.ScheduledAt),
		StartedAt:    encodeTime(j.StartedAt),
		CompletedAt:  encodeTime(j.CompletedAt),
		RetryCount:   j.RetryCount,
		ErrorMessage: j.ErrorMessage,
		Result:       result,
	}, nil
}

func decodeJob(r record) (*job.Job, error) {
	cmd, err := job.ParseCommand(r.Command)
	if err != nil {
		return nil, fmt.Errorf("storage: job %s: %w", r.ID, err)
	}
	st, err := job.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("storage: job %s: %w", r.ID, err)
	}

	j := &job.Job{
		ID:           r.ID,
		Name:         r.Name,
		Command:      cmd,
		Tags:         r.Tags,
		Metadata:     r.Metadata,
		Priority:     job.Priority(r.Priority),
		Timeout:      time.Duration(r.TimeoutSec) * time.Second,
		MaxRetries:   r.MaxRetries,
		Status:       st,
		RetryCount:   r.RetryCount,
		ErrorMessage: r.ErrorMessage,
	}

	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &j.Parameters); err != nil {
			return nil, fmt.Errorf("storage: job %s: parameters: %w", r.ID, err)
		}
	}
	if j.Parameters == nil {
		j.Parameters = map[string]any{}
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &j.Result); err != nil {
			return nil, fmt.Errorf("storage: job %s: result: %w", r.ID, err)
		}
	}

	if j.CreatedAt, err = decodeTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("storage: job %s: created_at: %w", r.ID, err)
	}
	if j.ScheduledAt, err = decodeTime(r.ScheduledAt); err != nil {
		return nil, fmt.Errorf("storage: job %s: scheduled_at: %w", r.ID, err)
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = j.CreatedAt
	}
	if j.StartedAt, err = decodeTime(r.StartedAt); err != nil {
		return nil, fmt.Errorf("storage: job %s: started_at: %w", r.ID, err)
	}
	if j.CompletedAt, err = decodeTime(r.CompletedAt); err != nil {
		return nil, fmt.Errorf("storage: job %s: completed_at: %w", r.ID, err)
	}
	return j, nil
}

// timeLayout is fixed-width UTC so that stored timestamps order correctly
// under the string comparison sqlite applies to TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
