package model

import (
	"encoding/json"
	"time"
)

// JobProcessAuditLog is the only job name the audit pipeline produces.
const JobProcessAuditLog = "process-audit-log"

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
)

// JobStates lists every state reported by a queue status snapshot.
var JobStates = []JobState{JobWaiting, JobActive, JobCompleted, JobFailed, JobDelayed}

// JobOptions controls how a job is scheduled. Priority 1 is the highest tier.
// Attempts <= 0 means the queue default.
type JobOptions struct {
	Priority int           `json:"priority"`
	Delay    time.Duration `json:"delay"`
	Attempts int           `json:"attempts,omitempty"`
}

type BulkJob struct {
	Name    string
	Payload any
	Options JobOptions
}

// Job is a queue record as seen by a consumer.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	Timestamp    time.Time       `json:"timestamp"`
	ProcessAt    time.Time       `json:"process_at"`
	FailedReason string          `json:"failed_reason,omitempty"`
}

type QueueStatus struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Set stores the count for a state; unknown states are ignored.
func (s *QueueStatus) Set(state JobState, n int64) {
	switch state {
	case JobWaiting:
		s.Waiting = n
	case JobActive:
		s.Active = n
	case JobCompleted:
		s.Completed = n
	case JobFailed:
		s.Failed = n
	case JobDelayed:
		s.Delayed = n
	}
}
