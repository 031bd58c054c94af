package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
)

// Terminal reports whether the status is one of the three end states
// counted by the stage-level counters.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == SkippedTaskStatus
}

// ValidTaskStatus reports whether s is one of the known task statuses.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case PendingTaskStatus, RunningTaskStatus, CompletedTaskStatus, FailedTaskStatus, SkippedTaskStatus:
		return true
	}
	return false
}

// TaskInfo tracks one unit of work (e.g. one grid cell) within a stage checkpoint.
type TaskInfo struct {
	TaskID       string            `json:"task_id"`
	Status       TaskStatus        `json:"status"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`    // Set on entering RUNNING
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`  // Set on entering a terminal state
	ErrorMessage string            `json:"error_message,omitempty"` // Set only on FAILED
	Metadata     map[string]string `json:"metadata,omitempty"`      // Worker-specific result details (e.g. output path)
}
