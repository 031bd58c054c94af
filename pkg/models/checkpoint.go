package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// StageCheckpoint is the unit of persistence and resumability, keyed by
// (stage name, optional period). It is mutated only through its methods;
// counters and the task map are kept consistent on every transition:
//
//	completed + failed + skipped + |PENDING or RUNNING| == total
type StageCheckpoint struct {
	Stage          string               `json:"stage"`
	Period         string               `json:"period,omitempty"`
	TotalTasks     int                  `json:"total_tasks"`
	CompletedTasks int                  `json:"completed_tasks"`
	FailedTasks    int                  `json:"failed_tasks"`
	SkippedTasks   int                  `json:"skipped_tasks"`
	Tasks          map[string]*TaskInfo `json:"tasks"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"` // Set exactly once, when the stage first completes
}

// NewStageCheckpoint builds a checkpoint with every task id pre-registered as PENDING.
func NewStageCheckpoint(stage, period string, taskIDs []string) *StageCheckpoint {
	now := time.Now().UTC()
	cp := &StageCheckpoint{
		Stage:      stage,
		Period:     period,
		TotalTasks: len(taskIDs),
		Tasks:      make(map[string]*TaskInfo, len(taskIDs)),
		StartedAt:  &now,
	}
	for _, id := range taskIDs {
		cp.Tasks[id] = &TaskInfo{TaskID: id, Status: PendingTaskStatus}
	}
	return cp
}

// CheckpointKey builds the identity of a checkpoint, also used as its file stem.
func CheckpointKey(stage, period string) string {
	if period == "" {
		return stage
	}
	return fmt.Sprintf("%s_%s", stage, period)
}

// Key returns the checkpoint's (stage, period) identity.
func (c *StageCheckpoint) Key() string {
	return CheckpointKey(c.Stage, c.Period)
}

// SetTaskStatus transitions a task to the given status, adjusting the
// stage counters: the counter of the old terminal status (if any) is
// decremented and the counter of the new one incremented. Timestamps and
// the error message follow the transition; metadata replaces the task's
// metadata when non-nil.
func (c *StageCheckpoint) SetTaskStatus(taskID string, status TaskStatus, errMsg string, metadata map[string]string) error {
	task, ok := c.Tasks[taskID]
	if !ok {
		return errors.Errorf("task %q not registered in checkpoint %s", taskID, c.Key())
	}
	if !ValidTaskStatus(status) {
		return errors.Errorf("invalid task status %q", status)
	}

	switch task.Status {
	case CompletedTaskStatus:
		c.CompletedTasks--
	case FailedTaskStatus:
		c.FailedTasks--
	case SkippedTaskStatus:
		c.SkippedTasks--
	}
	switch status {
	case CompletedTaskStatus:
		c.CompletedTasks++
	case FailedTaskStatus:
		c.FailedTasks++
	case SkippedTaskStatus:
		c.SkippedTasks++
	}

	now := time.Now().UTC()
	task.Status = status
	switch {
	case status == RunningTaskStatus:
		task.StartedAt = &now
		task.CompletedAt = nil
	case status.Terminal():
		task.CompletedAt = &now
	case status == PendingTaskStatus:
		task.StartedAt = nil
		task.CompletedAt = nil
	}
	if status == FailedTaskStatus {
		task.ErrorMessage = errMsg
	} else {
		task.ErrorMessage = ""
	}
	if metadata != nil {
		task.Metadata = metadata
	}

	if c.IsCompleted() && c.CompletedAt == nil {
		c.CompletedAt = &now
	}
	return nil
}

// IsCompleted reports whether every task ended COMPLETED or SKIPPED.
func (c *StageCheckpoint) IsCompleted() bool {
	return c.CompletedTasks+c.SkippedTasks == c.TotalTasks
}

// Progress returns the completion percentage; 100 when the checkpoint is empty.
func (c *StageCheckpoint) Progress() float64 {
	if c.TotalTasks == 0 {
		return 100
	}
	return 100 * float64(c.CompletedTasks+c.SkippedTasks) / float64(c.TotalTasks)
}

// PendingTaskIDs returns the PENDING task ids in deterministic (sorted) order.
func (c *StageCheckpoint) PendingTaskIDs() []string {
	return c.taskIDsWithStatus(PendingTaskStatus)
}

// FailedTaskIDs returns the FAILED task ids in deterministic (sorted) order.
func (c *StageCheckpoint) FailedTaskIDs() []string {
	return c.taskIDsWithStatus(FailedTaskStatus)
}

func (c *StageCheckpoint) taskIDsWithStatus(status TaskStatus) []string {
	ids := []string{}
	for id, t := range c.Tasks {
		if t.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SameTaskIDs reports whether the checkpoint's task set matches ids exactly.
func (c *StageCheckpoint) SameTaskIDs(ids []string) bool {
	if len(ids) != len(c.Tasks) {
		return false
	}
	for _, id := range ids {
		if _, ok := c.Tasks[id]; !ok {
			return false
		}
	}
	return true
}

// ResetFailed rewrites every FAILED task back to PENDING, clearing its
// error and timestamps, and clears the stage completion timestamp (a stage
// with newly-reset tasks is not completed). Returns the number of tasks reset.
func (c *StageCheckpoint) ResetFailed() int {
	count := 0
	for _, t := range c.Tasks {
		if t.Status != FailedTaskStatus {
			continue
		}
		t.Status = PendingTaskStatus
		t.ErrorMessage = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		c.FailedTasks--
		count++
	}
	if count > 0 {
		c.CompletedAt = nil
	}
	return count
}

// ReconcileRunning rewrites tasks left RUNNING by an interrupted process
// back to PENDING so they are re-attempted on resume.
func (c *StageCheckpoint) ReconcileRunning() int {
	count := 0
	for _, t := range c.Tasks {
		if t.Status != RunningTaskStatus {
			continue
		}
		t.Status = PendingTaskStatus
		t.StartedAt = nil
		count++
	}
	return count
}

// Snapshot returns the progress counters in the shape broadcast to observers.
func (c *StageCheckpoint) Snapshot() StageProgress {
	status := "in_progress"
	if c.IsCompleted() {
		status = "completed"
	}
	return StageProgress{
		Progress:  c.Progress(),
		Total:     c.TotalTasks,
		Completed: c.CompletedTasks,
		Failed:    c.FailedTasks,
		Skipped:   c.SkippedTasks,
		Status:    status,
	}
}

// StageProgress is the per-(stage,period) slice of a progress broadcast.
type StageProgress struct {
	Progress  float64 `json:"progress_percentage"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Status    string  `json:"status"`
}
