package models

import "time"

type PipelineStatus string

const (
	IdlePipelineStatus      PipelineStatus = "idle"
	WaitingPipelineStatus   PipelineStatus = "waiting_for_start"
	RunningPipelineStatus   PipelineStatus = "running"
	PausedPipelineStatus    PipelineStatus = "paused"
	StoppingPipelineStatus  PipelineStatus = "stopping"
	StoppedPipelineStatus   PipelineStatus = "stopped"
	CompletedPipelineStatus PipelineStatus = "completed"
	ErrorPipelineStatus     PipelineStatus = "error"
)

// StatusSummary is the shared run summary maintained by the monitor.
type StatusSummary struct {
	Status        PipelineStatus `json:"status"`
	CurrentStage  string         `json:"current_stage,omitempty"`
	CurrentPeriod string         `json:"current_period,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"` // Set once, on the first transition into running
	LastUpdated   time.Time      `json:"last_updated"`
}

// ProgressSnapshot is the aggregated view delivered to every observer:
// the status summary merged with per-checkpoint progress.
type ProgressSnapshot struct {
	StatusSummary
	Stages map[string]StageProgress `json:"stages"`
}
