package model

import "time"

// JobStatus represents the state of a batch enrichment job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// A terminal job can only be superseded by an explicitly created new job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the unit of resumable batch work. Progress counters are mutated
// exclusively by the orchestrator; everyone else reads snapshots.
type Job struct {
	ID                 string     `json:"id"`
	WorkspaceID        string     `json:"workspace_id"`
	WorkSetRef         string     `json:"work_set_ref"`
	Status             JobStatus  `json:"status"`
	TotalItems         int        `json:"total_items"`
	ProcessedItems     int        `json:"processed_items"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	CurrentBatch       int        `json:"current_batch"`
	TotalBatches       int        `json:"total_batches"`
	BatchSize          int        `json:"batch_size"`
	CheckpointInterval int        `json:"checkpoint_interval"`
	LastCheckpointAt   *time.Time `json:"last_checkpoint_at,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Checkpoint is the durable snapshot of a job's progress. A resume loads the
// latest checkpoint and continues from ProcessedItems rather than zero.
type Checkpoint struct {
	JobID          string    `json:"job_id"`
	ProcessedItems int       `json:"processed_items"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	CurrentBatch   int       `json:"current_batch"`
	Terminal       bool      `json:"terminal"`
	SavedAt        time.Time `json:"saved_at"`
}

// Progress is the caller-facing view of a job's advancement, including the
// derived metrics the original dashboard polled for.
type Progress struct {
	JobID              string    `json:"job_id"`
	Status             JobStatus `json:"status"`
	TotalItems         int       `json:"total_items"`
	ProcessedItems     int       `json:"processed_items"`
	SuccessCount       int       `json:"success_count"`
	FailureCount       int       `json:"failure_count"`
	CurrentBatch       int       `json:"current_batch"`
	TotalBatches       int       `json:"total_batches"`
	PercentComplete    int       `json:"percent_complete"`
	ElapsedSeconds     int64     `json:"elapsed_seconds"`
	EstimatedRemaining int64     `json:"estimated_remaining_seconds"`
	SuccessRate        float64   `json:"success_rate"`
	ItemsPerSecond     float64   `json:"items_per_second"`
}
