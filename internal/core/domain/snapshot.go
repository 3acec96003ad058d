package domain

import "time"

// RunState is the lifecycle state recorded in a progress snapshot.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateAborted   RunState = "aborted"
	RunStateCancelled RunState = "cancelled"
	RunStateFailed    RunState = "failed"
)

// Snapshot is advisory progress metadata. The outcome log stays authoritative.
type Snapshot struct {
	RunID            string    `json:"run_id"`
	State            RunState  `json:"state"`
	ProcessedCount   int64     `json:"processed_count"`
	TotalCount       int64     `json:"total_count"`
	FailedCount      int64     `json:"failed_count"`
	LastIndexWritten int64     `json:"last_index_written"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Manifest describes how a run was started so it can be resumed by id.
type Manifest struct {
	RunID     string    `json:"run_id"`
	InputPath string    `json:"input_path"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
