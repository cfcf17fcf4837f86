// Package schemas defines the shared data model for the orchestration core:
// scan tasks, stage progress, worker nodes, dispatch leases and lifecycle
// events. These types cross package boundaries and are what the store
// persists and the API layer serializes.
package schemas

import "time"

// ScanStatus is the overall lifecycle state of a scan.
type ScanStatus string

const (
	ScanInitiated ScanStatus = "initiated"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// Terminal reports whether the status is one of the three final states.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// StageStatus is the per-stage sub-state within a running scan.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// Terminal reports whether the stage has reached a final sub-state.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// StageProgressItem records the observable progress of a single pipeline
// stage. Error holds tool failures, Reason explains skips and cancellations.
type StageProgressItem struct {
	Status    StageStatus   `json:"status"`
	Order     int           `json:"order"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// ScanTask is the persisted record of one scan. StageProgress is keyed by
// stage name; CurrentStage is empty unless exactly one stage is running.
type ScanTask struct {
	ID            string                       `json:"id"`
	TargetID      string                       `json:"target_id"`
	EngineIDs     []string                     `json:"engine_ids"`
	EngineNames   []string                     `json:"engine_names"`
	Status        ScanStatus                   `json:"status"`
	Progress      int                          `json:"progress"`
	CurrentStage  string                       `json:"current_stage,omitempty"`
	StageProgress map[string]StageProgressItem `json:"stage_progress"`
	ErrorMessage  string                       `json:"error_message,omitempty"`
	CreatedAt     time.Time                    `json:"created_at"`
	StoppedAt     *time.Time                   `json:"stopped_at,omitempty"`
}

// ScanRequest is what the initiation API hands to the orchestrator. Each
// entry of EngineYAMLs is one selected engine's configuration document; the
// orchestrator merges them in order before building the pipeline.
type ScanRequest struct {
	TargetID    string   `json:"target_id"`
	EngineYAMLs []string `json:"engine_yamls"`
	EngineIDs   []string `json:"engine_ids"`
	EngineNames []string `json:"engine_names"`
}
