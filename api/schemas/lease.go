package schemas

import "time"

// LeaseState tracks the binding of one tool invocation to one worker.
type LeaseState string

const (
	LeasePending   LeaseState = "pending"
	LeaseActive    LeaseState = "active"
	LeaseCompleted LeaseState = "completed"
	LeaseFailed    LeaseState = "failed"
	LeaseCancelled LeaseState = "cancelled"
	LeaseOrphaned  LeaseState = "orphaned"
)

// Terminal reports whether the lease has reached an end state. Orphaned is
// not terminal: it must be resolved by reassignment or failure first.
func (s LeaseState) Terminal() bool {
	return s == LeaseCompleted || s == LeaseFailed || s == LeaseCancelled
}

// Lease binds a (scan, stage, tool) invocation to a worker and its remote
// task handle. At most one active lease exists per triple.
type Lease struct {
	ID        string     `json:"id"`
	ScanID    string     `json:"scan_id"`
	Stage     string     `json:"stage"`
	Tool      string     `json:"tool"`
	WorkerID  string     `json:"worker_id"`
	Handle    string     `json:"handle,omitempty"`
	State     LeaseState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// Invocation is the unit of work handed to a worker agent.
type Invocation struct {
	ScanID  string            `json:"scan_id"`
	Stage   string            `json:"stage"`
	Tool    string            `json:"tool"`
	Params  map[string]string `json:"params,omitempty"`
	Timeout time.Duration     `json:"timeout"`
}

// TaskState is the remote-side execution state reported by a worker agent.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// StatusReport is one poll result for a dispatched invocation. Result carries
// the raw tool output for downstream asset extraction; Error is set when the
// tool exited non-zero or the agent hit an internal failure.
type StatusReport struct {
	State    TaskState `json:"state"`
	ExitCode int       `json:"exit_code"`
	Result   []byte    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ToolResult is the structured record emitted to the persistence layer on
// every lease terminal transition.
type ToolResult struct {
	ScanID     string    `json:"scan_id"`
	Stage      string    `json:"stage"`
	Tool       string    `json:"tool"`
	WorkerID   string    `json:"worker_id"`
	Success    bool      `json:"success"`
	Output     []byte    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
