package schemas

import "time"

// WorkerKind distinguishes the in-process local node from enrolled remotes.
type WorkerKind string

const (
	WorkerLocal  WorkerKind = "local"
	WorkerRemote WorkerKind = "remote"
)

// WorkerStatus is the registry's liveness classification.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// Load is one heartbeat's resource report. All values are percentages.
type Load struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// WorkerNode is the registry's view of one worker. Capabilities name the
// pipeline stages the node can execute; they are declared at registration,
// never inferred.
type WorkerNode struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Kind          WorkerKind   `json:"kind"`
	Capabilities  []string     `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	Load          Load         `json:"load"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	InFlight      int          `json:"in_flight"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// HasCapability reports whether the node declared the given stage.
func (w *WorkerNode) HasCapability(stage string) bool {
	for _, c := range w.Capabilities {
		if c == stage {
			return true
		}
	}
	return false
}
