package schemas

import "time"

// EventType enumerates the lifecycle events the core publishes. Delivery to
// external notifiers is out of scope; subscribers consume these from the bus.
type EventType string

const (
	EventScanStarted    EventType = "scan_started"
	EventStageCompleted EventType = "stage_completed"
	EventScanCompleted  EventType = "scan_completed"
	EventScanFailed     EventType = "scan_failed"
	EventScanCancelled  EventType = "scan_cancelled"
	EventWorkerOffline  EventType = "worker_offline"
	EventWorkerOnline   EventType = "worker_online"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	ScanID    string    `json:"scan_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
