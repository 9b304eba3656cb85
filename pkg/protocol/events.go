// Package protocol defines the wire-level events pushed to dashboard
// clients over the WebSocket gateway. Payload field names are part of the
// public contract and must stay stable.
package protocol

// Event names pushed from server to client.
const (
	EventTaskCreated      = "task_created"
	EventTaskUpdate       = "task_update"
	EventScheduleExecuted = "schedule_executed"
	EventStorageUpdate    = "storage_update"
	EventPong             = "pong"
)

// Event is the envelope for every message sent to a subscriber.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// TaskCreatedPayload announces a newly admitted sub-agent task.
type TaskCreatedPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// TaskUpdatePayload carries a task status transition. Result and
// CompletedAt are only present on terminal transitions.
type TaskUpdatePayload struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ScheduleExecutedPayload announces a scheduler fire.
type ScheduleExecutedPayload struct {
	TaskID   string `json:"task_id"`
	RunCount int    `json:"run_count"`
	NextRun  string `json:"next_run,omitempty"`
}

// StorageUpdatePayload reports a user's storage accounting.
type StorageUpdatePayload struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}
