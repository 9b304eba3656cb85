package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/store"
)

// Operation kinds recorded in the schedule operation log.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpEnable  = "enable"
	OpDisable = "disable"
	OpExecute = "execute"
	OpReset   = "reset"
)

// OpEntry is one line of operation_log.jsonl. A delete carries the
// full task snapshot so it can be reconstructed.
type OpEntry struct {
	Op        string    `json:"op"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`

	SubAgentTaskID string `json:"sub_agent_task_id,omitempty"`
	RunCount       *int   `json:"run_count,omitempty"`
	Snapshot       *Task  `json:"snapshot,omitempty"`
}

func (s *Scheduler) appendOp(userID int64, entry OpEntry) error {
	entry.Timestamp = s.clock().UTC()
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode op entry: %w", err)
	}
	path := s.root.ScheduleOpLogFile(userID)
	defer s.locks.Lock(path)()
	return store.AppendLine(path, line)
}
