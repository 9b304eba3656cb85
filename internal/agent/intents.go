// Package agent runs one inbound message end to end: resume the
// session, recover context when it went stale, invoke the backend and
// dispatch the tool calls it returns.
package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agenthost/internal/memory"
	"github.com/nextlevelbuilder/agenthost/internal/providers"
	"github.com/nextlevelbuilder/agenthost/internal/scheduler"
)

// Intent is one validated tool call. The variant set is closed; the
// dispatcher switches on the concrete type.
type Intent interface {
	intentName() string
}

// SendMessage sends text to the user over the chat adapter.
type SendMessage struct {
	Text string
}

// SendFile sends a file from the user's working directory.
type SendFile struct {
	Path    string
	Caption string
}

// DelegateTask hands work to a sub-agent.
type DelegateTask struct {
	Description string
	Prompt      string
}

// DelegateReviewTask hands work to a sub-agent gated by a review loop.
type DelegateReviewTask struct {
	Description    string
	Prompt         string
	ReviewCriteria string
}

// CancelTask cancels a sub-agent task.
type CancelTask struct {
	TaskID string
}

// ScheduleCreate registers a new scheduled task.
type ScheduleCreate struct {
	Task *scheduler.Task
}

// ScheduleUpdate replaces a scheduled task's definition.
type ScheduleUpdate struct {
	Task *scheduler.Task
}

// ScheduleDelete removes a scheduled task.
type ScheduleDelete struct {
	TaskID string
}

// ScheduleEnable re-enables a scheduled task.
type ScheduleEnable struct {
	TaskID string
}

// ScheduleDisable pauses a scheduled task.
type ScheduleDisable struct {
	TaskID string
}

// ScheduleList asks for the user's schedules.
type ScheduleList struct{}

// MemorySave records a fact about the user, optionally superseding an
// earlier one.
type MemorySave struct {
	Content      string
	Category     string
	SupersedesID string
	Visibility   string
	Tags         []string
	Confidence   float64
}

// MemorySearch looks facts up.
type MemorySearch struct {
	Keyword  string
	Category string
	Limit    int
}

func (SendMessage) intentName() string        { return "send_message" }
func (SendFile) intentName() string           { return "send_file" }
func (DelegateTask) intentName() string       { return "delegate_task" }
func (DelegateReviewTask) intentName() string { return "delegate_and_review" }
func (CancelTask) intentName() string         { return "cancel_task" }
func (ScheduleCreate) intentName() string     { return "schedule_create" }
func (ScheduleUpdate) intentName() string     { return "schedule_update" }
func (ScheduleDelete) intentName() string     { return "schedule_delete" }
func (ScheduleEnable) intentName() string     { return "schedule_enable" }
func (ScheduleDisable) intentName() string    { return "schedule_disable" }
func (ScheduleList) intentName() string       { return "schedule_list" }
func (MemorySave) intentName() string         { return "memory_save" }
func (MemorySearch) intentName() string       { return "memory_search" }

// args wraps the raw tool-call arguments with typed accessors. JSON
// numbers arrive as float64.
type args map[string]any

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func (a args) optStr(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a args) optInt(key string) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (a args) optFloat(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (a args) optStrings(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (a args) optInts(key string) []int {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

// ParseIntent validates one tool call and returns its typed intent.
func ParseIntent(call providers.ToolCall) (Intent, error) {
	a := args(call.Args)
	switch call.Name {
	case "send_message":
		text, err := a.str("text")
		if err != nil {
			return nil, err
		}
		return SendMessage{Text: text}, nil

	case "send_file":
		path, err := a.str("path")
		if err != nil {
			return nil, err
		}
		return SendFile{Path: path, Caption: a.optStr("caption")}, nil

	case "delegate_task":
		description, err := a.str("description")
		if err != nil {
			return nil, err
		}
		prompt, err := a.str("prompt")
		if err != nil {
			return nil, err
		}
		return DelegateTask{Description: description, Prompt: prompt}, nil

	case "delegate_and_review":
		description, err := a.str("description")
		if err != nil {
			return nil, err
		}
		prompt, err := a.str("prompt")
		if err != nil {
			return nil, err
		}
		criteria, err := a.str("review_criteria")
		if err != nil {
			return nil, err
		}
		return DelegateReviewTask{Description: description, Prompt: prompt, ReviewCriteria: criteria}, nil

	case "cancel_task":
		id, err := a.str("task_id")
		if err != nil {
			return nil, err
		}
		return CancelTask{TaskID: id}, nil

	case "schedule_create", "schedule_update":
		task, err := scheduleTaskFromArgs(a)
		if err != nil {
			return nil, err
		}
		if call.Name == "schedule_create" {
			return ScheduleCreate{Task: task}, nil
		}
		return ScheduleUpdate{Task: task}, nil

	case "schedule_delete":
		id, err := a.str("task_id")
		if err != nil {
			return nil, err
		}
		return ScheduleDelete{TaskID: id}, nil

	case "schedule_enable":
		id, err := a.str("task_id")
		if err != nil {
			return nil, err
		}
		return ScheduleEnable{TaskID: id}, nil

	case "schedule_disable":
		id, err := a.str("task_id")
		if err != nil {
			return nil, err
		}
		return ScheduleDisable{TaskID: id}, nil

	case "schedule_list":
		return ScheduleList{}, nil

	case "memory_save":
		content, err := a.str("content")
		if err != nil {
			return nil, err
		}
		category, err := a.str("category")
		if err != nil {
			return nil, err
		}
		if !memory.ValidCategory(category) {
			return nil, fmt.Errorf("unknown memory category %q", category)
		}
		if v := a.optStr("visibility"); v != "" && v != string(memory.VisibilityPublic) && v != string(memory.VisibilityPrivate) {
			return nil, fmt.Errorf("visibility must be public or private, got %q", v)
		}
		return MemorySave{
			Content:      content,
			Category:     category,
			SupersedesID: a.optStr("supersedes_id"),
			Visibility:   a.optStr("visibility"),
			Tags:         a.optStrings("tags"),
			Confidence:   a.optFloat("confidence"),
		}, nil

	case "memory_search":
		return MemorySearch{
			Keyword:  a.optStr("keyword"),
			Category: a.optStr("category"),
			Limit:    a.optInt("limit"),
		}, nil

	default:
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

// scheduleTaskFromArgs builds a scheduler task from tool-call
// arguments. Validation proper happens in the scheduler; this only
// shapes the fields.
func scheduleTaskFromArgs(a args) (*scheduler.Task, error) {
	id, err := a.str("task_id")
	if err != nil {
		return nil, err
	}
	kind, err := a.str("schedule_type")
	if err != nil {
		return nil, err
	}
	prompt, err := a.str("prompt")
	if err != nil {
		return nil, err
	}
	task := &scheduler.Task{
		TaskID:          id,
		Name:            a.optStr("name"),
		Type:            scheduler.Type(kind),
		Hour:            a.optInt("hour"),
		Minute:          a.optInt("minute"),
		Weekdays:        a.optInts("weekdays"),
		MonthDay:        a.optInt("month_day"),
		IntervalSeconds: a.optInt("interval_seconds"),
		RunDate:         a.optStr("run_date"),
		Prompt:          prompt,
		Enabled:         true,
	}
	if task.Name == "" {
		task.Name = task.TaskID
	}
	if n := a.optInt("max_runs"); n > 0 {
		task.MaxRuns = &n
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}
