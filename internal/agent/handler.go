package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/channels"
	"github.com/nextlevelbuilder/agenthost/internal/memory"
	"github.com/nextlevelbuilder/agenthost/internal/providers"
	"github.com/nextlevelbuilder/agenthost/internal/scheduler"
	"github.com/nextlevelbuilder/agenthost/internal/sessions"
	"github.com/nextlevelbuilder/agenthost/internal/store"
	"github.com/nextlevelbuilder/agenthost/internal/subagent"
)

// Sender is the per-user serialized delivery surface. Satisfied by
// channels.Outbox.
type Sender interface {
	SendText(userID int64, text string)
	SendFile(userID int64, path, caption string)
}

// Handler runs one inbound message end to end.
type Handler struct {
	root      *store.Root
	users     *store.Users
	sessions  *sessions.Manager
	tasks     *subagent.Manager
	schedules *scheduler.Scheduler
	memories  *memory.Store
	backend   providers.Backend
	out       Sender
	// adapter delivers the typing indicator; nil disables it.
	adapter channels.Adapter
	clock   func() time.Time
}

// NewHandler wires the conversation flow.
func NewHandler(root *store.Root, users *store.Users, sess *sessions.Manager, tasks *subagent.Manager, sched *scheduler.Scheduler, mem *memory.Store, backend providers.Backend, out Sender, adapter channels.Adapter) *Handler {
	return &Handler{
		root:      root,
		users:     users,
		sessions:  sess,
		tasks:     tasks,
		schedules: sched,
		memories:  mem,
		backend:   backend,
		out:       out,
		adapter:   adapter,
		clock:     time.Now,
	}
}

// HandleMessage processes one user message: resume or open a session,
// recover context when stale, invoke the backend (retrying once after
// a remote-session expiry), record the turns and dispatch tool calls.
func (h *Handler) HandleMessage(ctx context.Context, in channels.Inbound) {
	if _, err := h.users.Ensure(in.UserID, in.DisplayName); err != nil {
		slog.Error("agent.user_init_failed", "user_id", in.UserID, "error", err)
		return
	}
	if h.adapter != nil {
		if err := h.adapter.SetTyping(ctx, in.UserID); err != nil {
			slog.Debug("agent.typing_failed", "user_id", in.UserID, "error", err)
		}
	}

	stale := h.sessions.Stale(in.UserID)
	sess, resumed, err := h.sessions.OpenOrResume(ctx, in.UserID)
	if err != nil {
		slog.Error("agent.session_failed", "user_id", in.UserID, "error", err)
		h.out.SendText(in.UserID, "Something went wrong opening your session. Please try again.")
		return
	}

	body := in.Text
	if len(in.FilePaths) > 0 {
		body = fmt.Sprintf("%s\n[attached: %s]", body, strings.Join(in.FilePaths, ", "))
	}
	if err := h.sessions.RecordTurn(sess, "user", body, nil); err != nil {
		slog.Error("agent.record_failed", "user_id", in.UserID, "error", err)
		h.out.SendText(in.UserID, "Could not record your message. Please try again.")
		return
	}

	// A fresh session, or one idle past the stale threshold, gets the
	// recovered context prepended to the invocation.
	needRecovery := !resumed || stale
	res, err := h.invoke(ctx, sess, body, needRecovery)
	if providers.IsRemoteUnknown(err) {
		// Backend dropped the conversation: archive, reopen, retry once
		// with recovered context.
		slog.Warn("agent.remote_session_lost", "user_id", in.UserID, "session_id", sess.ID)
		if err := h.sessions.Expire(ctx, in.UserID, sessions.ReasonRemoteUnknown); err != nil {
			slog.Error("agent.expire_failed", "user_id", in.UserID, "error", err)
		}
		sess, _, err = h.sessions.OpenOrResume(ctx, in.UserID)
		if err != nil {
			h.out.SendText(in.UserID, "Something went wrong opening your session. Please try again.")
			return
		}
		if err := h.sessions.RecordTurn(sess, "user", body, nil); err != nil {
			slog.Error("agent.record_failed", "user_id", in.UserID, "error", err)
		}
		res, err = h.invoke(ctx, sess, body, true)
	}
	if err != nil {
		slog.Error("agent.invoke_failed", "user_id", in.UserID, "error", err)
		h.out.SendText(in.UserID, "I could not reach the model backend. Please try again in a moment.")
		return
	}

	if res.SessionKey != "" && res.SessionKey != sess.RemoteID {
		if err := h.sessions.SetRemoteID(sess, res.SessionKey); err != nil {
			slog.Error("agent.remote_id_failed", "user_id", in.UserID, "error", err)
		}
	}
	usage := &sessions.Usage{InputTokens: res.Usage.InputTokens, OutputTokens: res.Usage.OutputTokens}
	if err := h.sessions.RecordTurn(sess, "assistant", res.Text, usage); err != nil {
		slog.Error("agent.record_failed", "user_id", in.UserID, "error", err)
	}

	if res.Text != "" {
		h.out.SendText(in.UserID, res.Text)
	}
	for _, call := range res.ToolCalls {
		intent, err := ParseIntent(call)
		if err != nil {
			// Validation errors go straight back to the originator.
			h.out.SendText(in.UserID, "Tool call rejected: "+err.Error())
			continue
		}
		if reply := h.dispatch(ctx, in.UserID, intent); reply != "" {
			h.out.SendText(in.UserID, reply)
		}
	}
}

// invoke builds and runs one backend call.
func (h *Handler) invoke(ctx context.Context, sess *sessions.Session, body string, needRecovery bool) (*providers.Result, error) {
	inv := providers.Invocation{
		SessionKey: sess.RemoteID,
		System:     h.systemPrompt(sess.UserID),
		Messages:   []providers.Message{{Role: "user", Content: body}},
	}
	if needRecovery {
		if block := h.sessions.RecoverContext(sess.UserID); block != "" {
			inv.Messages = []providers.Message{
				{Role: "user", Content: block},
				{Role: "user", Content: body},
			}
		}
	}
	return h.backend.Invoke(ctx, inv)
}

// systemPrompt recalls active memories into the system block.
func (h *Handler) systemPrompt(userID int64) string {
	var b strings.Builder
	b.WriteString("You are a personal assistant with background task delegation, schedules and long-term memory.\n")
	b.WriteString("Today is " + h.clock().Format("2006-01-02") + ".\n")

	mems, err := h.memories.Search(userID, memory.Query{Limit: 15})
	if err != nil || len(mems) == 0 {
		return b.String()
	}
	b.WriteString("\nKnown about this user:\n")
	for _, m := range mems {
		fmt.Fprintf(&b, "- [%s] %s\n", m.Category, m.Content)
	}
	return b.String()
}

// dispatch executes one intent and returns the user-facing reply, if
// any. Errors are reported as replies: every intent originates from
// this user's own message.
func (h *Handler) dispatch(ctx context.Context, userID int64, intent Intent) string {
	switch v := intent.(type) {
	case SendMessage:
		h.out.SendText(userID, v.Text)
		return ""

	case SendFile:
		path := v.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(h.root.DataDir(userID), path)
		}
		if !h.root.WithinData(userID, path) {
			return fmt.Sprintf("Refused: %s is outside your workspace.", v.Path)
		}
		h.out.SendFile(userID, path, v.Caption)
		return ""

	case DelegateTask:
		id, err := h.tasks.Delegate(userID, v.Description, v.Prompt)
		if err != nil {
			return "Could not start the task: " + err.Error()
		}
		return fmt.Sprintf("Working on it in the background (task %s).", id)

	case DelegateReviewTask:
		id, err := h.tasks.DelegateAndReview(userID, v.Description, v.Prompt, v.ReviewCriteria)
		if err != nil {
			return "Could not start the task: " + err.Error()
		}
		return fmt.Sprintf("Working on it with quality review (task %s).", id)

	case CancelTask:
		if err := h.tasks.Cancel(v.TaskID); err != nil {
			return "Cancel failed: " + err.Error()
		}
		return fmt.Sprintf("Task %s cancelled.", v.TaskID)

	case ScheduleCreate:
		if err := h.schedules.Create(userID, v.Task); err != nil {
			return "Could not create the schedule: " + err.Error()
		}
		return h.scheduleConfirmation("created", userID, v.Task.TaskID)

	case ScheduleUpdate:
		if err := h.schedules.Update(userID, v.Task); err != nil {
			return "Could not update the schedule: " + err.Error()
		}
		return h.scheduleConfirmation("updated", userID, v.Task.TaskID)

	case ScheduleDelete:
		if err := h.schedules.Delete(userID, v.TaskID); err != nil {
			return "Could not delete the schedule: " + err.Error()
		}
		return fmt.Sprintf("Schedule %s deleted.", v.TaskID)

	case ScheduleEnable:
		if err := h.schedules.Enable(userID, v.TaskID); err != nil {
			return "Could not enable the schedule: " + err.Error()
		}
		return fmt.Sprintf("Schedule %s enabled.", v.TaskID)

	case ScheduleDisable:
		if err := h.schedules.Disable(userID, v.TaskID); err != nil {
			return "Could not disable the schedule: " + err.Error()
		}
		return fmt.Sprintf("Schedule %s disabled.", v.TaskID)

	case ScheduleList:
		tasks, err := h.schedules.List(userID)
		if err != nil {
			return "Could not list schedules: " + err.Error()
		}
		return h.formatSchedules(userID, tasks)

	case MemorySave:
		opts := memory.SaveOptions{
			Tags:       v.Tags,
			Confidence: v.Confidence,
			Visibility: memory.Visibility(v.Visibility),
			SourceType: "explicit",
		}
		var err error
		if v.SupersedesID != "" {
			_, err = h.memories.SaveSuperseding(userID, v.Content, v.Category, v.SupersedesID, opts)
		} else {
			_, _, err = h.memories.Save(userID, v.Content, v.Category, opts)
		}
		if err != nil {
			return "Could not save that: " + err.Error()
		}
		return ""

	case MemorySearch:
		mems, err := h.memories.Search(userID, memory.Query{
			Keyword:  v.Keyword,
			Category: v.Category,
			Limit:    v.Limit,
		})
		if err != nil {
			return "Memory search failed: " + err.Error()
		}
		if len(mems) == 0 {
			return "No matching memories."
		}
		var b strings.Builder
		b.WriteString("Memories:\n")
		for _, m := range mems {
			fmt.Fprintf(&b, "- %s [%s] %s\n", m.ID, m.Category, m.Content)
		}
		return strings.TrimRight(b.String(), "\n")

	default:
		return fmt.Sprintf("Unsupported tool %q.", intent.intentName())
	}
}

func (h *Handler) scheduleConfirmation(verb string, userID int64, taskID string) string {
	task, err := h.schedules.Get(userID, taskID)
	if err != nil {
		return fmt.Sprintf("Schedule %s %s.", taskID, verb)
	}
	loc := time.UTC
	if u := h.users.Get(userID); u != nil {
		loc = u.Location()
	}
	if next := task.NextRun(h.clock(), loc); next != nil {
		return fmt.Sprintf("Schedule %s %s. Next run: %s.", taskID, verb, next.In(loc).Format("Mon Jan 2 15:04"))
	}
	return fmt.Sprintf("Schedule %s %s.", taskID, verb)
}

func (h *Handler) formatSchedules(userID int64, tasks []*scheduler.Task) string {
	if len(tasks) == 0 {
		return "You have no schedules."
	}
	loc := time.UTC
	if u := h.users.Get(userID); u != nil {
		loc = u.Location()
	}
	now := h.clock()
	var b strings.Builder
	b.WriteString("Your schedules:\n")
	for _, t := range tasks {
		state := "on"
		if !t.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "- %s (%s, %s) runs=%d", t.TaskID, t.Type, state, t.RunCount)
		if next := t.NextRun(now, loc); next != nil {
			fmt.Fprintf(&b, " next=%s", next.In(loc).Format("Mon Jan 2 15:04"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
