// Package scheduler fires per-user scheduled tasks and submits them as
// sub-agent tasks. Recurrence is wall-clock in the user's timezone;
// daily, weekly and monthly rules compile to cron expressions.
package scheduler

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Type is a recurrence rule kind.
type Type string

const (
	TypeDaily    Type = "daily"
	TypeWeekly   Type = "weekly"
	TypeMonthly  Type = "monthly"
	TypeInterval Type = "interval"
	TypeOnce     Type = "once"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// Task is one scheduled task. Weekdays use 0=Monday .. 6=Sunday.
type Task struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Type   Type   `json:"schedule_type"`

	Hour    int   `json:"hour"`
	Minute  int   `json:"minute"`
	Weekdays []int `json:"weekdays,omitempty"`
	MonthDay int   `json:"month_day,omitempty"`

	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	FirstFireAt     *time.Time `json:"first_fire_at,omitempty"`
	RunDate         string     `json:"run_date,omitempty"` // YYYY-MM-DD

	Enabled  bool       `json:"enabled"`
	MaxRuns  *int       `json:"max_runs,omitempty"`
	RunCount int        `json:"run_count"`
	LastRun  *time.Time `json:"last_run,omitempty"`

	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the task's shape for its type.
func (t *Task) Validate() error {
	if !taskIDPattern.MatchString(t.TaskID) {
		return fmt.Errorf("task_id %q must match [A-Za-z0-9_]{1,32}", t.TaskID)
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("task %s: empty prompt", t.TaskID)
	}
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("task %s: hour %d out of range", t.TaskID, t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("task %s: minute %d out of range", t.TaskID, t.Minute)
	}
	switch t.Type {
	case TypeDaily:
	case TypeWeekly:
		if len(t.Weekdays) == 0 {
			return fmt.Errorf("task %s: weekly needs weekdays", t.TaskID)
		}
		for _, d := range t.Weekdays {
			if d < 0 || d > 6 {
				return fmt.Errorf("task %s: weekday %d out of range", t.TaskID, d)
			}
		}
	case TypeMonthly:
		if t.MonthDay < 1 || t.MonthDay > 31 {
			return fmt.Errorf("task %s: month_day %d out of range", t.TaskID, t.MonthDay)
		}
	case TypeInterval:
		if t.IntervalSeconds <= 0 {
			return fmt.Errorf("task %s: interval_seconds must be positive", t.TaskID)
		}
	case TypeOnce:
		if _, err := time.Parse("2006-01-02", t.RunDate); err != nil {
			return fmt.Errorf("task %s: bad run_date %q", t.TaskID, t.RunDate)
		}
	default:
		return fmt.Errorf("task %s: unknown schedule_type %q", t.TaskID, t.Type)
	}
	return nil
}

// exhausted reports whether the run budget is spent.
func (t *Task) exhausted() bool {
	return t.MaxRuns != nil && t.RunCount >= *t.MaxRuns
}

// cronExpr renders the recurrence as a five-field cron expression.
// Only daily, weekly and monthly have one. Cron weekday 0 is Sunday,
// ours is Monday.
func (t *Task) cronExpr() string {
	switch t.Type {
	case TypeDaily:
		return fmt.Sprintf("%d %d * * *", t.Minute, t.Hour)
	case TypeWeekly:
		days := make([]int, len(t.Weekdays))
		copy(days, t.Weekdays)
		sort.Ints(days)
		parts := make([]string, len(days))
		for i, d := range days {
			parts[i] = strconv.Itoa((d + 1) % 7)
		}
		return fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, strings.Join(parts, ","))
	case TypeMonthly:
		// A month without this day simply never matches, so day 31
		// skips short months.
		return fmt.Sprintf("%d %d %d * *", t.Minute, t.Hour, t.MonthDay)
	default:
		return ""
	}
}

// dueAt reports whether the task fires at the given local wall-clock
// minute. Interval tasks are not minute-matched; see dueInterval.
func (t *Task) dueAt(local time.Time) bool {
	switch t.Type {
	case TypeDaily, TypeWeekly, TypeMonthly:
		due, err := gronx.New().IsDue(t.cronExpr(), local)
		return err == nil && due
	case TypeOnce:
		return local.Format("2006-01-02") == t.RunDate &&
			local.Hour() == t.Hour && local.Minute() == t.Minute
	default:
		return false
	}
}

// dueInterval reports whether an interval task should fire now. The
// first fire is at FirstFireAt, or immediately when it is unset or
// already past; later fires pace off LastRun.
func (t *Task) dueInterval(now time.Time) bool {
	if t.Type != TypeInterval {
		return false
	}
	if t.LastRun == nil {
		return t.FirstFireAt == nil || !t.FirstFireAt.After(now)
	}
	return !now.Before(t.LastRun.Add(time.Duration(t.IntervalSeconds) * time.Second))
}

// NextRun computes the next fire time in UTC, or nil when the task
// cannot fire again.
func (t *Task) NextRun(now time.Time, loc *time.Location) *time.Time {
	if !t.Enabled || t.exhausted() {
		return nil
	}
	switch t.Type {
	case TypeDaily, TypeWeekly, TypeMonthly:
		next, err := gronx.NextTickAfter(t.cronExpr(), now.In(loc), false)
		if err != nil {
			return nil
		}
		u := next.UTC()
		return &u
	case TypeInterval:
		var next time.Time
		switch {
		case t.LastRun != nil:
			next = t.LastRun.Add(time.Duration(t.IntervalSeconds) * time.Second)
		case t.FirstFireAt != nil && t.FirstFireAt.After(now):
			next = *t.FirstFireAt
		default:
			next = now
		}
		u := next.UTC()
		return &u
	case TypeOnce:
		date, err := time.ParseInLocation("2006-01-02", t.RunDate, loc)
		if err != nil {
			return nil
		}
		at := time.Date(date.Year(), date.Month(), date.Day(), t.Hour, t.Minute, 0, 0, loc)
		if at.Before(now) {
			return nil
		}
		u := at.UTC()
		return &u
	}
	return nil
}

// clone returns a deep copy, used for snapshots and read results.
func (t *Task) clone() *Task {
	c := *t
	if t.Weekdays != nil {
		c.Weekdays = append([]int(nil), t.Weekdays...)
	}
	if t.MaxRuns != nil {
		v := *t.MaxRuns
		c.MaxRuns = &v
	}
	if t.LastRun != nil {
		v := *t.LastRun
		c.LastRun = &v
	}
	if t.FirstFireAt != nil {
		v := *t.FirstFireAt
		c.FirstFireAt = &v
	}
	return &c
}
