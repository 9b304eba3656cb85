package scheduler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/store"
	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

type delegateCall struct {
	userID      int64
	description string
	prompt      string
}

type fakeDelegator struct {
	mu    sync.Mutex
	calls []delegateCall
	fail  bool
}

func (d *fakeDelegator) Delegate(userID int64, description, prompt string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return "", fmt.Errorf("task manager unavailable")
	}
	d.calls = append(d.calls, delegateCall{userID, description, prompt})
	return fmt.Sprintf("sub_%02d", len(d.calls)), nil
}

func (d *fakeDelegator) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordingBus struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (b *recordingBus) Publish(userID int64, ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func newSchedulerEnv(t *testing.T) (*Scheduler, *fakeDelegator, *recordingBus, *store.Root, *store.Users) {
	t.Helper()
	root, err := store.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	locks := store.NewLockTable()
	users, err := store.NewUsers(root, locks, 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDelegator{}
	b := &recordingBus{}
	return New(root, locks, users, d, b, time.Second), d, b, root, users
}

func mustEnsure(t *testing.T, users *store.Users, id int64, name string) {
	t.Helper()
	if _, err := users.Ensure(id, name); err != nil {
		t.Fatal(err)
	}
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestCreateValidatesAndRejectsDuplicates(t *testing.T) {
	s, _, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")

	if err := s.Create(1, &Task{TaskID: "bad id!", Type: TypeDaily, Hour: 9, Prompt: "x", Enabled: true}); err == nil {
		t.Fatal("invalid task_id accepted")
	}
	ok := &Task{TaskID: "daily_report", Name: "daily report", Type: TypeDaily, Hour: 9, Minute: 30, Prompt: "write the report", Enabled: true}
	if err := s.Create(1, ok); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(1, ok.clone()); err == nil {
		t.Fatal("duplicate task_id accepted")
	}
}

func TestDailyFiresOnceAtItsMinute(t *testing.T) {
	s, d, b, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "morning", Name: "morning", Type: TypeDaily, Hour: 9, Minute: 30, Prompt: "say good morning", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	s.CheckOnce(at(t, "2026-03-02 09:29"))
	if d.count() != 0 {
		t.Fatalf("fired before schedule: %d calls", d.count())
	}
	s.CheckOnce(at(t, "2026-03-02 09:30"))
	if d.count() != 1 {
		t.Fatalf("fires = %d, want 1", d.count())
	}
	// Same minute, later tick: already fired.
	s.CheckOnce(at(t, "2026-03-02 09:30").Add(20 * time.Second))
	if d.count() != 1 {
		t.Fatalf("double fire within one minute: %d calls", d.count())
	}
	// Next day fires again.
	s.CheckOnce(at(t, "2026-03-03 09:30"))
	if d.count() != 2 {
		t.Fatalf("fires = %d, want 2", d.count())
	}

	if got := d.calls[0].description; got != "scheduled: morning" {
		t.Errorf("description = %q", got)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) != 2 || b.events[0].Type != protocol.EventScheduleExecuted {
		t.Fatalf("events = %+v", b.events)
	}
	payload := b.events[0].Data.(protocol.ScheduleExecutedPayload)
	if payload.TaskID != "morning" || payload.RunCount != 1 || payload.NextRun == "" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestWeeklyWeekdayZeroIsMonday(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "weekly", Name: "weekly", Type: TypeWeekly, Weekdays: []int{0}, Hour: 8, Prompt: "plan the week", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	// 2026-03-01 is a Sunday, 2026-03-02 a Monday.
	s.CheckOnce(at(t, "2026-03-01 08:00"))
	if d.count() != 0 {
		t.Fatal("fired on Sunday for weekday 0")
	}
	s.CheckOnce(at(t, "2026-03-02 08:00"))
	if d.count() != 1 {
		t.Fatalf("did not fire on Monday: %d calls", d.count())
	}
}

func TestMonthlyDay31SkipsShortMonths(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "month_end", Name: "month end", Type: TypeMonthly, MonthDay: 31, Hour: 9, Prompt: "close the month", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	s.CheckOnce(at(t, "2026-02-28 09:00"))
	if d.count() != 0 {
		t.Fatal("fired on Feb 28 for month_day 31")
	}
	s.CheckOnce(at(t, "2026-03-31 09:00"))
	if d.count() != 1 {
		t.Fatalf("did not fire on Mar 31: %d calls", d.count())
	}
}

func TestIntervalPastFirstFireFiresImmediately(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	now := at(t, "2026-03-02 12:00")
	first := now.Add(-2 * time.Hour)
	task := &Task{TaskID: "poll", Name: "poll", Type: TypeInterval, IntervalSeconds: 3600, FirstFireAt: &first, Prompt: "poll the feed", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	// First fire time already passed: fire once now, no catch-up burst.
	s.CheckOnce(now)
	if d.count() != 1 {
		t.Fatalf("fires = %d, want 1", d.count())
	}
	s.CheckOnce(now.Add(time.Minute))
	if d.count() != 1 {
		t.Fatalf("fired again before the interval elapsed: %d calls", d.count())
	}
	s.CheckOnce(now.Add(time.Hour))
	if d.count() != 2 {
		t.Fatalf("fires = %d, want 2", d.count())
	}
}

func TestIntervalFutureFirstFireWaits(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	now := at(t, "2026-03-02 12:00")
	first := now.Add(30 * time.Minute)
	task := &Task{TaskID: "later", Name: "later", Type: TypeInterval, IntervalSeconds: 600, FirstFireAt: &first, Prompt: "start later", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	s.CheckOnce(now)
	if d.count() != 0 {
		t.Fatal("fired before first_fire_at")
	}
	s.CheckOnce(first)
	if d.count() != 1 {
		t.Fatalf("fires = %d, want 1", d.count())
	}
}

func TestMaxRunsDisablesAndResetRestores(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	max := 2
	task := &Task{TaskID: "limited", Name: "limited", Type: TypeInterval, IntervalSeconds: 60, MaxRuns: &max, Prompt: "run twice", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	now := at(t, "2026-03-02 12:00")
	s.CheckOnce(now)
	s.CheckOnce(now.Add(time.Minute))
	s.CheckOnce(now.Add(2 * time.Minute))
	if d.count() != 2 {
		t.Fatalf("fires = %d, want 2", d.count())
	}
	got, err := s.Get(1, "limited")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.RunCount != 2 {
		t.Fatalf("after budget: enabled=%v run_count=%d", got.Enabled, got.RunCount)
	}

	if err := s.Enable(1, "limited"); err == nil {
		t.Fatal("Enable succeeded on an exhausted task")
	}
	if err := s.Reset(1, "limited"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(1, "limited")
	if !got.Enabled || got.RunCount != 0 || got.LastRun != nil {
		t.Fatalf("after reset: %+v", got)
	}
	s.CheckOnce(now.Add(3 * time.Minute))
	if d.count() != 3 {
		t.Fatalf("reset task did not fire: %d calls", d.count())
	}
}

func TestOnceFiresOnItsDateAndDisables(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "birthday", Name: "birthday", Type: TypeOnce, RunDate: "2026-03-05", Hour: 10, Minute: 15, Prompt: "send wishes", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	s.CheckOnce(at(t, "2026-03-04 10:15"))
	if d.count() != 0 {
		t.Fatal("fired a day early")
	}
	s.CheckOnce(at(t, "2026-03-05 10:15"))
	if d.count() != 1 {
		t.Fatalf("fires = %d, want 1", d.count())
	}
	got, _ := s.Get(1, "birthday")
	if got.Enabled {
		t.Fatal("once task still enabled after firing")
	}
}

func TestSameTickOrdersByUserThenTask(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 2, "Bea")
	mustEnsure(t, users, 1, "Ada")
	for _, spec := range []struct {
		user int64
		id   string
	}{{2, "a_first"}, {1, "z_last"}, {1, "a_first"}} {
		task := &Task{TaskID: spec.id, Name: spec.id, Type: TypeDaily, Hour: 9, Prompt: "go", Enabled: true}
		if err := s.Create(spec.user, task); err != nil {
			t.Fatal(err)
		}
	}

	s.CheckOnce(at(t, "2026-03-02 09:00"))
	if d.count() != 3 {
		t.Fatalf("fires = %d, want 3", d.count())
	}
	want := []delegateCall{
		{1, "scheduled: a_first", "go"},
		{1, "scheduled: z_last", "go"},
		{2, "scheduled: a_first", "go"},
	}
	for i, w := range want {
		if d.calls[i] != w {
			t.Errorf("call %d = %+v, want %+v", i, d.calls[i], w)
		}
	}
}

func TestFiresAtUserLocalTime(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	if err := users.SetTimezone(1, "Asia/Bangkok"); err != nil {
		t.Fatal(err)
	}
	task := &Task{TaskID: "local", Name: "local", Type: TypeDaily, Hour: 9, Prompt: "local morning", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	// 09:00 Bangkok (UTC+7) is 02:00 UTC.
	s.CheckOnce(at(t, "2026-03-02 09:00"))
	if d.count() != 0 {
		t.Fatal("fired at 09:00 UTC for a Bangkok schedule")
	}
	s.CheckOnce(at(t, "2026-03-02 02:00"))
	if d.count() != 1 {
		t.Fatalf("did not fire at 02:00 UTC: %d calls", d.count())
	}
}

func TestDelegateFailureSkipsCountersAndKeepsRunning(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "fragile", Name: "fragile", Type: TypeInterval, IntervalSeconds: 60, Prompt: "try", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}

	d.fail = true
	now := at(t, "2026-03-02 12:00")
	s.CheckOnce(now)
	got, _ := s.Get(1, "fragile")
	if got.RunCount != 0 || got.LastRun != nil {
		t.Fatalf("counters advanced on a failed submission: %+v", got)
	}

	d.fail = false
	s.CheckOnce(now.Add(time.Minute))
	if d.count() != 1 {
		t.Fatalf("did not recover after failure: %d calls", d.count())
	}
}

func TestDeleteSnapshotReconstructsTask(t *testing.T) {
	s, d, _, root, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "audit", Name: "audit", Type: TypeDaily, Hour: 9, Minute: 30, Prompt: "audit the books", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}
	s.CheckOnce(at(t, "2026-03-02 09:30"))
	if d.count() != 1 {
		t.Fatal("setup fire missing")
	}
	if err := s.Delete(1, "audit"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(1, "audit"); err == nil {
		t.Fatal("deleted task still readable")
	}

	f, err := os.Open(root.ScheduleOpLogFile(1))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var last OpEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		last = OpEntry{}
		if err := json.Unmarshal([]byte(line), &last); err != nil {
			t.Fatal(err)
		}
	}
	if last.Op != OpDelete || last.Snapshot == nil {
		t.Fatalf("last op = %+v", last)
	}
	snap := last.Snapshot
	if snap.TaskID != "audit" || snap.Prompt != "audit the books" || snap.RunCount != 1 || snap.LastRun == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
	// The snapshot is a complete definition: re-creating it brings the
	// schedule back.
	restored := snap.clone()
	restored.RunCount = 0
	restored.LastRun = nil
	if err := s.Create(1, restored); err != nil {
		t.Fatal(err)
	}
}

func TestRestartKeepsTasksAndHistory(t *testing.T) {
	s, d, _, root, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	max := 5
	task := &Task{TaskID: "persist", Name: "persist", Type: TypeInterval, IntervalSeconds: 3600, MaxRuns: &max, Prompt: "keep going", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}
	s.CheckOnce(at(t, "2026-03-02 12:00"))
	if d.count() != 1 {
		t.Fatal("setup fire missing")
	}

	locks := store.NewLockTable()
	users2, err := store.NewUsers(root, locks, 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	d2 := &fakeDelegator{}
	s2 := New(root, locks, users2, d2, &recordingBus{}, time.Second)
	tasks, err := s2.List(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks after restart = %d", len(tasks))
	}
	got := tasks[0]
	if got.TaskID != "persist" || got.RunCount != 1 || got.LastRun == nil || got.MaxRuns == nil || *got.MaxRuns != 5 {
		t.Fatalf("restored task = %+v", got)
	}
	// Pacing continues from the persisted last_run.
	s2.CheckOnce(at(t, "2026-03-02 12:30"))
	if d2.count() != 0 {
		t.Fatal("fired before the interval elapsed after restart")
	}
	s2.CheckOnce(at(t, "2026-03-02 13:00"))
	if d2.count() != 1 {
		t.Fatalf("fires after restart = %d, want 1", d2.count())
	}
}

func TestDisabledTaskAndDisabledUserNeverFire(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "quiet", Name: "quiet", Type: TypeDaily, Hour: 9, Prompt: "hush", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}
	if err := s.Disable(1, "quiet"); err != nil {
		t.Fatal(err)
	}
	s.CheckOnce(at(t, "2026-03-02 09:00"))
	if d.count() != 0 {
		t.Fatal("disabled task fired")
	}
	if err := s.Enable(1, "quiet"); err != nil {
		t.Fatal(err)
	}
	s.CheckOnce(at(t, "2026-03-03 09:00"))
	if d.count() != 1 {
		t.Fatalf("re-enabled task did not fire: %d calls", d.count())
	}
}

func TestUpdateKeepsHistory(t *testing.T) {
	s, d, _, _, users := newSchedulerEnv(t)
	mustEnsure(t, users, 1, "Ada")
	task := &Task{TaskID: "evolving", Name: "evolving", Type: TypeDaily, Hour: 9, Prompt: "v1", Enabled: true}
	if err := s.Create(1, task); err != nil {
		t.Fatal(err)
	}
	s.CheckOnce(at(t, "2026-03-02 09:00"))
	if d.count() != 1 {
		t.Fatal("setup fire missing")
	}

	updated := &Task{TaskID: "evolving", Name: "evolving", Type: TypeDaily, Hour: 10, Prompt: "v2", Enabled: true}
	if err := s.Update(1, updated); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(1, "evolving")
	if got.Hour != 10 || got.Prompt != "v2" {
		t.Fatalf("definition not updated: %+v", got)
	}
	if got.RunCount != 1 || got.LastRun == nil {
		t.Fatalf("history lost on update: %+v", got)
	}
}
