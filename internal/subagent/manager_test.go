package subagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/store"
	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string // prompts, in execution order
	result  string
	err     error
	started chan string   // receives task prompt when an attempt starts
	release chan struct{} // attempts block here when set
	onRun   func(ctx context.Context, userID int64, prompt string) (string, error)
}

func (f *fakeRunner) RunTask(ctx context.Context, userID int64, prompt string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- prompt
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.onRun != nil {
		return f.onRun(ctx, userID, prompt)
	}
	return f.result, f.err
}

func (f *fakeRunner) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type scriptedReviewer struct {
	mu       sync.Mutex
	verdicts []Verdict
	calls    int
}

func (r *scriptedReviewer) Review(ctx context.Context, description, result, criteria string, attempt int) Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.verdicts) == 0 {
		return Verdict{Accepted: true}
	}
	v := r.verdicts[0]
	r.verdicts = r.verdicts[1:]
	return v
}

type testSender struct {
	mu    sync.Mutex
	texts []string
	files []string
}

func (s *testSender) SendText(_ int64, text string) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
}

func (s *testSender) SendFile(_ int64, path, caption string) {
	s.mu.Lock()
	s.files = append(s.files, path)
	s.mu.Unlock()
}

func (s *testSender) sentFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

type testBus struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (b *testBus) Publish(_ int64, ev protocol.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *testBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func newTestRoot(t *testing.T) *store.Root {
	t.Helper()
	root, err := store.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := root.InitUserSpace(1); err != nil {
		t.Fatal(err)
	}
	return root
}

func waitStatus(t *testing.T, m *Manager, taskID string, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := m.Get(taskID); ok {
			if task.Status == want {
				return task
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := m.Get(taskID)
	t.Fatalf("task %s never reached %s (now %s)", taskID, want, task.Status)
	return nil
}

func TestDelegateCompletesAndNotifies(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{result: "analysis done"}
	sender := &testSender{}
	bus := &testBus{}
	m := NewManager(root, runner, nil, sender, bus, Options{})
	defer m.Close(context.Background())

	id, err := m.Delegate(1, "analyze data", "analyze the data in report.csv")
	if err != nil {
		t.Fatal(err)
	}
	task := waitStatus(t, m, id, StatusCompleted)

	if task.Result != "analysis done" {
		t.Errorf("result = %q", task.Result)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("timestamps not set")
	}

	// Lifecycle events in order: created, running, terminal.
	got := bus.types()
	want := []string{protocol.EventTaskCreated, protocol.EventTaskUpdate, protocol.EventTaskUpdate}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}

	// The task document ended up in completed_tasks.
	doc := filepath.Join(root.CompletedTasksDir(1), id+".md")
	content, err := os.ReadFile(doc)
	if err != nil {
		t.Fatalf("task document: %v", err)
	}
	if !strings.Contains(string(content), "analysis done") {
		t.Error("task document missing result")
	}
}

func TestGlobalCapWithFIFOAdmission(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{
		result:  "ok",
		started: make(chan string, 10),
		release: make(chan struct{}),
	}
	m := NewManager(root, runner, nil, &testSender{}, &testBus{}, Options{MaxSubAgents: 2})
	defer m.Close(context.Background())

	var ids []string
	for _, prompt := range []string{"p1", "p2", "p3", "p4"} {
		id, err := m.Delegate(1, "task", prompt)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	// Exactly the first two start; the cap holds the rest. The two
	// admitted goroutines race to report, so their order is not fixed.
	first := <-runner.started
	second := <-runner.started
	if !(first == "p1" && second == "p2") && !(first == "p2" && second == "p1") {
		t.Errorf("first admissions = %q, %q", first, second)
	}
	select {
	case p := <-runner.started:
		t.Fatalf("third task %q started over cap", p)
	case <-time.After(50 * time.Millisecond):
	}
	if got := m.RunningCount(); got != 2 {
		t.Errorf("running = %d, want 2", got)
	}

	// Free one slot at a time: each release finishes one running task
	// and admits exactly the next task in delegation order.
	runner.release <- struct{}{}
	if got := <-runner.started; got != "p3" {
		t.Errorf("third admission = %q, want p3", got)
	}
	runner.release <- struct{}{}
	if got := <-runner.started; got != "p4" {
		t.Errorf("fourth admission = %q, want p4", got)
	}
	runner.release <- struct{}{}
	runner.release <- struct{}{}
	for _, id := range ids {
		waitStatus(t, m, id, StatusCompleted)
	}
}

func TestReviewLoopRetriesWithHistory(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{result: "draft result"}
	reviewer := &scriptedReviewer{verdicts: []Verdict{
		{
			Accepted:          false,
			Feedback:          "too shallow",
			Suggestions:       []string{"compare against last year"},
			MissingDimensions: []string{"regional breakdown"},
		},
		{Accepted: true, Feedback: "thorough now"},
	}}
	sender := &testSender{}
	m := NewManager(root, runner, reviewer, sender, &testBus{}, Options{})
	defer m.Close(context.Background())

	id, err := m.DelegateAndReview(1, "quarterly report", "write the quarterly report", "must include trends")
	if err != nil {
		t.Fatal(err)
	}
	task := waitStatus(t, m, id, StatusCompleted)

	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}
	if len(task.RetryHistory) != 1 {
		t.Fatalf("retry_history = %+v", task.RetryHistory)
	}
	entry := task.RetryHistory[0]
	if entry.Feedback != "too shallow" ||
		len(entry.Suggestions) != 1 || entry.Suggestions[0] != "compare against last year" ||
		len(entry.MissingDimensions) != 1 || entry.MissingDimensions[0] != "regional breakdown" {
		t.Errorf("retry entry = %+v", entry)
	}

	// The second attempt's prompt carries the rejection details.
	prompts := runner.prompts()
	if len(prompts) != 2 {
		t.Fatalf("attempts = %d", len(prompts))
	}
	for _, fragment := range []string{"too shallow", "compare against last year", "regional breakdown", "Previous attempts"} {
		if !strings.Contains(prompts[1], fragment) {
			t.Errorf("retry prompt missing %q", fragment)
		}
	}
	if strings.Contains(prompts[0], "Previous attempts") {
		t.Error("first prompt already had retry history")
	}

	// A review log exists on disk but was not delivered (only the
	// max-retries path sends it).
	logPath := filepath.Join(root.ReviewLogsDir(1), "review_"+id+".md")
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("review log: %v", err)
	}
	if files := sender.sentFiles(); len(files) != 0 {
		t.Errorf("files delivered = %v, want none", files)
	}
}

func TestReviewBudgetExhaustedCompletesWithLog(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{result: "never good enough"}
	alwaysReject := &rejectingReviewer{}
	sender := &testSender{}
	m := NewManager(root, runner, alwaysReject, sender, &testBus{}, Options{MaxRetries: 3})
	defer m.Close(context.Background())

	id, err := m.DelegateAndReview(1, "impossible task", "do the impossible", "perfection")
	if err != nil {
		t.Fatal(err)
	}
	task := waitStatus(t, m, id, StatusCompleted)

	if !task.MaxRetriesReached {
		t.Error("max_retries_reached not set")
	}
	if task.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", task.RetryCount)
	}
	// MaxRetries bounds total executions: three runs, three rejections.
	if got := len(runner.prompts()); got != 3 {
		t.Errorf("executions = %d, want 3", got)
	}
	if got := len(task.RetryHistory); got != 3 {
		t.Errorf("rejection entries = %d, want 3", got)
	}
	// The review log was delivered alongside the result.
	files := sender.sentFiles()
	if len(files) != 1 || !strings.HasSuffix(files[0], "review_"+id+".md") {
		t.Errorf("delivered files = %v", files)
	}
}

type rejectingReviewer struct{}

func (rejectingReviewer) Review(context.Context, string, string, string, int) Verdict {
	return Verdict{Accepted: false, Feedback: "not there yet"}
}

func TestRunnerErrorFailsWithoutRetry(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{err: errors.New("backend transport: connection refused")}
	m := NewManager(root, runner, &scriptedReviewer{}, &testSender{}, &testBus{}, Options{})
	defer m.Close(context.Background())

	id, _ := m.DelegateAndReview(1, "task", "prompt", "criteria")
	task := waitStatus(t, m, id, StatusFailed)

	if task.Error == "" || task.RetryCount != 0 {
		t.Errorf("task = error %q, retries %d", task.Error, task.RetryCount)
	}
	if got := len(runner.prompts()); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
}

func TestCancelRunningSuppressesDelivery(t *testing.T) {
	root := newTestRoot(t)
	produced := filepath.Join(root.DataDir(1), "output.md")
	started := make(chan struct{})
	runner := &fakeRunner{
		onRun: func(ctx context.Context, userID int64, prompt string) (string, error) {
			os.WriteFile(produced, []byte("partial work"), 0o644)
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	sender := &testSender{}
	m := NewManager(root, runner, nil, sender, &testBus{}, Options{})
	defer m.Close(context.Background())

	id, _ := m.Delegate(1, "long task", "work forever")
	<-started
	if err := m.Cancel(id); err != nil {
		t.Fatal(err)
	}
	task := waitStatus(t, m, id, StatusCancelled)

	if len(task.FilesProduced) != 0 {
		t.Errorf("files recorded = %v", task.FilesProduced)
	}
	if files := sender.sentFiles(); len(files) != 0 {
		t.Errorf("files delivered after cancel = %v", files)
	}
}

func TestCloseCancelsPendingAndRunning(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{
		result:  "ok",
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	m := NewManager(root, runner, nil, &testSender{}, &testBus{}, Options{MaxSubAgents: 1})

	runningID, _ := m.Delegate(1, "running", "p1")
	pendingID, _ := m.Delegate(1, "queued", "p2")
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, id := range []string{runningID, pendingID} {
		task, _ := m.Get(id)
		if task.Status != StatusCancelled {
			t.Errorf("task %s = %s, want cancelled", id, task.Status)
		}
	}
	if _, err := m.Delegate(1, "late", "p3"); err == nil {
		t.Error("Delegate accepted after Close")
	}
}

func TestCapturesArtifactsOnCompletion(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{
		onRun: func(ctx context.Context, userID int64, prompt string) (string, error) {
			os.WriteFile(filepath.Join(root.DataDir(1), "summary.md"), []byte("findings"), 0o644)
			return "done", nil
		},
	}
	sender := &testSender{}
	m := NewManager(root, runner, nil, sender, &testBus{}, Options{})
	defer m.Close(context.Background())

	id, _ := m.Delegate(1, "produce file", "write a summary")
	task := waitStatus(t, m, id, StatusCompleted)

	if len(task.FilesProduced) != 1 || task.FilesProduced[0] != "summary.md" {
		t.Errorf("files_produced = %v", task.FilesProduced)
	}
	if files := sender.sentFiles(); len(files) != 1 {
		t.Errorf("delivered = %v", files)
	}
	if !strings.Contains(task.Result, "Generated files (1)") {
		t.Errorf("result missing file note: %q", task.Result)
	}
}

func TestPruneDropsOldTerminalTasks(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{result: "done"}
	m := NewManager(root, runner, nil, &testSender{}, &testBus{}, Options{})
	defer m.Close(context.Background())

	id, err := m.Delegate(1, "short lived", "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, id, StatusCompleted)

	// Still queryable inside the retention window.
	m.Prune(1)
	if _, ok := m.Get(id); !ok {
		t.Fatal("fresh terminal task pruned")
	}

	m.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if dropped := m.Prune(1); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if _, ok := m.Get(id); ok {
		t.Error("terminal task survived prune")
	}
	// The on-disk document stays until the longer doc retention passes.
	if _, err := os.Stat(filepath.Join(root.CompletedTasksDir(1), id+".md")); err != nil {
		t.Errorf("completed document removed early: %v", err)
	}
}

func TestConcurrentReadsDuringExecution(t *testing.T) {
	root := newTestRoot(t)
	runner := &fakeRunner{result: "ok", release: make(chan struct{})}
	m := NewManager(root, runner, nil, &testSender{}, &testBus{}, Options{})
	defer m.Close(context.Background())

	id, err := m.Delegate(1, "task", "prompt")
	if err != nil {
		t.Fatal(err)
	}

	// Hammer the read paths while the task moves pending -> running ->
	// completed. Get and List hand out copies, so readers never see a
	// task mid-write.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if task, ok := m.Get(id); ok {
					_ = task.Status.Terminal()
					_ = len(task.RetryHistory)
				}
				for _, task := range m.List(1) {
					_ = task.Result
				}
			}
		}()
	}

	close(runner.release)
	task := waitStatus(t, m, id, StatusCompleted)
	close(stop)
	wg.Wait()

	// Mutating a returned copy must not touch the manager's record.
	task.Status = StatusFailed
	task.FilesProduced = append(task.FilesProduced, "bogus.md")
	if got, _ := m.Get(id); got.Status != StatusCompleted || len(got.FilesProduced) != 0 {
		t.Errorf("stored task changed through a copy: %s %v", got.Status, got.FilesProduced)
	}
}
