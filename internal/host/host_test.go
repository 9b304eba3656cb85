package host

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agenthost/internal/config"
	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Backend.Endpoint = "http://127.0.0.1:1"
	return cfg
}

func TestNewConstructsWithoutChatTransport(t *testing.T) {
	h, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if h.adapter != nil {
		t.Error("adapter constructed without a token")
	}
	if h.tasks == nil || h.sched == nil || h.sessions == nil || h.gateway == nil {
		t.Error("incomplete wiring")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents.MaxSubAgents = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestUserFromPath(t *testing.T) {
	root := filepath.Join("/srv", "data", "users")
	tests := []struct {
		path string
		want int64
		ok   bool
	}{
		{filepath.Join(root, "42", "data", "report.md"), 42, true},
		{filepath.Join(root, "42"), 42, true},
		{filepath.Join(root, "not-a-user", "x"), 0, false},
		{root, 0, false},
		{filepath.Join("/srv", "data", "users.json"), 0, false},
	}
	for _, tt := range tests {
		got, ok := userFromPath(root, tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("userFromPath(%q) = (%d, %v), want (%d, %v)", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *captureSink) Send(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
func (s *captureSink) Ping() error { return nil }
func (s *captureSink) Close()      {}

func (s *captureSink) storageEvents() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Event
	for _, ev := range s.events {
		if ev.Type == protocol.EventStorageUpdate {
			out = append(out, ev)
		}
	}
	return out
}

func TestStorageMonitorPublishesAfterWrite(t *testing.T) {
	h, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.users.Ensure(1, "Ada"); err != nil {
		t.Fatal(err)
	}
	sink := &captureSink{}
	h.bus.Subscribe(1, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.runStorageMonitor(ctx)
		close(done)
	}()
	// Let the watcher establish before writing.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(h.root.DataDir(1), "artifact-"+strconv.Itoa(os.Getpid())+".txt")
	if err := os.WriteFile(path, []byte("some artifact content"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(storageDebounce + 5*time.Second)
	for {
		if evs := sink.storageEvents(); len(evs) > 0 {
			payload := evs[0].Data.(protocol.StorageUpdatePayload)
			if payload.UsedBytes <= 0 || payload.QuotaBytes <= 0 {
				t.Fatalf("payload = %+v", payload)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no storage_update published")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
