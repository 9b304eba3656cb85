package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type recordingAdapter struct {
	mu    sync.Mutex
	sends []string
	files []string
}

func (r *recordingAdapter) Name() string                                  { return "test" }
func (r *recordingAdapter) Start(context.Context, Handler) error          { return nil }
func (r *recordingAdapter) Stop(context.Context) error                    { return nil }
func (r *recordingAdapter) React(context.Context, int64, int, string) error { return nil }
func (r *recordingAdapter) SetTyping(context.Context, int64) error        { return nil }

func (r *recordingAdapter) SendText(_ context.Context, userID int64, text string) error {
	r.mu.Lock()
	r.sends = append(r.sends, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingAdapter) SendFile(_ context.Context, userID int64, path, caption string) error {
	r.mu.Lock()
	r.files = append(r.files, path)
	r.mu.Unlock()
	return nil
}

func (r *recordingAdapter) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sends...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestOutboxPreservesPerUserOrder(t *testing.T) {
	a := &recordingAdapter{}
	o := NewOutbox(a, 0)
	defer o.Close()

	o.SendText(1, "first")
	o.SendText(1, "second")
	o.SendText(1, "third")

	waitFor(t, func() bool { return len(a.sent()) == 3 })
	got := a.sent()
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Errorf("order = %v", got)
	}
}

func TestOutboxSplitsLongText(t *testing.T) {
	a := &recordingAdapter{}
	o := NewOutbox(a, 0)
	defer o.Close()

	long := strings.Repeat("paragraph line\n", 400) // ~6000 bytes
	o.SendText(1, long)

	waitFor(t, func() bool { return len(a.sent()) >= 2 })
	for i, chunk := range a.sent() {
		if len(chunk) > MaxMessageLen {
			t.Errorf("chunk %d is %d bytes, over limit", i, len(chunk))
		}
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short passes through", "hello", 10, []string{"hello"}},
		{"breaks at newline", "aaa\nbbb\nccc", 8, []string{"aaa\nbbb", "ccc"}},
		{"breaks at space", "aaaa bbbb cccc", 11, []string{"aaaa bbbb", "cccc"}},
		{"hard cut without separators", "aaaaaaaaaa", 4, []string{"aaaa", "aaaa", "aa"}},
		{"hard cut backs off to rune boundary", "五五五", 4, []string{"五", "五", "五"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitMessageKeepsRunesIntact(t *testing.T) {
	// Continuous CJK text has no newline or space to break at, so every
	// cut is a hard cut.
	text := strings.Repeat("漢字密度試験", 400) // ~7200 bytes, no separators
	chunks := SplitMessage(text, MaxMessageLen)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want a split", len(chunks))
	}
	var rebuilt strings.Builder
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if len(c) > MaxMessageLen {
			t.Errorf("chunk %d is %d bytes, over limit", i, len(c))
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Error("content lost across split")
	}
}

func TestSplitMessageReassembles(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 300)
	chunks := SplitMessage(text, MaxMessageLen)
	joined := strings.Join(chunks, " ")
	// Whitespace at chunk boundaries is normalized, content is not lost.
	if strings.ReplaceAll(joined, " ", "") != strings.ReplaceAll(text, " ", "") {
		t.Error("content lost across split")
	}
}
