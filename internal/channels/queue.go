package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// MaxMessageLen is the largest chunk handed to an adapter in one send.
const MaxMessageLen = 4000

// outboxQueueDepth bounds pending sends per user before Enqueue drops.
const outboxQueueDepth = 256

type outboundItem struct {
	text     string
	filePath string
	caption  string
}

// Outbox serializes deliveries per user: each user gets a FIFO queue
// drained by one goroutine, so replies never interleave even when
// multiple producers (agent, scheduler, task manager) send at once.
// A shared limiter paces sends across all users.
type Outbox struct {
	adapter Adapter
	limiter *rate.Limiter

	mu     sync.Mutex
	queues map[int64]chan outboundItem
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewOutbox creates an outbox over the adapter. perSecond bounds the
// global send rate; zero disables pacing.
func NewOutbox(adapter Adapter, perSecond float64) *Outbox {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Outbox{
		adapter: adapter,
		limiter: rate.NewLimiter(limit, 1),
		queues:  make(map[int64]chan outboundItem),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SendText queues text for delivery, splitting it into chunks of at
// most MaxMessageLen first so ordering is preserved across the split.
func (o *Outbox) SendText(userID int64, text string) {
	for _, chunk := range SplitMessage(text, MaxMessageLen) {
		o.enqueue(userID, outboundItem{text: chunk})
	}
}

// SendFile queues a file for delivery.
func (o *Outbox) SendFile(userID int64, path, caption string) {
	o.enqueue(userID, outboundItem{filePath: path, caption: caption})
}

func (o *Outbox) enqueue(userID int64, item outboundItem) {
	o.mu.Lock()
	q, ok := o.queues[userID]
	if !ok {
		q = make(chan outboundItem, outboxQueueDepth)
		o.queues[userID] = q
		o.wg.Add(1)
		go o.drain(userID, q)
	}
	o.mu.Unlock()

	select {
	case q <- item:
	default:
		slog.Warn("outbox.queue_full", "user_id", userID)
	}
}

func (o *Outbox) drain(userID int64, q chan outboundItem) {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case item := <-q:
			if err := o.limiter.Wait(o.ctx); err != nil {
				return
			}
			var err error
			if item.filePath != "" {
				err = o.adapter.SendFile(o.ctx, userID, item.filePath, item.caption)
			} else {
				err = o.adapter.SendText(o.ctx, userID, item.text)
			}
			if err != nil {
				slog.Warn("outbox.send_failed", "user_id", userID, "error", err)
			}
		}
	}
}

// Close stops all drain goroutines. Queued items not yet sent are
// discarded.
func (o *Outbox) Close() {
	o.cancel()
	o.wg.Wait()
}

// SplitMessage cuts text into chunks of at most limit bytes, preferring
// to break at a newline, then at a space, before cutting mid-word. A
// mid-word cut never lands inside a multi-byte rune.
func SplitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		window := text[:limit]
		if i := strings.LastIndexByte(window, '\n'); i > 0 {
			cut = i + 1
		} else if i := strings.LastIndexByte(window, ' '); i > 0 {
			cut = i + 1
		} else {
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n "))
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
