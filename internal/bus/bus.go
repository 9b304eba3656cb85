// Package bus implements the per-user event fan-out consumed by
// dashboard subscribers. The bus owns subscriber registration only; it
// does not own the events it delivers and keeps no backlog, so clients
// that reconnect must re-query current state.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

// maxMissedPings is how many unanswered pings a sink survives.
const maxMissedPings = 2

// Sink is one subscriber connection. Send must not block indefinitely;
// a sink that cannot accept an event returns an error and is dropped.
type Sink interface {
	Send(ev protocol.Event) error
	// Ping probes liveness. The subscriber answers via Subscription.NotePong.
	Ping() error
	Close()
}

// Subscription is the registration handle returned by Subscribe.
type Subscription struct {
	userID int64
	sink   Sink

	mu     sync.Mutex
	missed int
}

// NotePong records a liveness answer from the subscriber.
func (s *Subscription) NotePong() {
	s.mu.Lock()
	s.missed = 0
	s.mu.Unlock()
}

func (s *Subscription) missPing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed++
	return s.missed
}

// Bus fans events out to each user's current sinks.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]map[*Subscription]struct{})}
}

// Subscribe registers a sink for a user. Multiple sinks per user are
// allowed.
func (b *Bus) Subscribe(userID int64, sink Sink) *Subscription {
	sub := &Subscription{userID: userID, sink: sink}
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*Subscription]struct{})
	}
	b.subs[userID][sub] = struct{}{}
	n := len(b.subs[userID])
	b.mu.Unlock()
	slog.Debug("bus.subscribed", "user_id", userID, "sinks", n)
	return sub
}

// Unsubscribe removes a subscription and closes its sink.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	set, ok := b.subs[sub.userID]
	if ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sub.userID)
			}
			ok = true
		} else {
			ok = false
		}
	}
	b.mu.Unlock()
	if ok {
		sub.sink.Close()
	}
}

// Publish delivers ev to every current sink of the user, best-effort.
// A failing sink is dropped; other sinks are unaffected. Events from
// one goroutine reach each sink in publish order.
func (b *Bus) Publish(userID int64, ev protocol.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs[userID]))
	for sub := range b.subs[userID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.sink.Send(ev); err != nil {
			slog.Debug("bus.sink_dropped", "user_id", userID, "event", ev.Type, "error", err)
			b.Unsubscribe(sub)
		}
	}
}

// SubscriberCount returns the number of sinks for a user.
func (b *Bus) SubscriberCount(userID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// RunPinger pings every sink on each interval tick and drops sinks
// that missed maxMissedPings consecutive pongs. Blocks until ctx ends.
func (b *Bus) RunPinger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pingAll()
		}
	}
}

func (b *Bus) pingAll() {
	b.mu.RLock()
	all := make([]*Subscription, 0)
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range all {
		if sub.missPing() > maxMissedPings {
			slog.Info("bus.sink_timed_out", "user_id", sub.userID)
			b.Unsubscribe(sub)
			continue
		}
		if err := sub.sink.Ping(); err != nil {
			b.Unsubscribe(sub)
		}
	}
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int64]map[*Subscription]struct{})
	b.mu.Unlock()
	for _, set := range subs {
		for sub := range set {
			sub.sink.Close()
		}
	}
}
