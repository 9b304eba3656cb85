// Package gateway exposes the event bus to dashboard clients over
// WebSocket. One connection subscribes to one user's events; liveness
// is probed with pings and clients answer with pongs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agenthost/internal/bus"
	"github.com/nextlevelbuilder/agenthost/internal/config"
	"github.com/nextlevelbuilder/agenthost/internal/store"
	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

// Server is the dashboard-facing WebSocket endpoint.
type Server struct {
	cfg      *config.Config
	bus      *bus.Bus
	quota    store.QuotaGate
	upgrader websocket.Upgrader
	// connLimiter paces connection admissions; nil means unlimited.
	connLimiter *rate.Limiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway over the bus. quota may be nil; then no
// storage snapshot is sent on connect.
func NewServer(cfg *config.Config, b *bus.Bus, quota store.QuotaGate) *Server {
	s := &Server{cfg: cfg, bus: b, quota: quota}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if rpm := cfg.Gateway.RateLimitRPM; rpm > 0 {
		s.connLimiter = rate.NewLimiter(rate.Limit(rpm)/60, 5)
	}
	return s
}

// checkOrigin validates the Origin header against the configured
// whitelist. No configuration allows everything; an empty header
// (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// Handler returns the HTTP mux serving /ws and /health.
func (s *Server) Handler() http.Handler {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	slog.Info("gateway.starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connLimiter != nil && !s.connLimiter.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "user_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	sink := newWSSink(conn)
	sub := s.bus.Subscribe(userID, sink)
	slog.Info("gateway.client_connected", "user_id", userID)
	defer func() {
		s.bus.Unsubscribe(sub)
		slog.Info("gateway.client_disconnected", "user_id", userID)
	}()

	s.sendStorageSnapshot(userID, sink)
	s.readPump(conn, sub)
}

// sendStorageSnapshot gives a fresh client its current usage without
// waiting for the next change.
func (s *Server) sendStorageSnapshot(userID int64, sink bus.Sink) {
	if s.quota == nil {
		return
	}
	used, quota, err := s.quota.Report(userID)
	if err != nil {
		slog.Debug("gateway.snapshot_failed", "user_id", userID, "error", err)
		return
	}
	sink.Send(protocol.Event{
		Type: protocol.EventStorageUpdate,
		Data: protocol.StorageUpdatePayload{UsedBytes: used, QuotaBytes: quota},
	})
}

// readPump consumes client frames until the connection dies. Control
// pongs and JSON pong messages both count as liveness answers.
func (s *Server) readPump(conn *websocket.Conn, sub *bus.Subscription) {
	conn.SetPongHandler(func(string) error {
		sub.NotePong()
		return nil
	})
	conn.SetReadLimit(4096)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Type == protocol.EventPong {
			sub.NotePong()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
