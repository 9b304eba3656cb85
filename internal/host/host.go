// Package host owns the whole agent substrate: it constructs every
// store and manager, wires them together and runs the long-lived
// services until shutdown.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agenthost/internal/agent"
	"github.com/nextlevelbuilder/agenthost/internal/bus"
	"github.com/nextlevelbuilder/agenthost/internal/channels"
	"github.com/nextlevelbuilder/agenthost/internal/channels/telegram"
	"github.com/nextlevelbuilder/agenthost/internal/config"
	"github.com/nextlevelbuilder/agenthost/internal/filetrack"
	"github.com/nextlevelbuilder/agenthost/internal/gateway"
	"github.com/nextlevelbuilder/agenthost/internal/memory"
	"github.com/nextlevelbuilder/agenthost/internal/providers"
	"github.com/nextlevelbuilder/agenthost/internal/scheduler"
	"github.com/nextlevelbuilder/agenthost/internal/sessions"
	"github.com/nextlevelbuilder/agenthost/internal/store"
	"github.com/nextlevelbuilder/agenthost/internal/subagent"
)

// AgentHost is the single owning value for every subsystem. Background
// services receive their dependencies here; nothing is global.
type AgentHost struct {
	cfg   *config.Config
	root  *store.Root
	locks *store.LockTable
	users *store.Users
	quota *store.DirUsageGate

	bus      *bus.Bus
	backend  providers.Backend
	sessions *sessions.Manager
	memories *memory.Store

	adapter channels.Adapter // nil without a configured transport
	outbox  *channels.Outbox
	tasks   *subagent.Manager
	sched   *scheduler.Scheduler
	handler *agent.Handler
	gateway *gateway.Server
}

// noopSender drops deliveries when no chat transport is configured.
type noopSender struct{}

func (noopSender) SendText(userID int64, text string) {
	slog.Debug("host.send_dropped", "user_id", userID, "chars", len(text))
}
func (noopSender) SendFile(userID int64, path, _ string) {
	slog.Debug("host.file_dropped", "user_id", userID, "path", path)
}

// New constructs the host from config. Nothing starts running until
// Run is called.
func New(cfg *config.Config) (*AgentHost, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := store.NewRoot(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	locks := store.NewLockTable()
	users, err := store.NewUsers(root, locks, cfg.Storage.DefaultQuotaBytes)
	if err != nil {
		return nil, err
	}
	quota := store.NewDirUsageGate(root, users)
	eventBus := bus.New()

	backend := providers.NewHTTPBackend(cfg.Backend.Endpoint, cfg.Backend.APIKey,
		providers.WithModel(cfg.Backend.Model),
		providers.WithTimeout(time.Duration(cfg.Backend.TimeoutSeconds)*time.Second),
	)

	sess, err := sessions.NewManager(root, locks, backend, sessions.Options{
		Timeout:         cfg.SessionTimeout(),
		StaleThreshold:  cfg.StaleThreshold(),
		RecoveryTail:    cfg.Sessions.RecoveryTailChars,
		RecentSummaries: cfg.Sessions.RecoverySummaries,
		LogRetention:    cfg.Sessions.LogRetentionDays,
	})
	if err != nil {
		return nil, err
	}
	memories := memory.NewStore(root, locks)

	h := &AgentHost{
		cfg:      cfg,
		root:     root,
		locks:    locks,
		users:    users,
		quota:    quota,
		bus:      eventBus,
		backend:  backend,
		sessions: sess,
		memories: memories,
	}

	var sender filetrack.Sender = noopSender{}
	if cfg.Channels.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Channels.Telegram.Token, root.DataDir)
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		h.adapter = adapter
		h.outbox = channels.NewOutbox(adapter, cfg.Channels.SendRatePerSecond)
		sender = h.outbox
	}

	h.tasks = subagent.NewManager(root,
		agent.NewTaskRunner(backend),
		subagent.NewBackendReviewer(backend),
		sender,
		eventBus,
		subagent.Options{
			MaxSubAgents: cfg.Agents.MaxSubAgents,
			MaxRetries:   cfg.Agents.MaxRetries,
			InlineLimit:  cfg.Agents.InlineThreshold,
		})
	h.sched = scheduler.New(root, locks, users, h.tasks, eventBus, 0)
	h.handler = agent.NewHandler(root, users, sess, h.tasks, h.sched, memories, backend, sender, h.adapter)
	h.gateway = gateway.NewServer(cfg, eventBus, quota)
	return h, nil
}

// Run starts every service and blocks until ctx is cancelled, then
// shuts down in dependency order.
func (h *AgentHost) Run(ctx context.Context) error {
	h.startupSweep()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.bus.RunPinger(ctx, h.cfg.PingInterval())
		return nil
	})
	g.Go(func() error {
		h.sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return h.gateway.Start(ctx)
	})
	g.Go(func() error {
		return h.runStorageMonitor(ctx)
	})
	g.Go(func() error {
		h.runMaintenance(ctx)
		return nil
	})
	if h.adapter != nil {
		g.Go(func() error {
			return h.adapter.Start(ctx, h.handler.HandleMessage)
		})
	}

	err := g.Wait()
	h.shutdown()
	return err
}

// startupSweep recovers from an unclean stop: task documents left in
// running_tasks are marked interrupted and old chat logs are pruned.
func (h *AgentHost) startupSweep() {
	for _, u := range h.users.List() {
		if n := h.tasks.SweepStaleDocs(u.ID); n > 0 {
			slog.Info("host.stale_tasks_swept", "user_id", u.ID, "count", n)
		}
		if n := h.sessions.CleanupOldLogs(u.ID); n > 0 {
			slog.Info("host.old_logs_removed", "user_id", u.ID, "count", n)
		}
		h.tasks.Prune(u.ID)
	}
}

// runMaintenance expires idle sessions each minute and repeats the
// cleanup sweep hourly.
func (h *AgentHost) runMaintenance(ctx context.Context) {
	expire := time.NewTicker(time.Minute)
	defer expire.Stop()
	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-expire.C:
			h.sessions.ExpireTimedOut(ctx)
		case <-sweep.C:
			h.startupSweep()
		}
	}
}

// shutdown drains the substrate: refuse new tasks, cancel running
// ones, then release the delivery and event paths.
func (h *AgentHost) shutdown() {
	slog.Info("host.shutting_down")
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := h.tasks.Close(closeCtx); err != nil {
		slog.Warn("host.task_shutdown_incomplete", "error", err)
	}
	if h.outbox != nil {
		h.outbox.Close()
	}
	if h.adapter != nil {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStop()
		if err := h.adapter.Stop(stopCtx); err != nil {
			slog.Warn("host.adapter_stop_failed", "error", err)
		}
	}
	h.bus.Close()
	slog.Info("host.stopped")
}
