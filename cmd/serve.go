package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agenthost/internal/config"
	"github.com/nextlevelbuilder/agenthost/internal/host"
	"github.com/nextlevelbuilder/agenthost/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent host",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	h, err := host.New(cfg)
	if err != nil {
		slog.Error("failed to construct host", "error", err)
		os.Exit(1)
	}

	slog.Info("agenthost starting", "version", Version, "data_dir", cfg.DataDir)
	if err := h.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("host stopped with error", "error", err)
		os.Exit(1)
	}
}
