package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agenthost/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agenthost doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Data:")
	fmt.Printf("    %-12s %s", "Dir:", cfg.DataDir)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else if probe, err := os.CreateTemp(cfg.DataDir, ".doctor*"); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		probe.Close()
		os.Remove(probe.Name())
		fmt.Println(" (writable)")
	}
	fmt.Printf("    %-12s %d bytes per user\n", "Quota:", cfg.Storage.DefaultQuotaBytes)

	fmt.Println()
	fmt.Println("  Backend:")
	if cfg.Backend.Endpoint == "" {
		fmt.Printf("    %-12s NOT CONFIGURED\n", "Endpoint:")
	} else {
		fmt.Printf("    %-12s %s\n", "Endpoint:", cfg.Backend.Endpoint)
	}
	checkSecret("API key", cfg.Backend.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	checkSecret("Telegram", cfg.Channels.Telegram.Token)

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if len(cfg.Gateway.AllowedOrigins) == 0 {
		fmt.Printf("    %-12s any (no whitelist)\n", "Origins:")
	} else {
		fmt.Printf("    %-12s %v\n", "Origins:", cfg.Gateway.AllowedOrigins)
	}

	if cfg.Tracing.Enabled {
		fmt.Println()
		fmt.Println("  Tracing:")
		fmt.Printf("    %-12s %s\n", "Endpoint:", cfg.Tracing.Endpoint)
	}
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s not set\n", name+":")
	} else {
		fmt.Printf("    %-12s configured\n", name+":")
	}
}
