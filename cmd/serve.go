package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/gateway"
	"github.com/nextlevelbuilder/keeper/internal/store"
	"github.com/nextlevelbuilder/keeper/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full runtime: gateway, agent, gardener, dispatcher",
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

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	if err := config.Watch(ctx, cfgPath, cfg); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	}

	db, err := store.Open(cfg.Database.SQLitePath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	rt, err := buildRuntime(cfg, db)
	if err != nil {
		slog.Error("failed to build runtime", "error", err)
		db.Close()
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.mcp.Start(ctx); err != nil {
		slog.Warn("some MCP servers unavailable", "error", err)
	}

	go rt.gardener.Run(ctx)
	go rt.dispatcher.Run(ctx)

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("keeper starting",
		"version", Version,
		"mode", mode,
		"providers", rt.pool.Names(),
		"tools", rt.tools.Names(),
		"channels", rt.channels.Names(),
	)

	server := gateway.NewServer(cfg.Gateway, rt.bus, rt.handleInbound)
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
