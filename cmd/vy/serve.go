package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/vibeyard/internal/agent"
	"github.com/zulandar/vibeyard/internal/config"
	"github.com/zulandar/vibeyard/internal/db"
	"github.com/zulandar/vibeyard/internal/orchestrator"
	"github.com/zulandar/vibeyard/internal/sandbox"
	"github.com/zulandar/vibeyard/internal/server"
	"github.com/zulandar/vibeyard/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Vibeyard server",
		Long:  "Starts the HTTP server, the per-conversation orchestrators and the idle sweeper.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "vibeyard.yaml", "path to Vibeyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	gormDB, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	kv, err := store.NewGormStore(gormDB)
	if err != nil {
		return err
	}

	provider, err := sandbox.NewLocalProvider(sandbox.LocalOpts{
		Root:               cfg.Sandbox.Root,
		Workspace:          cfg.Sandbox.Workspace,
		PreviewURLTemplate: cfg.Sandbox.PreviewURLTemplate,
	})
	if err != nil {
		return err
	}
	defer provider.Close()

	model, err := agent.NewHTTPModel(cfg.Agent.ModelEndpoint, cfg.Agent.ModelTimeout)
	if err != nil {
		return err
	}
	loop, err := agent.NewLoop(agent.Loop{
		Model:        model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxSteps:     cfg.Agent.MaxSteps,
		MaxMessages:  cfg.Agent.MaxMessages,
	})
	if err != nil {
		return err
	}

	mgr, err := orchestrator.NewManager(orchestrator.Options{
		Provider:        provider,
		Store:           kv,
		Agent:           loop,
		Workspace:       cfg.Sandbox.Workspace,
		DevCommand:      cfg.Sandbox.DevCommand,
		DevPort:         cfg.Sandbox.DevPort,
		PreviewHostname: cfg.Sandbox.PreviewHostname,
		IdleTTL:         cfg.Orchestrator.IdleTTL,
		LogMaxBytes:     cfg.Orchestrator.LogMaxBytes,
		HTTP:            &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return err
	}
	sweeper, err := orchestrator.NewSweeper(mgr, cfg.Orchestrator.SweepCron)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	go sweeper.Run(ctx)

	err = server.Start(ctx, server.StartOpts{
		Manager: mgr,
		Port:    cfg.Server.Port,
		Out:     cmd.OutOrStdout(),
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	return err
}
