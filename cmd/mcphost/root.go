package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaeltm/mcphost/internal/config"
	"github.com/raphaeltm/mcphost/internal/host"
	"github.com/raphaeltm/mcphost/internal/logging"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "mcphost",
	Short:   "Local MCP server orchestrator",
	Long:    "mcphost runs the local Host: subprocess lifecycles, port assignment, session state, secret/permission enforcement, and the reverse proxy that routes client traffic to per-workspace MCP servers.",
	Version: version,
	RunE:    runHost,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Host and block until interrupted",
	RunE:  runHost,
}

func init() {
	rootCmd.PersistentFlags().Int("port", 0, "preferred loopback port (overrides MCP_HOST_PORT; default 4040)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for persisted state (overrides MCP_DATA_DIR)")
	rootCmd.AddCommand(runCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	logging.Setup()
	log := logging.For("main")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.HostPort = port
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	h, err := host.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing host: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := h.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("host server error: %w", err)
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		log.Error("error during shutdown", "error", err)
		return err
	}
	log.Info("host stopped")
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion replaces the version string reported by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
