package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forktide/forktide/pkg/forktide"
)

var rootCmd = &cobra.Command{
	Use:     "forktide",
	Short:   "forktide - a prefork HTTP/1.1 server with a forked worker pool",
	Version: "0.1.0",
}

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load configuration, fork the worker pool, and serve until a shutdown signal arrives",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the fully-resolved, defaulted configuration as YAML",
	RunE:  runConfig,
}

var (
	workerID            int
	workerControlSocket string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a forked worker process (invoked by the master, not normally by hand)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	workerCmd.Flags().IntVar(&workerID, "id", -1, "worker id assigned by the master")
	workerCmd.Flags().StringVar(&workerControlSocket, "control-socket", "", "path to the descriptor-channel control socket to listen on")
	_ = workerCmd.MarkFlagRequired("id")
	_ = workerCmd.MarkFlagRequired("control-socket")

	rootCmd.AddCommand(serveCmd, configCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := forktide.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := forktide.NewLogger(cfg.Logging)

	master, err := forktide.NewMaster(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct master: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGUSR1)
	defer signal.Stop(reloadCh)

	if err := master.Start(ctx); err != nil {
		return fmt.Errorf("failed to start master: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				logger.Info("reload signal received, rolling restart of worker pool")
				if err := master.Reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
				}
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := master.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown did not complete cleanly: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := forktide.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

// runWorker is the entry point a forked worker process re-execs into; see
// WorkerProcess.Start for how the master invokes it and RunWorker for the
// event loop itself. A bare invocation has no application handler wired
// in, so it serves every request 404 — applications embed the core via
// pkg/forktide's Server façade instead of this binary directly.
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := forktide.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	secretHex := os.Getenv("FORKTIDE_WORKER_SECRET")
	if secretHex == "" {
		return fmt.Errorf("FORKTIDE_WORKER_SECRET not set")
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("failed to decode worker secret: %w", err)
	}

	logger := forktide.NewLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return forktide.RunWorker(ctx, workerID, workerControlSocket, secret, cfg, logger, nil)
}
