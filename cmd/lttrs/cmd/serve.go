package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/account"
	"github.com/isabella232/lttrs-android-sub000/internal/api"
	"github.com/isabella232/lttrs-android-sub000/internal/scheduler"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache API with scheduled sync",
	Long: `Run lttrs as a long-running daemon that serves the cache over HTTP and
syncs accounts on schedule.

The daemon runs in the foreground and performs:
  - HTTP API server on configured port (default: 8080)
  - Scheduled syncs based on account config
  - Outbox delivery of actions submitted through the API

Configure schedules in config.toml:
  [[accounts]]
  id = "work"
  session_url = "https://jmap.example.com/.well-known/jmap"
  schedule = "*/5 * * * *"   # every 5 minutes (cron format)
  enabled = true

Cron format: minute hour day-of-month month day-of-week
  Examples:
    */5 * * * *   = Every 5 minutes
    0 * * * *     = Hourly
    0 8,18 * * *  = 8 AM and 6 PM daily

Use Ctrl+C to stop the daemon gracefully. Actions still in the outbox are
rolled back.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured\n\nAdd accounts to %s:\n\n%s", configPathHint(), accountExample)
	}

	accounts := account.NewManager(cfg, logger)
	defer func() {
		if err := accounts.Close(); err != nil {
			logger.Error("failed to close accounts", "error", err)
		}
	}()

	sched := scheduler.New(accounts.Sync).WithLogger(logger).WithBusy(accounts.Busy)
	count, errs := sched.AddAccountsFromConfig(cfg)
	for _, err := range errs {
		logger.Error("failed to schedule account", "error", err)
	}
	if count == 0 {
		logger.Warn("no accounts scheduled, syncs only run on request")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sched.Start()

	apiServer := api.NewServer(cfg, accounts, sched, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("lttrs daemon started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Accounts: %d (%d scheduled)\n", len(cfg.Accounts), count)
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	for _, status := range sched.Status() {
		fmt.Printf("  %s: next sync at %s\n", status.Account, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		fmt.Printf("\nAPI server error: %v\n", err)
	}

	fmt.Println("Shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Println("Waiting for running syncs to complete...")
	schedCtx := sched.Stop()

	select {
	case <-schedCtx.Done():
		fmt.Println("Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}

	return nil
}
