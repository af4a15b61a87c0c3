package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	clientcmd "github.com/courierkit/courier/internal/cmd/client"
	serverrun "github.com/courierkit/courier/internal/cmd/server"
	cfgpkg "github.com/courierkit/courier/internal/config"
	pebblestore "github.com/courierkit/courier/internal/storage/pebble"
	logpkg "github.com/courierkit/courier/pkg/log"
)

func main() {
	// Optional .env overlay for local development; absent files are fine.
	_ = godotenv.Load()

	// Respect COURIER_LOG_LEVEL for both CLI and server start output
	level := os.Getenv("COURIER_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier dispatch CLI",
		Long:  "Courier is a single-binary message dispatch service. This CLI manages the server and basic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start courier server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			carrierURL, _ := cmd.Flags().GetString("carrier")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			workers, _ := cmd.Flags().GetInt("workers")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			recipientCap, _ := cmd.Flags().GetInt("per-recipient-cap")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg := cfgpkg.Default()
			cfgpkg.FromEnv(&cfg)
			if carrierURL != "" {
				cfg.Carrier.Endpoint = carrierURL
			}
			if workers > 0 {
				cfg.Dispatch.Workers = workers
			}
			if maxAttempts > 0 {
				cfg.Dispatch.MaxAttempts = maxAttempts
			}
			if recipientCap > 0 {
				cfg.Dispatch.PerRecipientCap = recipientCap
			}
			if logLevel != "" {
				_ = os.Setenv("COURIER_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("COURIER_LOG_FORMAT", logFormat)
			}
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir,
				HTTPAddr:      httpAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address")
	serverStartCmd.Flags().String("carrier", os.Getenv("COURIER_CARRIER_ENDPOINT"), "Webhook carrier endpoint URL")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	serverStartCmd.Flags().String("log-level", os.Getenv("COURIER_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("COURIER_LOG_FORMAT"), "Log format: text|json (default text)")
	serverStartCmd.Flags().Int("workers", 0, "Delivery worker count (0 = config default)")
	serverStartCmd.Flags().Int("max-attempts", 0, "Retry ceiling per message (0 = config default)")
	serverStartCmd.Flags().Int("per-recipient-cap", 0, "Max concurrent attempts per recipient (0 = config default)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// message commands
	rootCmd.AddCommand(clientcmd.NewMessageCommand(apiURL))

	// stats
	rootCmd.AddCommand(clientcmd.NewStatsCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("COURIER_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
