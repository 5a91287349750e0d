package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sensorlog/internal/logging"
	"github.com/JonMunkholm/sensorlog/internal/store"
)

const (
	flagLogLevel = "log-level"
	flagRedisURL = "redis-url"
	flagJSON     = "json"
)

var errNoRedis = errors.New("job state lives in redis: set REDIS_URL or pass --redis-url")

// Build the cobra command that handles our command line tool.
func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ingestctl COMMAND [args]",
		Short: "Import and inspect sensor-log ingestion jobs",
		Long: `Import temperature and humidity logger exports (CSV, XLS, XLSX) into a
sensor collection, and inspect the jobs recorded by the ingestion server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString(flagLogLevel)
			slog.SetDefault(logging.New(cmd.ErrOrStderr(), level, "text"))
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String(flagLogLevel, "warn", "Log level written to stderr (debug, info, warn, error)")
	rootCmd.PersistentFlags().String(flagRedisURL, os.Getenv("REDIS_URL"), "Redis URL holding job state")

	rootCmd.AddCommand(
		ingestCmd(),
		detectCmd(),
		statusCmd(),
		progressCmd(),
		historyCmd(),
		pruneCmd(),
		migrateCmd(),
	)

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := rootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func openRedis(cmd *cobra.Command) (*redis.Client, error) {
	url, _ := cmd.Flags().GetString(flagRedisURL)
	if url == "" {
		return nil, errNoRedis
	}
	return store.OpenRedis(cmd.Context(), url)
}
