package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/mosaic/internal/config"
	"github.com/dyluth/mosaic/internal/printer"
	"github.com/dyluth/mosaic/internal/watch"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	watchRedisURL     string
	watchOutputFormat string
	watchCanvas       int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor real-time cluster traffic",
	Long: `Monitor the packets every shard publishes on the shared Redis store.

Streams committed pixel deltas, chunk replacements and shard heartbeats as
they occur, providing visibility into the whole cluster from one terminal.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch the store named by MOSAIC_REDIS_URL or localhost
  mosaic watch

  # Only pixels of canvas 1
  mosaic watch --canvas 1

  # Export events as JSON
  mosaic watch --output=json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRedisURL, "redis-url", "", "Redis URL (default $"+config.EnvRedisURL+" or redis://localhost:6379)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().IntVar(&watchCanvas, "canvas", -1, "Only show chunk events of this canvas")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	// Validate output format
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			nil,
			"Valid formats: default, json",
		)
	}

	opts := watch.Options{Format: outputFormat}
	if watchCanvas >= 0 {
		if watchCanvas > 255 {
			return printer.Error("invalid canvas", fmt.Sprintf("Canvas id %d is out of range", watchCanvas), nil, "Canvas ids are 0-255")
		}
		id := uint8(watchCanvas)
		opts.Canvas = &id
	}

	redisURL := resolveRedisURL(watchRedisURL)
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Verify Redis connectivity
	if err := rdb.Ping(ctx).Err(); err != nil {
		return printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisURL),
			nil,
			"Pass the store explicitly:\n  mosaic watch --redis-url redis://host:6379",
		)
	}

	return watch.Stream(ctx, rdb, opts, os.Stdout)
}

// resolveRedisURL picks the flag value, then the environment, then localhost.
func resolveRedisURL(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(config.EnvRedisURL); env != "" {
		return env
	}
	return "redis://localhost:6379"
}
