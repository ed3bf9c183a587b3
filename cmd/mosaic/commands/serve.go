package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/mosaic/internal/config"
	"github.com/dyluth/mosaic/internal/fabric"
	"github.com/dyluth/mosaic/internal/printer"
	"github.com/dyluth/mosaic/internal/ranking"
	"github.com/dyluth/mosaic/internal/server"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one shard",
	Long: `Run one mosaic shard.

The shard loads its canvases from mosaic.yml, connects to the shared Redis
store, joins the cluster through the presence channel and serves viewers on
the configured listen address until interrupted.

Environment overrides:
  MOSAIC_REDIS_URL   Redis URL (redis.url)
  MOSAIC_SHARD_NAME  Shard name (server.shard)
  MOSAIC_LISTEN      Listen address (server.listen)

Examples:
  mosaic serve --config mosaic.yml
  MOSAIC_SHARD_NAME=shard-b MOSAIC_LISTEN=:8081 mosaic serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "mosaic.yml", "Path to mosaic.yml")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": serveConfigPath},
			"Check mosaic.yml against the documented schema",
		)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return printer.Error(
			"invalid Redis URL",
			err.Error(),
			map[string]string{"URL": cfg.Redis.URL},
			"Use the form redis://host:port/db",
		)
	}

	store := canvas.NewStore(redisOpts)
	defer store.Close()

	srv := server.New(store, serverOptions(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer.Info("Shard '%s' serving %d canvas(es) on %s\n", cfg.Server.Shard, len(cfg.Canvases), cfg.Server.Listen)

	if err := srv.Run(ctx); err != nil {
		return printer.Error(
			"shard stopped",
			err.Error(),
			map[string]string{"Shard": cfg.Server.Shard, "Redis": cfg.Redis.URL},
			fmt.Sprintf("Check Redis is reachable at %s", cfg.Redis.URL),
		)
	}

	log.Printf("[INFO] Shard '%s' stopped", cfg.Server.Shard)
	return nil
}

// serverOptions maps a validated configuration onto shard options.
func serverOptions(cfg *config.MosaicConfig) server.Options {
	timing := cfg.Server.Timing()
	return server.Options{
		Listen:         cfg.Server.Listen,
		Canvases:       cfg.Canvases,
		CaptchaEnabled: cfg.Captcha.Enabled,
		CountryFactors: cfg.CooldownFactors,
		Fabric: fabric.Config{
			Shard:             cfg.Server.Shard,
			HeartbeatInterval: timing.HeartbeatInterval,
			ShardTimeout:      timing.ShardTimeout,
			StartupGrace:      timing.StartupGrace,
			FlushInterval:     timing.FlushInterval,
		},
		Ranking: ranking.Config{
			Interval: cfg.Ranking.IntervalDuration(),
			TopN:     cfg.Ranking.TopN,
		},
		FrameRate:      cfg.Server.FrameRate,
		FrameBurst:     cfg.Server.FrameBurst,
		TrustProxy:     cfg.Server.TrustProxy,
		ChunkCacheSize: cfg.Server.ChunkCacheSize,
	}
}
