package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zaplinktv/zaplink/internal/announce"
	"github.com/zaplinktv/zaplink/internal/channels"
	"github.com/zaplinktv/zaplink/internal/config"
	"github.com/zaplinktv/zaplink/internal/database"
	"github.com/zaplinktv/zaplink/internal/guide"
	"github.com/zaplinktv/zaplink/internal/httpapi"
	"github.com/zaplinktv/zaplink/internal/observability"
	"github.com/zaplinktv/zaplink/internal/relay"
	"github.com/zaplinktv/zaplink/internal/repository"
	"github.com/zaplinktv/zaplink/internal/tuner"
	"github.com/zaplinktv/zaplink/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the zaplink server",
	Long: `Start the zaplink HTTP server.

The server provides:
- Raw MPEG-TS passthrough, transcoded, and HLS streams per channel
- M3U playlists for each delivery mode
- The harvested guide as XMLTV and JSON`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 5000, "Port to listen on")
	serveCmd.Flags().String("database", "epg.db", "Guide catalog database path")
	serveCmd.Flags().String("channels-conf", "./channels.conf", "dvbv5 channels.conf path")
	serveCmd.Flags().String("adapter-dir", "/dev/dvb", "DVB adapter directory")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.path", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("channels.conf_path", serveCmd.Flags().Lookup("channels-conf"))
	mustBindPFlag("tuner.adapter_dir", serveCmd.Flags().Lookup("adapter-dir"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	logger.Info("starting zaplink", slog.String("version", version.Short()))

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	db, err := database.New(cfg.Database, observability.WithComponent(logger, "database"))
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	programRepo := repository.NewProgramRepository(db)

	catalog, err := channels.Load(cfg.Channels.ConfPath)
	if err != nil {
		return fmt.Errorf("loading channel catalog: %w", err)
	}
	logger.Info("channel catalog loaded",
		slog.Int("channels", catalog.Len()),
		slog.Int("muxes", len(catalog.UniqueFrequencies())))

	tuners, err := tuner.Discover(cfg.Tuner.AdapterDir)
	if err != nil {
		return fmt.Errorf("discovering tuners: %w", err)
	}
	if len(tuners) == 0 {
		return fmt.Errorf("no tuners found under %s", cfg.Tuner.AdapterDir)
	}
	logger.Info("tuners discovered", slog.Int("count", len(tuners)))

	pool := tuner.NewPool(tuners, observability.WithComponent(logger, "tuner"))
	runner := relay.NewRunner(pool,
		cfg.Capture.Binary, cfg.FFmpeg.Binary, cfg.Channels.ConfPath,
		cfg.Tuner.AcquireRetries, cfg.Tuner.AcquireRetryDelay,
		observability.WithComponent(logger, "relay"))

	if err := os.MkdirAll(cfg.HLS.Root, 0o755); err != nil {
		return fmt.Errorf("creating hls root: %w", err)
	}
	hlsManager := relay.NewHLSManager(cfg.HLS.Root,
		cfg.HLS.MaxSessions, cfg.HLS.SessionTimeout, cfg.HLS.PlaylistWait,
		runner, observability.WithComponent(logger, "hls"))

	scheduler := cron.New()
	housekeepSpec := fmt.Sprintf("@every %s", cfg.HLS.HousekeepInterval)
	if _, err := scheduler.AddFunc(housekeepSpec, hlsManager.Housekeep); err != nil {
		return fmt.Errorf("scheduling hls housekeeping: %w", err)
	}
	scheduler.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Guide.Enabled {
		scanner := guide.NewScanner(catalog, runner, programRepo, cfg.Guide,
			observability.WithComponent(logger, "guide"))
		go scanner.Run(ctx)
	}

	if cfg.MDNS.Enabled {
		announcer, err := announce.New(cfg.MDNS.Name, cfg.Server.Port,
			observability.WithComponent(logger, "mdns"))
		if err != nil {
			logger.Warn("mdns advertisement unavailable", slog.Any("error", err))
		} else {
			go announcer.Run(ctx)
		}
	}

	renderer := guide.NewRenderer(catalog, programRepo)
	server := httpapi.NewServer(cfg.Server, catalog, pool, runner, hlsManager, renderer,
		observability.WithComponent(logger, "http"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	cancel()
	scheduler.Stop()
	hlsManager.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.Any("error", err))
	}

	// Give in-flight relay teardown a moment so children are reaped.
	time.Sleep(200 * time.Millisecond)
	logger.Info("shutdown complete")
	return nil
}
