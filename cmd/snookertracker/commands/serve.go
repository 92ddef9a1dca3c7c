package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SnookerTracker/internal/analysis"
	"github.com/bryanchriswhite/SnookerTracker/internal/api"
	"github.com/bryanchriswhite/SnookerTracker/internal/config"
	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/output"
	"github.com/bryanchriswhite/SnookerTracker/internal/overlay"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	"github.com/bryanchriswhite/SnookerTracker/internal/supervisor"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SnookerTracker server",
	Long: `Start the SnookerTracker HTTP server and the tracking pipeline.

The server provides a REST API to start, stop and restart tracking, tune the
detection settings and follow the counts over a websocket, plus an MJPEG
preview of the annotated frames.`,
	Example: `  # Start server on default port (8080) and wait for a start request
  snookertracker serve

  # Track the synthetic demo table right away
  snookertracker serve --source "synthetic:?fps=15"

  # Track a directory of stills with settings hot-reloaded from a file
  snookertracker serve --source images:./frames --settings table.yaml --watch-settings

  # Start with debug logging
  snookertracker serve --log-level debug`,
	RunE: runServe,
}

var (
	serveSource        string
	serveSettings      string
	serveWatchSettings bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveSource, "source", "s", "", "locator to start tracking immediately")
	serveCmd.Flags().StringVar(&serveSettings, "settings", "", "detection settings file (.yaml or .json)")
	serveCmd.Flags().BoolVar(&serveWatchSettings, "watch-settings", false, "reload the settings file when it changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Println("🎱 SnookerTracker - Live Snooker Ball Counting")
	fmt.Println("==============================================")

	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("source") {
		cfg.Source = serveSource
	}
	if cmd.Flags().Changed("settings") {
		cfg.Settings.Path = serveSettings
	}
	if cmd.Flags().Changed("watch-settings") {
		cfg.Settings.Watch = serveWatchSettings
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")
	log.Info().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	m := metrics.New()
	sink := errors.LogSink{Log: logger.WithComponent("errors")}

	// Detection settings
	initial, err := initialSettings(cfg.Settings.Path)
	if err != nil {
		return err
	}
	board := state.NewBoard(initial.ColourNames(), m, sink)
	store := settings.NewStore(initial, board)
	if cfg.Settings.Path != "" {
		store.Path.Set(cfg.Settings.Path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Settings.Watch && cfg.Settings.Path != "" {
		watcher := settings.NewWatcher(store, cfg.Settings.Path, cfg.Settings.Debounce)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch settings: %w", err)
		}
		defer watcher.Stop()
	}

	// Pipeline
	router := video.DefaultRouter()
	sup := supervisor.New(router, store, analysis.NewBlobCounter(), board, supervisor.Options{
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		PollTimeout:   cfg.Pipeline.PollTimeout,
		ShutdownGrace: cfg.Pipeline.ShutdownGrace,
		Metrics:       m,
	})

	// Preview
	var stream *output.MJPEGOutput
	if cfg.Preview.Enabled {
		stream = output.NewMJPEGOutput(output.Config{
			Width:   cfg.Preview.Width,
			Height:  cfg.Preview.Height,
			FPS:     cfg.Preview.FPS,
			Quality: cfg.Preview.Quality,
		})
		if err := stream.Start(); err != nil {
			return fmt.Errorf("failed to start MJPEG output: %w", err)
		}
		defer stream.Stop()

		var ov *overlay.Manager
		if cfg.Preview.Overlay {
			ov = overlay.NewDefaultManager(video.BallColours)
		}
		feed := output.NewFeed(board, ov, stream)
		if err := feed.Start(ctx); err != nil {
			return fmt.Errorf("failed to start preview feed: %w", err)
		}
		defer feed.Stop()
	}

	// HTTP server
	server := api.NewServer(sup, board, store, api.Options{
		ConfigMgr:     configMgr,
		Stream:        stream,
		Metrics:       m,
		DefaultSource: cfg.Source,
		SettingsPath:  cfg.Settings.Path,
		Sources:       router.Openers(),
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ServerPort)
	}()

	if cfg.Source != "" {
		if err := sup.RequestStart(ctx, cfg.Source); err != nil {
			log.Warn().Err(err).Str("locator", cfg.Source).Msg("Initial source did not start")
		}
	}

	fmt.Println()
	log.Info().Msg("✅ SnookerTracker is running!")
	log.Info().Msgf("   - Web UI: http://localhost:%d", cfg.ServerPort)
	log.Info().Msgf("   - API: http://localhost:%d/api", cfg.ServerPort)
	log.Info().Msgf("   - Preview: http://localhost:%d/stream", cfg.ServerPort)
	log.Info().Msg("   - Press Ctrl+C to stop")
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
			log.Error().Err(err).Msg("Server stopped")
		}
	}

	return shutdown(server, sup, cfg, runErr)
}

// shutdown stops the HTTP server, then the pipeline. A pipeline that cannot be
// stopped within its grace is returned as a fatal error so the process exits
// non-zero.
func shutdown(server *api.Server, sup *supervisor.Supervisor, cfg config.Config, runErr error) error {
	log := logger.WithComponent("serve")

	grace := cfg.Pipeline.ShutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), grace+2*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}

	if err := sup.Shutdown(ctx); err != nil {
		if errors.IsFatal(err) {
			log.Error().Err(err).Bool("fatal", true).Msg("Pipeline did not stop within grace")
			return err
		}
		log.Warn().Err(err).Msg("Pipeline shutdown error")
	}

	if runErr != nil {
		return runErr
	}
	log.Info().Msg("Stopped")
	return nil
}

// initialSettings reads the settings file at path, writing the defaults there
// first when it does not exist yet. An empty path uses the defaults.
func initialSettings(path string) (settings.Values, error) {
	defaults := settings.Defaults()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := settings.NewStore(defaults, nil).Save(path); err != nil {
			return settings.Values{}, err
		}
		return defaults, nil
	}
	if err != nil {
		return settings.Values{}, &errors.ConfigError{Op: errors.OpLoad, Path: path, Err: err}
	}

	v, err := settings.CodecForPath(path).Parse(data)
	if err != nil {
		return settings.Values{}, &errors.ConfigError{Op: errors.OpParse, Path: path, Err: err}
	}
	return v, nil
}
