package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/SnookerTracker/internal/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "snookertracker",
		Short: "SnookerTracker - live snooker ball counting",
		Long: `SnookerTracker reads a video source, detects snooker balls by colour on
every frame and publishes the per-colour counts.

Features:
  • Video files and devices (with -tags gocv), still-image sequences,
    X11 screen capture and a synthetic table for demos
  • One producer/consumer pair at a time, replaced safely on every start
  • Tunable colour ranges and blob filters, hot-reloaded from disk
  • REST API, websocket event stream and MJPEG preview
  • Prometheus metrics`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/snookertracker/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config manager and applies the global flag overrides
// for this run only
func loadConfig() (*config.Manager, config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			cfg.ServerPort = port
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, config.Config{}, err
	}
	return configMgr, cfg, nil
}
