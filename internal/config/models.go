package config

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
)

// Config represents the application configuration
type Config struct {
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`

	// Source is started as soon as the server is up; empty waits for a request
	Source string `json:"source" yaml:"source" mapstructure:"source"`

	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`
	Preview  PreviewConfig  `json:"preview" yaml:"preview" mapstructure:"preview"`
	Settings SettingsConfig `json:"settings" yaml:"settings" mapstructure:"settings"`
}

// PipelineConfig sizes the producer/consumer pair
type PipelineConfig struct {
	QueueCapacity int           `json:"queue_capacity" yaml:"queue_capacity" mapstructure:"queue_capacity"`
	PollTimeout   time.Duration `json:"poll_timeout" yaml:"poll_timeout" mapstructure:"poll_timeout"`
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// PreviewConfig controls the MJPEG preview stream
type PreviewConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Width   int  `json:"width" yaml:"width" mapstructure:"width"`
	Height  int  `json:"height" yaml:"height" mapstructure:"height"`
	FPS     int  `json:"fps" yaml:"fps" mapstructure:"fps"`
	Quality int  `json:"quality" yaml:"quality" mapstructure:"quality"`
	// Overlay draws blob boxes and counts onto preview frames
	Overlay bool `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
}

// SettingsConfig points at the detection settings document
type SettingsConfig struct {
	Path     string        `json:"path" yaml:"path" mapstructure:"path"`
	Watch    bool          `json:"watch" yaml:"watch" mapstructure:"watch"`
	Debounce time.Duration `json:"debounce" yaml:"debounce" mapstructure:"debounce"`
}

// Defaults returns the default configuration
func Defaults() Config {
	return Config{
		LogLevel:   string(logger.InfoLevel),
		ServerPort: 8080,
		Pipeline: PipelineConfig{
			QueueCapacity: 1,
			PollTimeout:   100 * time.Millisecond,
			ShutdownGrace: 5 * time.Second,
		},
		Preview: PreviewConfig{
			Enabled: true,
			Width:   640,
			Height:  360,
			FPS:     10,
			Quality: 75,
			Overlay: true,
		},
		Settings: SettingsConfig{
			Debounce: 150 * time.Millisecond,
		},
	}
}

// Validate checks ranges
func (c Config) Validate() error {
	switch logger.LogLevel(c.LogLevel) {
	case logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel:
	default:
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", c.LogLevel)
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("pipeline.queue_capacity must be at least 1, got %d", c.Pipeline.QueueCapacity)
	}
	if c.Pipeline.PollTimeout <= 0 {
		return fmt.Errorf("pipeline.poll_timeout must be positive")
	}
	if c.Pipeline.ShutdownGrace <= 0 {
		return fmt.Errorf("pipeline.shutdown_grace must be positive")
	}
	if c.Preview.Width < 16 || c.Preview.Height < 16 {
		return fmt.Errorf("preview size %dx%d is too small", c.Preview.Width, c.Preview.Height)
	}
	if c.Preview.FPS < 1 {
		return fmt.Errorf("preview.fps must be at least 1")
	}
	if c.Preview.Quality < 1 || c.Preview.Quality > 100 {
		return fmt.Errorf("preview.quality must be within 1-100, got %d", c.Preview.Quality)
	}
	if c.Settings.Debounce < 0 {
		return fmt.Errorf("settings.debounce must not be negative")
	}
	return nil
}
