package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. SNOOKERTRACKER_SERVER_PORT
const EnvPrefix = "SNOOKERTRACKER"

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/snookertracker/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "snookertracker", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing file
// is created with defaults. Environment variables override the file.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(actualConfigPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Defaults())

	m := &Manager{configPath: actualConfigPath, v: v}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !isConfigNotFound(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return m, nil
	}

	if err := m.reload(); err != nil {
		return nil, err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config loaded")
	return m, nil
}

func isConfigNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

// setDefaults registers every key so that AutomaticEnv can see it
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("source", d.Source)

	v.SetDefault("pipeline.queue_capacity", d.Pipeline.QueueCapacity)
	v.SetDefault("pipeline.poll_timeout", d.Pipeline.PollTimeout)
	v.SetDefault("pipeline.shutdown_grace", d.Pipeline.ShutdownGrace)

	v.SetDefault("preview.enabled", d.Preview.Enabled)
	v.SetDefault("preview.width", d.Preview.Width)
	v.SetDefault("preview.height", d.Preview.Height)
	v.SetDefault("preview.fps", d.Preview.FPS)
	v.SetDefault("preview.quality", d.Preview.Quality)
	v.SetDefault("preview.overlay", d.Preview.Overlay)

	v.SetDefault("settings.path", d.Settings.Path)
	v.SetDefault("settings.watch", d.Settings.Watch)
	v.SetDefault("settings.debounce", d.Settings.Debounce)
}

// reload decodes viper's merged view into the config struct
func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetViper exposes the underlying viper instance for key lookups
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Keys lists every known configuration key, sorted
func (m *Manager) Keys() []string {
	keys := m.v.AllKeys()
	sort.Strings(keys)
	return keys
}

// HasKey reports whether key is a known configuration key
func (m *Manager) HasKey(key string) bool {
	return slices.Contains(m.v.AllKeys(), strings.ToLower(key))
}

// Set assigns a single key and saves. Values are given as strings and
// converted to the key's type; an invalid result leaves the config unchanged.
func (m *Manager) Set(key, value string) error {
	if !m.HasKey(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	prev := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.reload(); err != nil {
		m.v.Set(key, prev)
		return err
	}
	return m.Save()
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	return m.Set("server_port", fmt.Sprint(port))
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.Set("log_level", level)
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
