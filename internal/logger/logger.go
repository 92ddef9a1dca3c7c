package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	mu sync.RWMutex
)

func init() {
	// Info level, JSON to stdout until Init is called
	Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = Logger
}

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger with the specified level and output
func Init(level string, pretty bool) {
	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	InitWithWriter(level, output)
}

// InitWithWriter initializes the global logger writing to w
func InitWithWriter(level string, w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	l := zerolog.New(w).
		With().
		Timestamp().
		Logger()

	mu.Lock()
	Logger = l
	mu.Unlock()

	log.Logger = l
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := Logger
	return &l
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) *zerolog.Logger {
	mu.RLock()
	l := Logger.With().Str("component", component).Logger()
	mu.RUnlock()
	return &l
}

// Fatal logs a fatal message and exits
func Fatal(msg string) {
	l := Get()
	l.Fatal().Msg(msg)
}
