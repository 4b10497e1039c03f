package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// per-component level overrides, e.g. "scoreboard=debug"
	overridesMu sync.RWMutex
	overrides   map[string]zerolog.Level
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// SetOverrides installs per-component level overrides from a list of
// "component=level" specs, replacing any previous overrides.
func SetOverrides(specs []string) {
	m := make(map[string]zerolog.Level, len(specs))
	for _, spec := range specs {
		name, lvl, ok := strings.Cut(spec, "=")
		if !ok {
			continue
		}
		m[name] = parseLevel(Level(lvl))
	}
	overridesMu.Lock()
	overrides = m
	overridesMu.Unlock()
}

// WithComponent creates a child logger with component field, honoring any
// level override configured for that component.
func WithComponent(component string) zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	overridesMu.RLock()
	lvl, ok := overrides[component]
	overridesMu.RUnlock()
	if ok {
		l = l.Level(lvl)
	}
	return l
}

// WithWorker creates a child logger with worker field
func WithWorker(worker string) zerolog.Logger {
	return Logger.With().Str("worker", worker).Logger()
}

// WithURL creates a child logger with url field
func WithURL(url string) zerolog.Logger {
	return Logger.With().Str("url", url).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
