// Package log provides structured logging for shrinkd components.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"; defaults to info
	Output  io.Writer // defaults to os.Stderr
	Console bool      // human-readable console output instead of JSON
	Service string    // service name attached to every entry
}

var (
	mu   sync.RWMutex
	base zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Configure initialises the global logger. Safe to call once at boot.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stderr
	}
	if cfg.Console {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	service := cfg.Service
	if service == "" {
		service = "shrinkd"
	}

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Base returns the global logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) zerolog.Logger {
	return Base().With().Str("component", name).Logger()
}

// WithStage returns a logger tagged with a component and pipeline stage.
func WithStage(component, stage string) zerolog.Logger {
	return Base().With().Str("component", component).Str("stage", stage).Logger()
}

// Package-level helpers for call sites that do not carry a component logger.

// Debug logs a debug message.
func Debug() *zerolog.Event { b := Base(); return b.Debug() }

// Info logs an informational message.
func Info() *zerolog.Event { b := Base(); return b.Info() }

// Warn logs a warning message.
func Warn() *zerolog.Event { b := Base(); return b.Warn() }

// Error logs an error message.
func Error() *zerolog.Event { b := Base(); return b.Error() }
