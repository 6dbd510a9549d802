package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "groups-relay").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Auth creates a logger for NIP-42 authentication events
func Auth() *zerolog.Logger {
	l := Log.With().Str("component", "auth").Logger()
	return &l
}

// Session creates a logger for per-connection session lifecycle events
func Session() *zerolog.Logger {
	l := Log.With().Str("component", "session").Logger()
	return &l
}

// Pipeline creates a logger for middleware chain events
func Pipeline() *zerolog.Logger {
	l := Log.With().Str("component", "pipeline").Logger()
	return &l
}

// Group creates a logger for group-catalog state transitions
func Group() *zerolog.Logger {
	l := Log.With().Str("component", "group").Logger()
	return &l
}

// Store creates a logger for event-store gateway events
func Store() *zerolog.Logger {
	l := Log.With().Str("component", "store").Logger()
	return &l
}

// Coordinator creates a logger for the subscription coordinator
func Coordinator() *zerolog.Logger {
	l := Log.With().Str("component", "coordinator").Logger()
	return &l
}

// Crypto creates a logger for the crypto worker pool
func Crypto() *zerolog.Logger {
	l := Log.With().Str("component", "crypto").Logger()
	return &l
}

// Admin creates a logger for the thin admin HTTP surface
func Admin() *zerolog.Logger {
	l := Log.With().Str("component", "admin").Logger()
	return &l
}

// Tool creates a logger for the operational CLIs (cmd/delete-event, cmd/dump).
func Tool() *zerolog.Logger {
	l := Log.With().Str("component", "tool").Logger()
	return &l
}
