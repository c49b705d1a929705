// Package logging provides structured logging for the Muster correlation engine.
//
// This package configures and manages structured logging using Go's standard library slog,
// providing environment-aware configuration and context propagation for consistent logging
// across the application.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

// Environment constants define the valid deployment environments.
const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// String returns the string representation of the environment.
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is one of the defined valid environments.
func (e Environment) IsValid() bool {
	switch e {
	case Development, Production, Test:
		return true
	default:
		return false
	}
}

// Config holds the configuration for the logger.
type Config struct {
	Environment Environment `json:"environment"`
	Level       slog.Level  `json:"level"`
	Output      io.Writer   `json:"-"`
	AddSource   bool        `json:"add_source"`
}

// Logger wraps slog.Logger with additional functionality for structured logging.
type Logger struct {
	*slog.Logger
	config Config
}

// DefaultConfig returns a default configuration based on the environment.
func DefaultConfig(env Environment) Config {
	config := Config{
		Environment: env,
		Level:       slog.LevelInfo,
		Output:      os.Stdout,
		AddSource:   false,
	}

	switch env {
	case Development:
		config.Level = slog.LevelDebug
		config.AddSource = true
	case Production:
		config.Level = slog.LevelInfo
		config.AddSource = false
	case Test:
		config.Level = slog.LevelWarn
		config.AddSource = false
	}

	return config
}

// NewLogger creates a new structured logger with the given configuration.
//
// The logger is configured based on the environment:
//   - Development: Pretty console output with debug level and source information
//   - Production: JSON output with info level for machine parsing
//   - Test: JSON output with warn level to reduce noise
//
// Returns a Logger instance or an error if configuration is invalid.
func NewLogger(config Config) (*Logger, error) {
	if !config.Environment.IsValid() {
		return nil, fmt.Errorf("invalid environment: %s", config.Environment)
	}

	if config.Output == nil {
		config.Output = os.Stdout
	}

	var handler slog.Handler

	handlerOpts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	switch config.Environment {
	case Development:
		// Pretty console output for development
		handler = slog.NewTextHandler(config.Output, handlerOpts)
	case Production, Test:
		// JSON output for production and testing (machine parseable)
		handler = slog.NewJSONHandler(config.Output, handlerOpts)
	}

	logger := slog.New(handler)

	return &Logger{
		Logger: logger,
		config: config,
	}, nil
}

// NewFromEnvironment creates a logger using environment variables.
//
// Environment variables:
//   - MUSTER_ENV: Sets the environment (development, production, test)
//   - MUSTER_LOG_LEVEL: Sets the log level (debug, info, warn, error)
//   - MUSTER_LOG_ADD_SOURCE: Enables source information (true, false)
//
// Returns a Logger instance with default configuration if environment variables are not set.
func NewFromEnvironment() (*Logger, error) {
	env := Development
	if envVar := os.Getenv("MUSTER_ENV"); envVar != "" {
		env = Environment(strings.ToLower(envVar))
	}

	config := DefaultConfig(env)

	// Override log level if specified
	if levelVar := os.Getenv("MUSTER_LOG_LEVEL"); levelVar != "" {
		level, err := parseLogLevel(levelVar)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		config.Level = level
	}

	// Override add source if specified
	if sourceVar := os.Getenv("MUSTER_LOG_ADD_SOURCE"); sourceVar != "" {
		config.AddSource = strings.ToLower(sourceVar) == "true"
	}

	return NewLogger(config)
}

// parseLogLevel converts a string to slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// WithContext adds logger to context for propagation.
//
// This allows the logger to be retrieved from context throughout the application
// using FromContext.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithFields returns a new logger with additional structured fields.
//
// This is useful for adding context-specific fields that should be included
// in all log entries from this logger instance.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		config: l.config,
	}
}

// WithIncidentID returns a new logger with an incident ID field.
//
// This is a convenience method for adding incident IDs to log entries,
// which helps with debugging and auditing correlation decisions.
func (l *Logger) WithIncidentID(incidentID string) *Logger {
	return l.WithFields("incident_id", incidentID)
}

// WithGroupID returns a new logger with a correlation group ID field.
func (l *Logger) WithGroupID(groupID string) *Logger {
	return l.WithFields("group_id", groupID)
}

// WithError returns a new logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err.Error())
}

// WithDuration returns a new logger with a duration field.
//
// This is useful for logging operation timings and performance metrics.
func (l *Logger) WithDuration(duration time.Duration) *Logger {
	return l.WithFields("duration_ms", duration.Milliseconds())
}

// loggerKey is used as the key for storing logger in context.
type loggerKey struct{}

// FromContext retrieves the logger from context.
//
// If no logger is found in context, returns a default logger configured
// for the current environment. This ensures that logging always works
// even if context propagation fails.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}

	// Fallback to default logger if not in context
	logger, err := NewFromEnvironment()
	if err != nil {
		// Last resort: create a basic logger
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
		return &Logger{
			Logger: slog.New(handler),
			config: DefaultConfig(Development),
		}
	}

	return logger
}

// GetConfig returns the logger's configuration.
func (l *Logger) GetConfig() Config {
	return l.config
}
