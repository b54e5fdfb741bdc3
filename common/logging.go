package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide logger.
type LoggingOpts struct {
	// Debug lowers the level to slog.LevelDebug.
	Debug bool

	// JSON switches from text to JSON output.
	JSON bool

	// Service is added as a 'service' tag to all log lines.
	Service string

	// Version is added as a 'version' tag to all log lines.
	Version string
}

// SetupLogger builds the slog logger every binary uses.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var logger *slog.Logger
	if opts.JSON {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	}

	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
