// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// DualLogger writes structured logs to stdout and, when configured, a
// logfile as well.
type DualLogger struct {
	Logger *slog.Logger
	file   *os.File
}

// New creates a slog logger honoring OCCUPANCY_LOGFILE and OCCUPANCY_LOG_LEVEL.
func New() (*DualLogger, error) {
	logPath := os.Getenv("OCCUPANCY_LOGFILE")

	writers := []io.Writer{os.Stdout}

	var file *os.File
	if logPath != "" {
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level()})

	return &DualLogger{Logger: slog.New(handler), file: file}, nil
}

// Close releases the logfile handle, if any.
func (d *DualLogger) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

func level() slog.Level {
	switch strings.ToLower(os.Getenv("OCCUPANCY_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
