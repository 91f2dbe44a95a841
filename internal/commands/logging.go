package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/karthikkolli/webprobe-sub001/internal/config"
)

// setupCLILogger sends short-lived command logs to w.
func setupCLILogger(w io.Writer, level string) {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLevel(level)})
	slog.SetDefault(slog.New(h))
}

// setupDaemonLogger tees the daemon log to stdout and a rotating file. The
// returned writer also receives launched browsers' output.
func setupDaemonLogger(level, filename string) (io.Writer, func(), error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	w := io.MultiWriter(os.Stdout, logWriter)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLevel(level)})
	slog.SetDefault(slog.New(h))
	return logWriter, func() { _ = logWriter.Close() }, nil
}
