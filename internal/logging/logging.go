package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Setup installs the default JSON logger. Records go to stdout and, when
// audit is non-nil, to the audit writer as well.
func Setup(level string, audit io.Writer) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if audit != nil {
		out = io.MultiWriter(os.Stdout, audit)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})

	slog.SetDefault(slog.New(handler))
}

func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// AuditLog is an append-only log file. Every write is synced to disk.
// The file is never truncated or rotated.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening audit log: %w", err)
	}
	return &AuditLog{file: f}, nil
}

func (a *AuditLog) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.file.Write(p)
	if err != nil {
		return n, err
	}
	return n, a.file.Sync()
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
