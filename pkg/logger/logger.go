package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Options describes how the process-wide logger should behave.
type Options struct {
	Level   string
	Format  string
	Outputs []string
	Audit   AuditOptions
}

// AuditOptions controls the append-only audit channel. Audit records cover
// every financial event and every denied call, so they rotate by size and
// are always JSON.
type AuditOptions struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu       sync.RWMutex
	base     *slog.Logger
	audit    *slog.Logger
	closable []io.Closer
)

// Init configures the global loggers. Calling Init again replaces the
// previous configuration; writers opened earlier stay open until Close.
func Init(opts Options) error {
	handler, err := newHandler(opts)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	base = slog.New(handler)
	audit = base
	if opts.Audit.Enabled {
		auditLogger, err := newAuditLogger(opts.Audit)
		if err != nil {
			return err
		}
		audit = auditLogger
	}
	return nil
}

func newHandler(opts Options) (slog.Handler, error) {
	level := parseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	outputs := opts.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openOutput(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			closable = append(closable, closer)
		}
		writers = append(writers, writer)
	}

	var sink io.Writer = writers[0]
	if len(writers) > 1 {
		sink = io.MultiWriter(writers...)
	}

	if strings.EqualFold(opts.Format, "text") {
		return slog.NewTextHandler(sink, handlerOpts), nil
	}
	return slog.NewJSONHandler(sink, handlerOpts), nil
}

func newAuditLogger(opts AuditOptions) (*slog.Logger, error) {
	if opts.Path == "" {
		return nil, errors.New("audit log path is required when audit logging is enabled")
	}
	writer, err := newRotatingWriter(opts.Path, opts.MaxSizeMB, opts.MaxBackups, opts.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	closable = append(closable, writer)
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func openOutput(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.RLock()
	logger := base
	mu.RUnlock()
	if logger != nil {
		return logger
	}
	_ = Init(Options{})
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	logger := audit
	mu.RUnlock()
	if logger != nil {
		return logger
	}
	return L()
}

// Named returns a child logger scoped to the given component.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Close flushes and closes every writer opened during Init.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closable {
		err = errors.Join(err, closer.Close())
	}
	closable = nil
	return err
}
