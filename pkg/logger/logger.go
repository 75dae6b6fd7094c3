// Package logger wraps log/slog with a process-wide logger plus an
// optional file-backed audit sink.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log is the process-wide logger. Nil until Init or InitWithLevel runs;
// the package-level helpers tolerate that.
var Log *slog.Logger

// Audit, when attached, receives audit records as JSON lines. Callers
// must nil-check before use; audit events fall back to Log otherwise.
var Audit *slog.Logger

// audit log rotation threshold
const auditMaxBytes = 10 * 1024 * 1024

// Init sets up the global logger with defaults (text handler, info level,
// BRANCHDB_LOG_LEVEL honored).
func Init() {
	InitWithLevel("", "")
}

// InitWithLevel initializes the global logger. level is one of "debug",
// "info", "warn", "error"; format is "text" or "json". Empty values fall
// back to BRANCHDB_LOG_LEVEL and the text handler. BRANCHDB_LOG_SINK may
// redirect output to a file via "file:/path/to/log".
func InitWithLevel(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	out := openSink(os.Getenv("BRANCHDB_LOG_SINK"))

	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	Log = slog.New(h)
	slog.SetDefault(Log)
}

func parseLevel(level string) slog.Level {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "" {
		l = strings.ToLower(strings.TrimSpace(os.Getenv("BRANCHDB_LOG_LEVEL")))
	}
	switch l {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func openSink(sink string) io.Writer {
	path, ok := strings.CutPrefix(sink, "file:")
	if !ok {
		return os.Stdout
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		return os.Stdout
	}
	return f
}

// AttachAuditFileSink points the audit logger at <auditDir>/audit.log,
// rotating an oversized file first. On error Audit stays nil.
func AttachAuditFileSink(auditDir string) error {
	if auditDir == "" {
		return fmt.Errorf("empty audit dir")
	}
	// Reject symlinked audit paths to avoid TOCTOU games.
	if fi, err := os.Lstat(auditDir); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("audit path is a symlink: %s", auditDir)
		}
		if !fi.IsDir() {
			return fmt.Errorf("audit path exists and is not a directory: %s", auditDir)
		}
	}
	if err := os.MkdirAll(auditDir, 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	fname := filepath.Join(auditDir, "audit.log")
	if fi, err := os.Stat(fname); err == nil && fi.Size() > auditMaxBytes {
		bak := fname + "." + fi.ModTime().UTC().Format("20060102T150405Z")
		_ = os.Rename(fname, bak)
	}
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	Audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	// Initial marker proves the sink attached and the file is writable.
	Audit.Info("audit_sink_attached", "path", fname)
	return nil
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if Log != nil {
		Log.Debug(msg, args...)
	}
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if Log != nil {
		Log.Info(msg, args...)
	}
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if Log != nil {
		Log.Warn(msg, args...)
	}
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if Log != nil {
		Log.Error(msg, args...)
	}
}
