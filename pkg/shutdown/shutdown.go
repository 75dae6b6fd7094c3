// Package shutdown handles fatal aborts and signal-driven termination.
// Fatal startup errors leave two artifacts under <db>/state: a human-readable
// crash dump with goroutine stacks and a small machine-readable abort record
// pointing at it, so an operator can tell a crash from a clean exit after
// the fact.
package shutdown

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"branchdb/pkg/logger"
)

// abortDelay gives log sinks time to flush before the process exits.
const abortDelay = 10 * time.Second

type abortRecord struct {
	Time      string `json:"time"`
	Reason    string `json:"reason"`
	Kind      string `json:"kind"` // crash | abort
	CrashPath string `json:"crash_path,omitempty"`
	PID       int    `json:"pid"`
}

// Abort logs a fatal error, writes crash diagnostics under dbPath and exits
// the process. It never returns.
func Abort(reason string, err error, dbPath string) {
	logger.Error("startup_fatal", "msg", reason, "error", err)

	dumpPath, werr := writeCrashDump(dbPath, reason, err)
	if werr != nil {
		fmt.Fprintf(os.Stderr, "failed to write crash dump: %v\n", werr)
	} else {
		logger.Error("crash_dump_written", "path", dumpPath)
		fmt.Fprintf(os.Stderr, "crash dump written: %s\n", dumpPath)
		if _, rerr := writeAbortRecord(dbPath, reason, "crash", dumpPath); rerr != nil {
			logger.Warn("abort_record_failed", "error", rerr)
		}
	}

	time.Sleep(abortDelay)
	os.Exit(2)
}

// RequestExit writes an operator-requested abort record (no crash dump) and
// returns its path.
func RequestExit(dbPath, reason string) (string, error) {
	return writeAbortRecord(dbPath, reason, "abort", "")
}

// writeCrashDump writes reason, error and all goroutine stacks into
// <db>/state/crash atomically and returns the final path.
func writeCrashDump(dbPath, reason string, err error) (string, error) {
	dir := "./crash"
	if dbPath != "" {
		dir = filepath.Join(dbPath, "state", "crash")
	}
	if e := os.MkdirAll(dir, 0o700); e != nil {
		return "", fmt.Errorf("create crash dir: %w", e)
	}

	f, ferr := os.CreateTemp(dir, ".crash-*.tmp")
	if ferr != nil {
		return "", fmt.Errorf("create temp crash file: %w", ferr)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %v\n", err)
	fmt.Fprintf(f, "pid: %d\n", os.Getpid())
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	f.Write(buf[:n])
	f.Sync()
	f.Close()

	path := filepath.Join(dir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("move crash dump into place: %w", err)
	}
	os.Chmod(path, 0o600)
	return path, nil
}

// writeAbortRecord drops a small JSON record into <db>/state/abort.
func writeAbortRecord(dbPath, reason, kind, crashPath string) (string, error) {
	dir := "./abort"
	if dbPath != "" {
		dir = filepath.Join(dbPath, "state", "abort")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	rec := abortRecord{
		Time:      time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
		Kind:      kind,
		CrashPath: crashPath,
		PID:       os.Getpid(),
	}
	f, err := os.CreateTemp(dir, ".abort-*.tmp")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	f.Sync()
	f.Close()

	path := filepath.Join(dir, fmt.Sprintf("abort-%d.json", time.Now().UnixNano()))
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	os.Chmod(path, 0o600)
	return path, nil
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
// SIGPIPE additionally dumps goroutine stacks to the log before cancelling,
// which is the usual tell for a wedged downstream reader.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String())
		cancel()
	}()

	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		s := <-sigpipe
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		logger.Warn("sigpipe_stack_dump", "signal", s.String(), "stacks", string(buf[:n]))
		cancel()
	}()

	return ctx, cancel
}
