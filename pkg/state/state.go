// Package state owns the runtime directory layout under the configured DB
// path: the pebble store plus a state/ subtree for audit logs, retention
// artifacts, scratch space and crash dumps.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Paths is the canonical directory layout rooted at the DB path.
type Paths struct {
	DB        string
	Store     string
	State     string
	Audit     string
	Retention string
	Tmp       string
	Crash     string
}

// PathsFor computes the layout for a DB path without touching the filesystem.
func PathsFor(dbPath string) Paths {
	st := filepath.Join(dbPath, "state")
	return Paths{
		DB:        dbPath,
		Store:     filepath.Join(dbPath, "store"),
		State:     st,
		Audit:     filepath.Join(st, "audit"),
		Retention: filepath.Join(st, "retention"),
		Tmp:       filepath.Join(st, "tmp"),
		Crash:     filepath.Join(st, "crash"),
	}
}

func (p Paths) dirs() []string {
	return []string{p.Store, p.Audit, p.Retention, p.Tmp, p.Crash}
}

var (
	PathsVar Paths
	initOnce sync.Once
	initErr  error
)

// Init resolves the runtime paths for dbPath and ensures the layout exists.
// Safe to call multiple times; only the first call takes effect.
func Init(dbPath string) error {
	initOnce.Do(func() {
		path := strings.TrimSpace(dbPath)
		if path == "" {
			path = "./database"
		}
		PathsVar = PathsFor(filepath.Clean(path))
		initErr = ensureDirs(PathsVar)
	})
	return initErr
}

// ensureDirs creates every layout directory with restrictive permissions.
// Symlinked or group/other-writable directories are rejected: the audit and
// retention trees are trust anchors for the purge runner.
func ensureDirs(p Paths) error {
	for _, dir := range p.dirs() {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
		fi, err := os.Lstat(dir)
		if err != nil {
			return fmt.Errorf("cannot stat %s: %w", dir, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path is a symlink: %s", dir)
		}
		if !fi.IsDir() {
			return fmt.Errorf("path exists and is not a directory: %s", dir)
		}
		if fi.Mode().Perm()&0o022 != 0 {
			return fmt.Errorf("path has permissive mode (group/other write): %s", dir)
		}
		// writability probe
		tmp, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		os.Remove(tmp.Name())
	}
	return nil
}

var (
	artifactOnce sync.Once
	artifactRoot string
)

// ArtifactRoot returns the base directory for runtime/test artifacts, taken
// from BRANCHDB_ARTIFACT_ROOT or TEST_ARTIFACTS_ROOT and normalized to an
// absolute path. Empty when neither is set.
func ArtifactRoot() string {
	artifactOnce.Do(func() {
		for _, c := range []string{os.Getenv("BRANCHDB_ARTIFACT_ROOT"), os.Getenv("TEST_ARTIFACTS_ROOT")} {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if abs, err := filepath.Abs(c); err == nil {
				artifactRoot = abs
			} else {
				artifactRoot = c
			}
			return
		}
	})
	return artifactRoot
}
