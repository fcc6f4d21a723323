package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/parley/internal/config"

	"github.com/gofrs/flock"
)

// FileLock keeps a second daemon from writing into the same workspace.
type FileLock struct {
	mu          sync.RWMutex
	lock        *flock.Flock
	path        string
	workspaceID string
	acquiredAt  time.Time
}

type FileLockConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
}

func DefaultFileLockConfig() *FileLockConfig {
	lockTimeout, _ := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
	lockRetry, _ := config.DurationOrDefault("", config.DefaultStoreLockRetry)

	return &FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// budget is the wait allowed before giving up: the lock timeout, capped by
// retry*maxRetry when both are set.
func (c *FileLockConfig) budget() time.Duration {
	wait := c.LockTimeout
	if c.LockRetry > 0 && c.LockMaxRetry > 0 {
		if capped := c.LockRetry * time.Duration(c.LockMaxRetry); wait <= 0 || capped < wait {
			wait = capped
		}
	}
	return wait
}

func NewFileLock(workspaceID, basePath string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}

	path := filepath.Join(basePath, lockFileName)
	lock := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.budget())
	defer cancel()

	locked, err := lock.TryLockContext(ctx, cfg.LockRetry)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is locked by another instance (waited %v)", workspaceID, cfg.budget())
	}

	fl := &FileLock{
		lock:        lock,
		path:        path,
		workspaceID: workspaceID,
		acquiredAt:  time.Now(),
	}
	slog.Info("Workspace lock acquired", "workspace", workspaceID, "path", path)
	return fl, nil
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.lock == nil {
		return
	}

	if err := fl.lock.Unlock(); err != nil {
		slog.Error("Failed to release workspace lock", "workspace", fl.workspaceID, "path", fl.path, "error", err)
	} else {
		slog.Info("Workspace lock released",
			"workspace", fl.workspaceID,
			"held_duration_ms", time.Since(fl.acquiredAt).Milliseconds(),
		)
	}
	fl.lock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.lock != nil
}

func (fl *FileLock) HeldDuration() time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.lock == nil {
		return 0
	}
	return time.Since(fl.acquiredAt)
}

// CleanupStaleLocks reports a lock file older than maxAge and removes it when
// force is set. A lock still held by a live process is never removed.
func CleanupStaleLocks(basePath string, maxAge time.Duration, force bool) error {
	path := filepath.Join(basePath, lockFileName)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}

	slog.Warn("Found stale lock file", "path", path, "age", age, "max_age", maxAge)
	if !force {
		slog.Info("Stale lock left in place (use --force-clean-locks to remove)", "path", path)
		return nil
	}

	probe := flock.New(path)
	locked, err := probe.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		slog.Warn("Lock file is held by a running instance, not removing", "path", path)
		return nil
	}
	defer probe.Unlock()

	if err := os.Remove(path); err != nil {
		return err
	}
	slog.Info("Stale lock file removed", "path", path)
	return nil
}
