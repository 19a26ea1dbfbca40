package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/config"

	"github.com/gofrs/flock"
)

const lockFileName = "karakuri.lock"

// FileLock guards a workspace directory against a second daemon. With the
// SQLite driver two daemons on one file would still be correct, but they would
// contend for the single writer for no gain.
type FileLock struct {
	mu         sync.RWMutex
	flock      *flock.Flock
	path       string
	workspace  string
	acquiredAt time.Time
}

type LockConfig struct {
	Timeout  time.Duration
	Retry    time.Duration
	MaxRetry int
}

// LockConfigFrom reads the lock settings of the store section.
func LockConfigFrom(cfg config.StoreConfig) (LockConfig, error) {
	timeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return LockConfig{}, fmt.Errorf("store.lock_timeout: %w", err)
	}
	retry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return LockConfig{}, fmt.Errorf("store.lock_retry: %w", err)
	}
	maxRetry := cfg.LockMaxRetry
	if maxRetry <= 0 {
		maxRetry = config.DefaultStoreLockMaxRetry
	}
	return LockConfig{Timeout: timeout, Retry: retry, MaxRetry: maxRetry}, nil
}

// AcquireLock takes the workspace lock, polling until cfg.Timeout.
func AcquireLock(ctx context.Context, workspace, dir string, cfg LockConfig) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	path := filepath.Join(dir, lockFileName)
	fl := &FileLock{flock: flock.New(path), path: path, workspace: workspace}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	attempts := cfg.MaxRetry
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		locked, err := fl.flock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("try lock %s: %w", path, err)
		}
		if locked {
			fl.acquiredAt = time.Now()
			slog.Info("Workspace lock acquired", "workspace", workspace, "path", path)
			return fl, nil
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("workspace %s is locked by another instance: %w", workspace, ctx.Err())
		case <-time.After(cfg.Retry):
		}
	}

	return nil, fmt.Errorf("workspace %s is locked by another instance (gave up after %d attempts)", workspace, attempts)
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.flock == nil {
		return
	}

	held := time.Since(fl.acquiredAt)
	if err := fl.flock.Unlock(); err != nil {
		slog.Error("Failed to release workspace lock", "workspace", fl.workspace, "path", fl.path, "error", err)
	} else {
		slog.Info("Workspace lock released", "workspace", fl.workspace, "held_ms", held.Milliseconds())
	}
	fl.flock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.flock != nil
}

func (fl *FileLock) Path() string {
	return fl.path
}

// CleanupStaleLock removes a lock file older than maxAge when force is set.
// Without force it only reports the stale file.
func CleanupStaleLock(dir string, maxAge time.Duration, force bool) error {
	path := filepath.Join(dir, lockFileName)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}

	if !force {
		slog.Warn("Stale workspace lock found; pass --force-clean-locks to remove it", "path", path, "age", age)
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale lock %s: %w", path, err)
	}
	slog.Info("Stale workspace lock removed", "path", path, "age", age)
	return nil
}
