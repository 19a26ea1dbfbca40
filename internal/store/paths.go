package store

import (
	"path/filepath"
	"strings"

	"github.com/harunnryd/karakuri/internal/config"
)

// ResolveWorkspaceRoot expands the configured root, defaulting to
// ~/.karakuri/workspaces.
func ResolveWorkspaceRoot(root string) (string, error) {
	if trimmed := strings.TrimSpace(root); trimmed != "" {
		return config.ExpandPath(trimmed)
	}
	return config.ExpandPath(filepath.Join("~", ".karakuri", "workspaces"))
}

// WorkspacePath returns the directory holding one workspace's state.
func WorkspacePath(workspaceID, root string) (string, error) {
	base, err := ResolveWorkspaceRoot(root)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, workspaceID), nil
}

// DatabasePath returns the SQLite file to use: the configured path when set,
// otherwise karakuri.db inside the workspace.
func DatabasePath(cfg config.StoreConfig, workspaceID, root string) (string, error) {
	if p := strings.TrimSpace(cfg.Path); p != "" {
		return config.ExpandPath(p)
	}
	base, err := WorkspacePath(workspaceID, root)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "karakuri.db"), nil
}

// IdempotencyPath returns the file backing the submission dedup window.
func IdempotencyPath(workspaceID, root string) (string, error) {
	base, err := WorkspacePath(workspaceID, root)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "idempotency.json"), nil
}

// OptionsFor resolves the connection options for one workspace.
func OptionsFor(cfg config.StoreConfig, workspaceID, root string) (Options, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = config.DefaultStoreDriver
	}
	opts := Options{Driver: driver, DSN: cfg.DSN, MaxOpenConns: cfg.MaxOpenConns}
	if driver == DriverSQLite {
		path, err := DatabasePath(cfg, workspaceID, root)
		if err != nil {
			return Options{}, err
		}
		opts.Path = path
	}
	return opts, nil
}
