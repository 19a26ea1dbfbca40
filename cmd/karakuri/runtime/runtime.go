// Package runtime opens a workspace for one-shot CLI commands.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/engine"
	"github.com/harunnryd/karakuri/internal/idempotency"
	"github.com/harunnryd/karakuri/internal/store"
)

// Runtime is the engine over a workspace's store, without the daemon loops.
// Tasks it enqueues are picked up by a running daemon's executor.
//
// It does not take the workspace lock: SQLite in WAL mode tolerates the CLI
// next to a running daemon.
type Runtime struct {
	Config      *config.Config
	WorkspaceID string
	Engine      *engine.Engine

	store *store.Store
	dedup *idempotency.Store
}

func Open(ctx context.Context, cfg *config.Config, workspaceID string, clk clock.Clock) (*Runtime, error) {
	dir, err := store.WorkspacePath(workspaceID, cfg.Daemon.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}

	opts, err := store.OptionsFor(cfg.Store, workspaceID, cfg.Daemon.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve store options: %w", err)
	}
	st, err := store.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	dedupPath, err := store.IdempotencyPath(workspaceID, cfg.Daemon.WorkspacePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("resolve dedup path: %w", err)
	}
	dedup, err := idempotency.NewStore(dedupPath, clk)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load dedup keys: %w", err)
	}

	eng, err := engine.New(cfg, st, engine.Options{Clock: clk, Dedup: dedup})
	if err != nil {
		st.Close()
		return nil, err
	}

	slog.Debug("Workspace opened", "workspace", workspaceID, "driver", opts.Driver, "path", opts.Path)
	return &Runtime{Config: cfg, WorkspaceID: workspaceID, Engine: eng, store: st, dedup: dedup}, nil
}

// Close persists dedup keys and closes the store.
func (r *Runtime) Close() error {
	var saveErr error
	if r.dedup != nil {
		saveErr = r.dedup.Save()
	}
	if err := r.store.Close(); err != nil {
		return err
	}
	return saveErr
}
