package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
	"github.com/harunnryd/karakuri/internal/idempotency"
	"github.com/harunnryd/karakuri/internal/store"
)

// StoreComponent owns the database connection, the event dedup set and, for
// SQLite, the workspace lock that keeps a second daemon off the same file.
type StoreComponent struct {
	workspaceID   string
	workspaceRoot string
	cfg           config.StoreConfig

	mu      sync.RWMutex
	store   *store.Store
	dedup   *idempotency.Store
	lock    *store.FileLock
	started bool
}

func NewStoreComponent(workspaceID, workspaceRoot string, cfg config.StoreConfig) *StoreComponent {
	return &StoreComponent{workspaceID: workspaceID, workspaceRoot: workspaceRoot, cfg: cfg}
}

func (s *StoreComponent) Name() string           { return daemon.StoreComponent }
func (s *StoreComponent) Dependencies() []string { return nil }

func (s *StoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("store init cancelled: %w", ctx.Err())
	default:
	}

	opts, err := store.OptionsFor(s.cfg, s.workspaceID, s.workspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve store options: %w", err)
	}

	if opts.Driver == store.DriverSQLite {
		lockCfg, err := store.LockConfigFrom(s.cfg)
		if err != nil {
			return err
		}
		dir, err := store.WorkspacePath(s.workspaceID, s.workspaceRoot)
		if err != nil {
			return fmt.Errorf("resolve workspace path: %w", err)
		}
		lock, err := store.AcquireLock(ctx, s.workspaceID, dir, lockCfg)
		if err != nil {
			return fmt.Errorf("workspace %s: %w", s.workspaceID, err)
		}
		s.lock = lock
	}

	st, err := store.Open(ctx, opts)
	if err != nil {
		s.releaseLocked()
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st

	dedupPath, err := store.IdempotencyPath(s.workspaceID, s.workspaceRoot)
	if err != nil {
		s.releaseLocked()
		return fmt.Errorf("resolve dedup path: %w", err)
	}
	dedup, err := idempotency.NewStore(dedupPath, nil)
	if err != nil {
		s.releaseLocked()
		return fmt.Errorf("load dedup keys: %w", err)
	}
	s.dedup = dedup

	slog.Info("Store initialized", "component", s.Name(), "driver", opts.Driver, "path", opts.Path)
	return nil
}

func (s *StoreComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return fmt.Errorf("store not initialized")
	}
	s.started = true
	return nil
}

func (s *StoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.dedup != nil {
		if saveErr := s.dedup.Save(); saveErr != nil {
			slog.Error("Failed to persist dedup keys", "error", saveErr)
			err = saveErr
		}
	}
	s.releaseLocked()
	s.started = false
	slog.Info("Store stopped", "component", s.Name())
	return err
}

func (s *StoreComponent) releaseLocked() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
		s.store = nil
	}
	if s.lock != nil {
		s.lock.Unlock()
		s.lock = nil
	}
}

func (s *StoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := &daemon.ComponentHealth{Name: s.Name()}
	switch {
	case s.store == nil:
		h.Error = fmt.Errorf("not initialized")
	case !s.started:
		h.Error = fmt.Errorf("not started")
	case s.lock != nil && !s.lock.IsLocked():
		h.Error = fmt.Errorf("lock not held")
	default:
		if err := s.store.Ping(ctx); err != nil {
			h.Error = err
		} else {
			h.Healthy = true
		}
	}
	return h, nil
}

func (s *StoreComponent) Store() *store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

func (s *StoreComponent) Dedup() *idempotency.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dedup
}
