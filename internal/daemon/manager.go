package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/store"
)

// Daemon runs the components of one workspace. Components are initialized
// and started in dependency order and stopped in the reverse of that order.
type Daemon struct {
	cfg          *config.Config
	workspaceID  string
	components   []Component
	order        []string
	initialized  []string
	health       HealthStatus
	startedAt    time.Time
	mu           sync.RWMutex
	monitorDone  chan struct{}
	panicChan    chan interface{}
	forceCleanup bool
}

func NewDaemon(workspaceID string, cfg *config.Config) (*Daemon, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace ID cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	return &Daemon{
		workspaceID: workspaceID,
		cfg:         cfg,
		components:  make([]Component, 0),
		health:      StatusStarting,
		monitorDone: make(chan struct{}),
		panicChan:   make(chan interface{}),
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Debug("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Start runs the daemon until ctx is cancelled or the process receives
// SIGINT/SIGTERM, then shuts the components down.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("Karakuri daemon starting", "workspace", d.workspaceID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go d.monitorPanic()
	defer close(d.panicChan)

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := d.preInitChecks(ctx, d.forceCleanup); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(context.Background())
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		timeout, timeoutErr := config.DurationOrDefault(d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout)
		if timeoutErr != nil {
			return fmt.Errorf("parse daemon startup shutdown timeout: %w", timeoutErr)
		}
		d.gracefulShutdown(context.Background(), timeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.mu.Lock()
	d.health = StatusRunning
	d.startedAt = time.Now()
	d.mu.Unlock()
	slog.Info("Karakuri daemon is running", "workspace", d.workspaceID, "components", len(d.components))

	go d.startHealthMonitor(ctx)

	<-ctx.Done()

	slog.Info("Context cancelled, initiating graceful shutdown", "workspace", d.workspaceID, "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.monitorDone)
	shutdownTimeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}
	if err := d.gracefulShutdown(context.Background(), shutdownTimeout); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

// Uptime is zero until every component has started.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.startedAt.IsZero() || d.health != StatusRunning {
		return 0
	}
	return time.Since(d.startedAt)
}

func (d *Daemon) WorkspaceID() string {
	return d.workspaceID
}

func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) validateConfig() error {
	slog.Debug("Validating configuration")

	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}

	workspacePath, err := store.WorkspacePath(d.workspaceID, d.cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}

	if err := os.MkdirAll(workspacePath, 0700); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	slog.Info("Configuration validated", "workspace", d.workspaceID, "path", workspacePath, "port", d.cfg.Server.Port)
	return nil
}

func (d *Daemon) preInitChecks(ctx context.Context, forceCleanup bool) error {
	preflightTimeout, err := config.DurationOrDefault(d.cfg.Daemon.PreflightTimeout, config.DefaultDaemonPreflightTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon preflight timeout: %w", err)
	}
	checkCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	workspacePath, err := store.WorkspacePath(d.workspaceID, d.cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	staleLockTTL, err := config.DurationOrDefault(d.cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL)
	if err != nil {
		return fmt.Errorf("parse daemon stale lock ttl: %w", err)
	}

	if err := store.CleanupStaleLock(workspacePath, staleLockTTL, forceCleanup); err != nil {
		slog.Warn("Failed to cleanup stale lock", "workspace", d.workspaceID, "error", err)
	}

	select {
	case <-checkCtx.Done():
		return fmt.Errorf("pre-init checks cancelled: %w", checkCtx.Err())
	default:
		slog.Debug("Pre-init checks completed", "workspace", d.workspaceID)
		return nil
	}
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	if err := d.validateDependencies(); err != nil {
		return fmt.Errorf("dependency validation failed: %w", err)
	}

	order, err := d.resolveInitOrder()
	if err != nil {
		return fmt.Errorf("failed to resolve init order: %w", err)
	}
	d.mu.Lock()
	d.order = order
	d.initialized = d.initialized[:0]
	d.mu.Unlock()

	for _, name := range order {
		comp := d.getComponentByName(name)
		if comp == nil {
			continue
		}
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", name, "error", err)
			return fmt.Errorf("component %s init failed: %w", name, err)
		}
		d.mu.Lock()
		d.initialized = append(d.initialized, name)
		d.mu.Unlock()
		slog.Debug("Component initialized", "component", name)
	}

	slog.Info("All components initialized", "order", order)
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, name := range d.order {
		comp := d.getComponentByName(name)
		if comp == nil {
			continue
		}
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", name, "error", err)
			return fmt.Errorf("component %s startup failed: %w", name, err)
		}
		slog.Debug("Component started", "component", name)
	}

	slog.Info("All components started", "count", len(d.order))
	return nil
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "workspace", d.workspaceID, "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.shutdownComponents(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with error", "workspace", d.workspaceID, "error", err)
		} else {
			slog.Info("Graceful shutdown completed", "workspace", d.workspaceID)
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "workspace", d.workspaceID, "timeout", timeout)
		d.setHealth(StatusStopped)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// shutdownComponents stops every initialized component, last initialized
// first. Stop errors are logged and joined; they do not abort the sequence.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	d.mu.RLock()
	names := make([]string, len(d.initialized))
	copy(names, d.initialized)
	d.mu.RUnlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		comp := d.getComponentByName(names[i])
		if comp == nil {
			continue
		}
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", names[i], "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
		} else {
			slog.Debug("Component stopped", "component", names[i])
		}
	}

	d.setHealth(StatusStopped)
	return errors.Join(errs...)
}

func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components", "workspace", d.workspaceID)
	if err := d.shutdownComponents(ctx); err != nil {
		slog.Error("Rollback failed", "error", err)
	}
}

func (d *Daemon) getComponentByName(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) Component(name string) Component {
	return d.getComponentByName(name)
}

func (d *Daemon) monitorPanic() {
	for panicValue := range d.panicChan {
		slog.Error("Panic detected in daemon", "panic", panicValue)
		d.setHealth(StatusStopped)
	}
}

func (d *Daemon) startHealthMonitor(ctx context.Context) {
	interval, err := config.DurationOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval)
	if err != nil {
		slog.Error("Failed to parse daemon health check interval", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.monitorDone:
			return
		case <-ticker.C:
			d.checkComponentHealth(ctx)
		}
	}
}

func (d *Daemon) checkComponentHealth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	unhealthy := 0
	healths := d.ComponentHealth()
	for name, health := range healths {
		if !health.Healthy {
			unhealthy++
			slog.Warn("Component unhealthy", "component", name, "error", health.Error)
		}
	}

	if unhealthy > 0 {
		slog.Warn("Daemon has unhealthy components", "count", unhealthy, "total", len(healths))
	} else {
		slog.Debug("All components healthy", "count", len(healths))
	}
}

func (d *Daemon) validateDependencies() error {
	registered := make(map[string]bool, len(d.components))
	for _, comp := range d.components {
		if registered[comp.Name()] {
			return fmt.Errorf("component %s registered twice", comp.Name())
		}
		registered[comp.Name()] = true
	}

	for _, comp := range d.components {
		for _, dep := range comp.Dependencies() {
			if !registered[dep] {
				return fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}
	return nil
}

// resolveInitOrder is a depth-first topological sort that keeps
// registration order among independent components.
func (d *Daemon) resolveInitOrder() ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	order := []string{}

	var visit func(name string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}

		comp := d.getComponentByName(name)
		if comp == nil {
			return fmt.Errorf("component %s not found", name)
		}

		visiting[name] = true
		for _, dep := range comp.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}
	return order, nil
}
