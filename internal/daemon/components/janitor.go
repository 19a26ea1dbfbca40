package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
)

// JanitorComponent prunes events, expired dedup keys and finished tasks
// past the retention window on a fixed interval.
type JanitorComponent struct {
	cfg        config.EventsConfig
	engineComp *EngineComponent

	mu        sync.Mutex
	interval  time.Duration
	retention time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error
}

func NewJanitorComponent(cfg config.EventsConfig, engineComp *EngineComponent) *JanitorComponent {
	return &JanitorComponent{cfg: cfg, engineComp: engineComp}
}

func (j *JanitorComponent) Name() string { return daemon.JanitorComponent }

func (j *JanitorComponent) Dependencies() []string {
	return []string{daemon.EngineComponent}
}

func (j *JanitorComponent) Init(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.engineComp == nil || j.engineComp.Engine() == nil {
		return fmt.Errorf("engine not initialized")
	}
	interval, err := config.DurationOrDefault(j.cfg.PruneInterval, config.DefaultEventsPruneInterval)
	if err != nil {
		return fmt.Errorf("events.prune_interval: %w", err)
	}
	retention, err := config.DurationOrDefault(j.cfg.Retention, config.DefaultEventsRetention)
	if err != nil {
		return fmt.Errorf("events.retention: %w", err)
	}
	j.interval = interval
	j.retention = retention
	return nil
}

func (j *JanitorComponent) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.interval <= 0 {
		return fmt.Errorf("janitor not initialized")
	}
	if j.done != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.run(loopCtx, j.done)

	slog.Info("Janitor started", "interval", j.interval, "retention", j.retention)
	return nil
}

func (j *JanitorComponent) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pruning pass.
func (j *JanitorComponent) Sweep(ctx context.Context) {
	eng := j.engineComp.Engine()
	if eng == nil {
		return
	}

	var errs []error
	if _, err := eng.Ingress().Prune(ctx); err != nil {
		slog.Error("Event prune failed", "error", err)
		errs = append(errs, err)
	}
	cutoff := eng.Clock().Now().Add(-j.retention)
	n, err := eng.Store().PruneTasks(ctx, cutoff)
	if err != nil {
		slog.Error("Task prune failed", "error", err)
		errs = append(errs, err)
	} else if n > 0 {
		slog.Info("Pruned finished tasks", "tasks", n, "cutoff", cutoff)
	}

	j.mu.Lock()
	if len(errs) > 0 {
		j.lastErr = errs[0]
	} else {
		j.lastErr = nil
	}
	j.mu.Unlock()
}

func (j *JanitorComponent) Stop(ctx context.Context) error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		slog.Info("Janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *JanitorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	h := &daemon.ComponentHealth{Name: j.Name()}
	switch {
	case j.done == nil:
		h.Error = fmt.Errorf("not running")
	case j.lastErr != nil:
		h.Error = fmt.Errorf("last sweep: %w", j.lastErr)
	default:
		h.Healthy = true
	}
	return h, nil
}
