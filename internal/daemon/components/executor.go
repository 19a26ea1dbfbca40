package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/karakuri/internal/action"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
	"github.com/harunnryd/karakuri/internal/llm"
	"github.com/harunnryd/karakuri/internal/queue"
)

// ExecutorComponent runs the worker pool that claims tasks and dispatches
// them to the script or wake_llm action.
type ExecutorComponent struct {
	cfg          *config.Config
	engineComp   *EngineComponent
	adaptersComp *AdaptersComponent
	invoker      llm.Invoker

	mu       sync.RWMutex
	executor *queue.Executor
}

func NewExecutorComponent(cfg *config.Config, engineComp *EngineComponent, adaptersComp *AdaptersComponent) *ExecutorComponent {
	return &ExecutorComponent{cfg: cfg, engineComp: engineComp, adaptersComp: adaptersComp}
}

// WithInvoker replaces the model router built from config.
func (x *ExecutorComponent) WithInvoker(inv llm.Invoker) *ExecutorComponent {
	x.invoker = inv
	return x
}

func (x *ExecutorComponent) Name() string { return daemon.ExecutorComponent }

func (x *ExecutorComponent) Dependencies() []string {
	return []string{daemon.EngineComponent, daemon.AdaptersComponent}
}

func (x *ExecutorComponent) Init(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.engineComp == nil || x.engineComp.Engine() == nil {
		return fmt.Errorf("engine not initialized")
	}
	if x.adaptersComp == nil || x.adaptersComp.Registry() == nil {
		return fmt.Errorf("adapters not initialized")
	}
	eng := x.engineComp.Engine()

	invoker := x.invoker
	if invoker == nil {
		invoker = llm.NewRouter(ctx, x.cfg.Models)
	}

	dispatcher := action.NewDispatcher(
		action.NewScript(eng.Runner(), eng.ActionTimeout(), x.cfg.Sandbox.MaxSteps),
		action.NewWakeLLM(invoker, x.adaptersComp.Registry()),
	)
	backoff, err := queue.NewBackoff(x.cfg.Queue)
	if err != nil {
		return err
	}
	opts, err := queue.ExecutorOptionsFrom(x.cfg.Queue)
	if err != nil {
		return err
	}

	x.executor = queue.NewExecutor(eng.Queue(), dispatcher, backoff, opts)
	if err := x.executor.Init(ctx); err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	slog.Info("Executor initialized", "component", x.Name(), "workers", opts.Workers)
	return nil
}

func (x *ExecutorComponent) Start(ctx context.Context) error {
	exec := x.Executor()
	if exec == nil {
		return fmt.Errorf("executor not initialized")
	}
	return exec.Start(ctx)
}

func (x *ExecutorComponent) Stop(ctx context.Context) error {
	exec := x.Executor()
	if exec == nil || !exec.IsRunning() {
		return nil
	}
	return exec.Stop(ctx)
}

func (x *ExecutorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	exec := x.Executor()
	if exec == nil {
		return &daemon.ComponentHealth{Name: x.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if err := exec.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: x.Name(), Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: x.Name(), Healthy: true}, nil
}

func (x *ExecutorComponent) Executor() *queue.Executor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.executor
}
