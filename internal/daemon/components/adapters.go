package components

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/harunnryd/karakuri/internal/adapter"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
)

// AdaptersComponent owns the chat platform senders used by wake_llm actions
// and the inbound sources that turn chat messages into events.
type AdaptersComponent struct {
	cfg        config.AdaptersConfig
	engineComp *EngineComponent

	mu       sync.RWMutex
	registry *adapter.Registry
	started  bool
}

func NewAdaptersComponent(cfg config.AdaptersConfig, engineComp *EngineComponent) *AdaptersComponent {
	return &AdaptersComponent{cfg: cfg, engineComp: engineComp}
}

func (a *AdaptersComponent) Name() string { return daemon.AdaptersComponent }

func (a *AdaptersComponent) Dependencies() []string {
	return []string{daemon.EngineComponent}
}

func (a *AdaptersComponent) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.engineComp == nil || a.engineComp.Engine() == nil {
		return fmt.Errorf("engine not initialized")
	}
	ing := a.engineComp.Engine().Ingress()

	registry, err := adapter.NewRegistryFromConfig(a.cfg, ing.HandleInbound)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	a.registry = registry
	slog.Info("Adapters initialized", "component", a.Name(), "interfaces", registry.Interfaces())
	return nil
}

func (a *AdaptersComponent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registry == nil {
		return fmt.Errorf("adapters component not initialized")
	}
	a.registry.Start(ctx)
	a.started = true
	return nil
}

func (a *AdaptersComponent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	return a.registry.Stop(ctx)
}

func (a *AdaptersComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.registry == nil {
		return &daemon.ComponentHealth{Name: a.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if !a.started {
		return &daemon.ComponentHealth{Name: a.Name(), Error: fmt.Errorf("not started")}, nil
	}
	if err := a.registry.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: a.Name(), Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: a.Name(), Healthy: true}, nil
}

func (a *AdaptersComponent) Registry() *adapter.Registry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registry
}

// SlackHandler is the Events API endpoint when inbound Slack is enabled.
func (a *AdaptersComponent) SlackHandler() (http.Handler, bool) {
	r := a.Registry()
	if r == nil {
		return nil, false
	}
	return r.SlackHandler()
}
