package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/analytics"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
	"github.com/harunnryd/karakuri/internal/engine"
	"github.com/harunnryd/karakuri/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const analyticsConnectTimeout = 5 * time.Second

// EngineComponent builds the automation core on top of the store: registries,
// matcher, queue and ingress, plus the metrics and analytics sinks they
// report to.
type EngineComponent struct {
	cfg       *config.Config
	storeComp *StoreComponent

	mu        sync.RWMutex
	engine    *engine.Engine
	registry  *prometheus.Registry
	analytics *analytics.RedisSink
}

func NewEngineComponent(cfg *config.Config, storeComp *StoreComponent) *EngineComponent {
	return &EngineComponent{cfg: cfg, storeComp: storeComp}
}

func (e *EngineComponent) Name() string { return daemon.EngineComponent }

func (e *EngineComponent) Dependencies() []string {
	return []string{daemon.StoreComponent}
}

func (e *EngineComponent) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.storeComp == nil || e.storeComp.Store() == nil {
		return fmt.Errorf("store not initialized")
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	if e.cfg.Metrics.Enabled {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		sink = metrics.NewPrometheusSink(e.registry)
	}

	var an analytics.Sink = analytics.NoopSink{}
	if e.cfg.Analytics.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, analyticsConnectTimeout)
		redisSink, err := analytics.NewRedisSinkFromConfig(connectCtx, e.cfg.Analytics)
		cancel()
		if err != nil {
			slog.Warn("Analytics disabled, Redis unavailable", "error", err)
		} else {
			e.analytics = redisSink
			an = redisSink
		}
	}

	eng, err := engine.New(e.cfg, e.storeComp.Store(), engine.Options{
		Metrics:   sink,
		Analytics: an,
		Dedup:     e.storeComp.Dedup(),
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	e.engine = eng

	slog.Info("Engine initialized", "component", e.Name(), "metrics", e.cfg.Metrics.Enabled, "analytics", e.analytics != nil)
	return nil
}

func (e *EngineComponent) Start(ctx context.Context) error {
	if e.Engine() == nil {
		return fmt.Errorf("engine not initialized")
	}
	return nil
}

func (e *EngineComponent) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engine != nil {
		if err := e.engine.Ingress().Flush(); err != nil {
			slog.Warn("Failed to flush dedup keys", "error", err)
		}
	}
	if e.analytics != nil {
		if err := e.analytics.Close(); err != nil {
			slog.Warn("Failed to close analytics client", "error", err)
		}
		e.analytics = nil
	}
	return nil
}

func (e *EngineComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	eng := e.Engine()
	if eng == nil {
		return &daemon.ComponentHealth{Name: e.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if err := eng.Ping(ctx); err != nil {
		return &daemon.ComponentHealth{Name: e.Name(), Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: e.Name(), Healthy: true}, nil
}

func (e *EngineComponent) Engine() *engine.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engine
}

// Gatherer is nil when metrics are disabled.
func (e *EngineComponent) Gatherer() prometheus.Gatherer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.registry == nil {
		return nil
	}
	return e.registry
}
