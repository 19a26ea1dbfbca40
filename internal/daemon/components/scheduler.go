package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
	"github.com/harunnryd/karakuri/internal/scheduler"
)

type SchedulerComponent struct {
	cfg        config.SchedulerConfig
	engineComp *EngineComponent

	mu    sync.RWMutex
	sched *scheduler.Scheduler
}

func NewSchedulerComponent(cfg config.SchedulerConfig, engineComp *EngineComponent) *SchedulerComponent {
	return &SchedulerComponent{cfg: cfg, engineComp: engineComp}
}

func (s *SchedulerComponent) Name() string { return daemon.SchedulerComponent }

func (s *SchedulerComponent) Dependencies() []string {
	return []string{daemon.EngineComponent}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engineComp == nil || s.engineComp.Engine() == nil {
		return fmt.Errorf("engine not initialized")
	}
	eng := s.engineComp.Engine()

	opts, err := scheduler.OptionsFrom(s.cfg)
	if err != nil {
		return err
	}
	s.sched = scheduler.New(eng.Store(), eng.Queue(), eng.Clock(), eng.Metrics(), eng.Analytics(), opts)
	if err := s.sched.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	slog.Info("Scheduler initialized", "component", s.Name(), "tick", opts.TickInterval, "max_catchup_runs", opts.MaxCatchupRuns)
	return nil
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	sched := s.Scheduler()
	if sched == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (s *SchedulerComponent) Stop(ctx context.Context) error {
	sched := s.Scheduler()
	if sched == nil {
		return nil
	}
	if err := sched.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	sched := s.Scheduler()
	if sched == nil {
		return &daemon.ComponentHealth{Name: s.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if err := sched.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: s.Name(), Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *SchedulerComponent) Scheduler() *scheduler.Scheduler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sched
}
