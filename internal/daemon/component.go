package daemon

import (
	"context"
)

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   error  `json:"-"`
}

// Component is one long-lived part of the daemon. Init wires it against the
// components named by Dependencies, Start launches its loops and Stop must
// return once they have drained or ctx expires.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

// Component names, used for dependency declarations.
const (
	StoreComponent     = "Store"
	EngineComponent    = "Engine"
	AdaptersComponent  = "Adapters"
	SchedulerComponent = "Scheduler"
	ExecutorComponent  = "Executor"
	JanitorComponent   = "Janitor"
	HTTPComponent      = "HTTPServer"
)
