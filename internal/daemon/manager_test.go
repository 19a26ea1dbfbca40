package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harunnryd/karakuri/internal/config"
)

// callLog records lifecycle calls across components in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type mockComponent struct {
	name         string
	dependencies []string
	log          *callLog
	initError    error
	startError   error
	stopError    error
	healthError  error
	healthResult *ComponentHealth
}

func newMockComponent(name string, log *callLog, dependencies ...string) *mockComponent {
	return &mockComponent{
		name:         name,
		dependencies: dependencies,
		log:          log,
		healthResult: &ComponentHealth{Name: name, Healthy: true},
	}
}

func (m *mockComponent) Name() string           { return m.name }
func (m *mockComponent) Dependencies() []string { return m.dependencies }

func (m *mockComponent) Init(ctx context.Context) error {
	m.log.add("init:" + m.name)
	return m.initError
}

func (m *mockComponent) Start(ctx context.Context) error {
	m.log.add("start:" + m.name)
	return m.startError
}

func (m *mockComponent) Stop(ctx context.Context) error {
	m.log.add("stop:" + m.name)
	return m.stopError
}

func (m *mockComponent) Health(ctx context.Context) (*ComponentHealth, error) {
	return m.healthResult, m.healthError
}

func equalCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestNewDaemon(t *testing.T) {
	tests := []struct {
		name        string
		workspaceID string
		cfg         *config.Config
		wantErr     bool
	}{
		{name: "valid daemon", workspaceID: "ws", cfg: &config.Config{}},
		{name: "empty workspace ID", workspaceID: "", cfg: &config.Config{}, wantErr: true},
		{name: "nil config", workspaceID: "ws", cfg: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDaemon(tt.workspaceID, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDaemon() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d.Health() != StatusStarting {
				t.Errorf("Health = %v, want %v", d.Health(), StatusStarting)
			}
		})
	}
}

func TestValidateConfig_ResolvesDefaultWorkspaceRoot(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	d, err := NewDaemon("ws-1", &config.Config{Server: config.ServerConfig{Port: 8080}})
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}
	if err := d.validateConfig(); err != nil {
		t.Fatalf("validateConfig() failed: %v", err)
	}

	expected := filepath.Join(tmpHome, ".karakuri", "workspaces", "ws-1")
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected workspace path to exist at %s: %v", expected, err)
	}
}

func TestValidateConfig_RejectsBadPort(t *testing.T) {
	d, _ := NewDaemon("ws", &config.Config{Server: config.ServerConfig{Port: 70000}})
	if err := d.validateConfig(); err == nil {
		t.Fatal("expected invalid port error")
	}
}

func TestInitAndStartFollowDependencies(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})

	d.AddComponent(newMockComponent("HTTP", log, "Engine", "Store"))
	d.AddComponent(newMockComponent("Engine", log, "Store"))
	d.AddComponent(newMockComponent("Store", log))

	ctx := context.Background()
	if err := d.initializeComponents(ctx); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}
	if err := d.startComponents(ctx); err != nil {
		t.Fatalf("startComponents() error = %v", err)
	}
	if err := d.shutdownComponents(ctx); err != nil {
		t.Fatalf("shutdownComponents() error = %v", err)
	}

	equalCalls(t, log.snapshot(), []string{
		"init:Store", "init:Engine", "init:HTTP",
		"start:Store", "start:Engine", "start:HTTP",
		"stop:HTTP", "stop:Engine", "stop:Store",
	})
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want %v", d.Health(), StatusStopped)
	}
}

func TestInitializeComponentsRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name  string
		comps func(log *callLog) []Component
	}{
		{
			name: "circular dependency",
			comps: func(log *callLog) []Component {
				return []Component{newMockComponent("A", log, "B"), newMockComponent("B", log, "A")}
			},
		},
		{
			name: "missing dependency",
			comps: func(log *callLog) []Component {
				return []Component{newMockComponent("A", log, "NonExistent")}
			},
		},
		{
			name: "duplicate name",
			comps: func(log *callLog) []Component {
				return []Component{newMockComponent("A", log), newMockComponent("A", log)}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			d, _ := NewDaemon("test", &config.Config{})
			for _, c := range tt.comps(log) {
				d.AddComponent(c)
			}
			if err := d.initializeComponents(context.Background()); err == nil {
				t.Fatal("expected error, got nil")
			}
			if calls := log.snapshot(); len(calls) != 0 {
				t.Fatalf("no component should be initialized, got %v", calls)
			}
		})
	}
}

func TestRollbackStopsOnlyInitialized(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})

	store := newMockComponent("Store", log)
	engine := newMockComponent("Engine", log, "Store")
	engine.initError = fmt.Errorf("boom")
	d.AddComponent(store)
	d.AddComponent(engine)
	d.AddComponent(newMockComponent("HTTP", log, "Engine"))

	ctx := context.Background()
	if err := d.initializeComponents(ctx); err == nil {
		t.Fatal("expected init error")
	}
	d.rollback(ctx)

	equalCalls(t, log.snapshot(), []string{"init:Store", "init:Engine", "stop:Store"})
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want StatusStopped", d.Health())
	}
}

func TestShutdownJoinsStopErrors(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})

	a := newMockComponent("A", log)
	a.stopError = fmt.Errorf("a failed")
	b := newMockComponent("B", log, "A")
	d.AddComponent(a)
	d.AddComponent(b)

	ctx := context.Background()
	if err := d.initializeComponents(ctx); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}
	err := d.shutdownComponents(ctx)
	if err == nil {
		t.Fatal("expected stop error")
	}
	equalCalls(t, log.snapshot(), []string{"init:A", "init:B", "stop:B", "stop:A"})
}

func TestComponentHealth(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})

	comp1 := newMockComponent("Comp1", log)
	comp2 := newMockComponent("Comp2", log)
	comp2.healthResult.Healthy = false
	comp2.healthResult.Error = fmt.Errorf("mock error")
	comp3 := newMockComponent("Comp3", log)
	comp3.healthResult = nil
	comp3.healthError = fmt.Errorf("probe failed")

	d.AddComponent(comp1)
	d.AddComponent(comp2)
	d.AddComponent(comp3)

	healths := d.ComponentHealth()
	if len(healths) != 3 {
		t.Fatalf("ComponentHealth() returned %v healths, want 3", len(healths))
	}
	if !healths["Comp1"].Healthy {
		t.Error("Comp1 should be healthy")
	}
	if healths["Comp2"].Healthy || healths["Comp2"].Error == nil {
		t.Error("Comp2 should be unhealthy with an error")
	}
	if healths["Comp3"].Healthy || healths["Comp3"].Error == nil {
		t.Error("Comp3 should be unhealthy with an error")
	}
}

func TestComponentLookup(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})
	d.AddComponent(newMockComponent("Comp1", log))

	if d.Component("Comp1") == nil {
		t.Error("Comp1 should be found")
	}
	if d.Component("NonExistent") != nil {
		t.Error("NonExistent should not be found")
	}
}
