package daemon_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
	"github.com/harunnryd/karakuri/internal/daemon/components"
	"github.com/harunnryd/karakuri/internal/domain"
	"github.com/harunnryd/karakuri/internal/engine"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return &config.Config{
		Server:  config.ServerConfig{Port: freePort(t)},
		Store:   config.StoreConfig{Driver: "sqlite"},
		Matcher: config.MatcherConfig{DailyLimit: 5},
		Queue:   config.QueueConfig{Workers: 2, PollInterval: "20ms", MaxRetries: 1},
		Sandbox: config.SandboxConfig{ActionTimeout: "5s"},
		Metrics: config.MetricsConfig{Enabled: true},
		Daemon: config.DaemonConfig{
			WorkspacePath:       t.TempDir(),
			HealthCheckInterval: "50ms",
			ShutdownTimeout:     "5s",
		},
	}
}

type assembled struct {
	daemon *daemon.Daemon
	engine *components.EngineComponent
}

func assemble(t *testing.T, workspaceID string, cfg *config.Config) assembled {
	t.Helper()
	d, err := daemon.NewDaemon(workspaceID, cfg)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	storeComp := components.NewStoreComponent(workspaceID, cfg.Daemon.WorkspacePath, cfg.Store)
	engineComp := components.NewEngineComponent(cfg, storeComp)
	adaptersComp := components.NewAdaptersComponent(cfg.Adapters, engineComp)

	d.AddComponent(components.NewHTTPServerComponent(d, cfg, engineComp, adaptersComp))
	d.AddComponent(components.NewExecutorComponent(cfg, engineComp, adaptersComp))
	d.AddComponent(components.NewSchedulerComponent(cfg.Scheduler, engineComp))
	d.AddComponent(components.NewJanitorComponent(cfg.Events, engineComp))
	d.AddComponent(adaptersComp)
	d.AddComponent(engineComp)
	d.AddComponent(storeComp)
	return assembled{daemon: d, engine: engineComp}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestDaemonFullLifecycle(t *testing.T) {
	cfg := testConfig(t)
	workspaceID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	a := assemble(t, workspaceID, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.daemon.Start(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthy := waitFor(t, 5*time.Second, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	if !healthy {
		cancel()
		<-done
		t.Fatal("daemon never reported healthy")
	}
	if a.daemon.Health() != daemon.StatusRunning {
		t.Errorf("daemon health = %s, want running", a.daemon.Health())
	}

	eng := a.engine.Engine()
	_, err := eng.CreateListener(ctx, &domain.EventListener{
		Name:            "door",
		SourceID:        "home_assistant",
		MatchConditions: domain.Conditions{}.Set("state", "open"),
		ActionType:      domain.ActionScript,
		ActionConfig:    domain.ActionConfig{domain.ConfigScriptCode: "result = event['state']"},
		Enabled:         true,
		ConversationID:  "C1",
	})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	resp, err := http.Post(base+"/api/v1/events", "application/json",
		strings.NewReader(`{"source_id":"home_assistant","external_id":"evt-1","event_data":{"state":"open"}}`))
	if err != nil {
		t.Fatalf("POST event failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST event status = %d, body %s", resp.StatusCode, body)
	}

	ran := waitFor(t, 5*time.Second, func() bool {
		tasks, err := eng.ListTasks(context.Background(), engine.TaskQuery{Statuses: []domain.TaskStatus{domain.TaskDone}})
		return err == nil && len(tasks) == 1
	})
	if !ran {
		t.Error("listener task never completed")
	}

	resp, err = http.Get(base + config.DefaultMetricsPath)
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(metrics), "go_goroutines") {
		t.Error("metrics endpoint missing runtime collectors")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("daemon returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	if a.daemon.Health() != daemon.StatusStopped {
		t.Errorf("daemon health after shutdown = %s, want stopped", a.daemon.Health())
	}
}

func TestDaemonSecondInstanceFailsOnLockedWorkspace(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.LockTimeout = "200ms"
	workspaceID := "locked"
	first := assemble(t, workspaceID, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.daemon.Start(ctx) }()

	if !waitFor(t, 5*time.Second, func() bool { return first.daemon.Health() == daemon.StatusRunning }) {
		t.Fatal("first daemon never started")
	}

	secondCfg := *cfg
	secondCfg.Server.Port = freePort(t)
	second := assemble(t, workspaceID, &secondCfg)
	err := second.daemon.Start(context.Background())
	if err == nil {
		t.Fatal("expected second daemon to fail on the held workspace lock")
	}
	if !strings.Contains(err.Error(), "component initialization failed") {
		t.Errorf("unexpected error: %v", err)
	}

	cancel()
	<-done
}
