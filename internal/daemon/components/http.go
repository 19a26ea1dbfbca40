package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/daemon"
	"github.com/harunnryd/karakuri/internal/ingress"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthReporter is the part of the daemon the /health endpoint reads.
type HealthReporter interface {
	Health() daemon.HealthStatus
	Uptime() time.Duration
	ComponentHealth() map[string]*daemon.ComponentHealth
}

type HTTPServerComponent struct {
	reporter     HealthReporter
	cfg          *config.Config
	engineComp   *EngineComponent
	adaptersComp *AdaptersComponent

	mu          sync.RWMutex
	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
}

func NewHTTPServerComponent(reporter HealthReporter, cfg *config.Config, engineComp *EngineComponent, adaptersComp *AdaptersComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		reporter:     reporter,
		cfg:          cfg,
		engineComp:   engineComp,
		adaptersComp: adaptersComp,
	}
}

func (h *HTTPServerComponent) Name() string { return daemon.HTTPComponent }

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{daemon.EngineComponent, daemon.AdaptersComponent}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engineComp == nil || h.engineComp.Engine() == nil {
		return fmt.Errorf("engine not initialized")
	}

	handler, err := h.routes()
	if err != nil {
		return err
	}

	srv := h.cfg.Server
	readTimeout, err := config.DurationOrDefault(srv.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(srv.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(srv.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(srv.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout
	h.initialized = true

	slog.Info("HTTPServer initialized", "component", h.Name(), "port", srv.Port)
	return nil
}

func (h *HTTPServerComponent) routes() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)

	eng := h.engineComp.Engine()
	ingress.NewHandler(eng.Ingress(), h.cfg.Events.MaxBodyBytes).Register(mux)

	if h.cfg.Metrics.Enabled {
		gatherer := h.engineComp.Gatherer()
		if gatherer == nil {
			return nil, fmt.Errorf("metrics enabled but no registry")
		}
		path := h.cfg.Metrics.Path
		if path == "" {
			path = config.DefaultMetricsPath
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if h.adaptersComp != nil {
		if slackHandler, ok := h.adaptersComp.SlackHandler(); ok {
			mux.Handle("POST "+config.DefaultSlackEventsPath, slackHandler)
		}
	}
	return mux, nil
}

// Start binds the port synchronously so a port conflict fails startup.
func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}
	if h.started {
		return nil
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	server := h.server
	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case !h.initialized:
		return &daemon.ComponentHealth{Name: h.Name(), Error: fmt.Errorf("not initialized")}, nil
	case !h.started:
		return &daemon.ComponentHealth{Name: h.Name(), Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: h.Name(), Healthy: true}, nil
}

// Addr is the bound address once started, useful when the port is 0.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

type componentStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Uptime     string                     `json:"uptime"`
	Components map[string]componentStatus `json:"components"`
	Unhealthy  []string                   `json:"unhealthy,omitempty"`
}

func (h *HTTPServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Components: map[string]componentStatus{}}
	code := http.StatusOK

	if h.reporter != nil {
		resp.Status = string(h.reporter.Health())
		resp.Uptime = h.reporter.Uptime().Round(time.Second).String()
		for name, ch := range h.reporter.ComponentHealth() {
			st := componentStatus{Healthy: ch.Healthy}
			if ch.Error != nil {
				st.Error = ch.Error.Error()
			}
			if !ch.Healthy {
				resp.Unhealthy = append(resp.Unhealthy, name)
			}
			resp.Components[name] = st
		}
	}
	sort.Strings(resp.Unhealthy)
	if len(resp.Unhealthy) > 0 {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("Failed to write health response", "error", err)
	}
}
