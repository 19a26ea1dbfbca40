// Package llm routes wake_llm prompts to a configured model, falling back to
// a second model when the first one fails.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/llm/contract"
	anthropicProvider "github.com/harunnryd/karakuri/internal/llm/providers/anthropic"
	geminiProvider "github.com/harunnryd/karakuri/internal/llm/providers/gemini"
	openaiProvider "github.com/harunnryd/karakuri/internal/llm/providers/openai"
	"github.com/harunnryd/karakuri/internal/logger"
)

type entry struct {
	provider  Provider
	timeout   time.Duration
	maxTokens int
}

// Router implements Invoker over the models registry.
type Router struct {
	cfg    config.ModelsConfig
	mu     sync.RWMutex
	models map[string]entry
}

// NewRouter builds providers for every registry entry. Entries that cannot be
// built (usually a missing API key) are skipped with a warning so the daemon
// still starts; prompts routed to them fail at execution time.
func NewRouter(ctx context.Context, cfg config.ModelsConfig) *Router {
	r := &Router{cfg: cfg, models: make(map[string]entry)}

	for _, reg := range cfg.Registry {
		p, err := createProvider(ctx, reg)
		if err != nil {
			slog.Warn("Model unavailable", "model", reg.Name, "provider", reg.Provider, "error", err)
			continue
		}

		timeout, err := config.DurationOrDefault(reg.RequestTimeout, config.DefaultModelRequestTimeout)
		if err != nil {
			slog.Warn("Invalid model request_timeout, using default", "model", reg.Name, "error", err)
			timeout, _ = config.DurationOrDefault("", config.DefaultModelRequestTimeout)
		}
		r.Register(reg.Name, p, timeout, reg.MaxTokens)
		slog.Debug("Model registered", "model", reg.Name, "provider", reg.Provider)
	}

	if len(r.models) == 0 {
		slog.Warn("No LLM providers initialized; wake_llm actions will fail until one is configured")
	}
	return r
}

// Register adds or replaces a model.
func (r *Router) Register(name string, p Provider, timeout time.Duration, maxTokens int) {
	if maxTokens <= 0 {
		maxTokens = config.DefaultModelMaxTokens
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = entry{provider: p, timeout: timeout, maxTokens: maxTokens}
}

func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke sends the prompt to the requested model, or the default, trying the
// fallback model when the first attempt fails.
func (r *Router) Invoke(ctx context.Context, p contract.Prompt) (*contract.Response, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, kerrors.InvalidInput("prompt is empty")
	}

	model := p.Model
	if model == "" {
		model = r.cfg.Default
	}

	body, err := renderPrompt(p)
	if err != nil {
		return nil, err
	}

	system := r.cfg.SystemPrompt
	if system == "" {
		system = config.DefaultModelSystemPrompt
	}
	req := contract.Request{
		System:   system,
		Messages: []contract.Message{{Role: "user", Content: body}},
	}

	return r.executeWithFallback(ctx, model, req)
}

func (r *Router) executeWithFallback(ctx context.Context, model string, req contract.Request) (*contract.Response, error) {
	traceID := logger.GetTraceID(ctx)

	maxAttempts := r.cfg.MaxFallbackAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultModelMaxFallbackAttempts
	}

	var lastErr error
	for attempt, name := range r.tryOrder(model, maxAttempts) {
		if err := ctx.Err(); err != nil {
			return nil, kerrors.Wrap(err, "llm request cancelled")
		}

		r.mu.RLock()
		e, ok := r.models[name]
		r.mu.RUnlock()
		if !ok {
			lastErr = kerrors.NotFound(fmt.Sprintf("model %s is not configured", name))
			slog.Warn("Model not configured", "model", name, "trace_id", traceID)
			continue
		}

		resp, err := r.generate(ctx, name, e, req)
		if err == nil {
			slog.Info("LLM request completed", "model", name, "attempt", attempt+1, "trace_id", traceID)
			return resp, nil
		}

		lastErr = err
		slog.Warn("LLM request failed", "model", name, "attempt", attempt+1, "error", err, "trace_id", traceID)
	}

	if lastErr == nil {
		lastErr = kerrors.NotFound("no model configured")
	}
	return nil, lastErr
}

func (r *Router) generate(ctx context.Context, name string, e entry, req contract.Request) (*contract.Response, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req.Model = name
	req.MaxTokens = e.maxTokens

	resp, err := e.provider.Generate(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, kerrors.WrapWithCategory(err, fmt.Sprintf("model %s timed out after %s", name, e.timeout), kerrors.ErrTimeout)
		}
		return nil, kerrors.WrapWithCategory(err, fmt.Sprintf("model %s", name), kerrors.ErrExecution)
	}
	if resp.Model == "" {
		resp.Model = name
	}
	return resp, nil
}

// tryOrder lists the requested model then the fallback, capped at max.
func (r *Router) tryOrder(model string, max int) []string {
	order := []string{model}
	if fb := r.cfg.Fallback; fb != "" && fb != model {
		order = append(order, fb)
	}
	if len(order) > max {
		order = order[:max]
	}
	return order
}

func renderPrompt(p contract.Prompt) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Text))

	for _, section := range []struct {
		title string
		data  map[string]any
	}{
		{"Parameters", p.Parameters},
		{"Trigger", p.Trigger},
	} {
		if len(section.data) == 0 {
			continue
		}
		data, err := json.MarshalIndent(section.data, "", "  ")
		if err != nil {
			return "", kerrors.InvalidInput(fmt.Sprintf("encode %s: %v", strings.ToLower(section.title), err))
		}
		fmt.Fprintf(&b, "\n\n%s:\n%s", section.title, data)
	}
	return b.String(), nil
}

func createProvider(ctx context.Context, reg config.ModelRegistry) (Provider, error) {
	switch reg.Provider {
	case "openai":
		if reg.APIKey == "" {
			return nil, kerrors.InvalidInput("API key required for OpenAI provider")
		}
		baseURL := reg.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOpenAIBaseURL
		}
		return openaiProvider.New(reg.APIKey, baseURL, "openai"), nil

	case "ollama":
		baseURL := reg.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOllamaBaseURL
		}
		apiKey := reg.APIKey
		if apiKey == "" {
			apiKey = config.DefaultOllamaAPIKey
		}
		return openaiProvider.New(apiKey, baseURL, "ollama"), nil

	case "anthropic":
		if reg.APIKey == "" {
			return nil, kerrors.InvalidInput("API key required for Anthropic provider")
		}
		return anthropicProvider.New(reg.APIKey, reg.BaseURL), nil

	case "gemini":
		if reg.APIKey == "" {
			return nil, kerrors.InvalidInput("API key required for Gemini provider")
		}
		p, err := geminiProvider.New(ctx, reg.APIKey)
		if err != nil {
			return nil, kerrors.WrapWithCategory(err, "create Gemini provider", kerrors.ErrInternal)
		}
		return p, nil

	default:
		return nil, kerrors.InvalidInput(fmt.Sprintf("unknown provider type: %s", reg.Provider))
	}
}
