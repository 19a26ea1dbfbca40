package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/llm/contract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	delay    time.Duration
	requests []contract.Request
}

func (f *fakeProvider) Generate(ctx context.Context, req contract.Request) (*contract.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &contract.Response{Content: f.reply}, nil
}

func (f *fakeProvider) Type() string { return "fake" }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestRouter(cfg config.ModelsConfig) *Router {
	cfg.Registry = nil
	return NewRouter(context.Background(), cfg)
}

func TestInvokeUsesDefaultModel(t *testing.T) {
	r := newTestRouter(config.ModelsConfig{Default: "primary", SystemPrompt: "be brief"})
	primary := &fakeProvider{reply: "kitchen is hot"}
	r.Register("primary", primary, time.Second, 0)

	resp, err := r.Invoke(context.Background(), contract.Prompt{
		Text:       "Tell the user about the kitchen",
		Parameters: map[string]any{"room": "kitchen"},
		Trigger:    map[string]any{"state": "25"},
	})
	require.NoError(t, err)
	assert.Equal(t, "kitchen is hot", resp.Content)
	assert.Equal(t, "primary", resp.Model)

	require.Equal(t, 1, primary.calls())
	req := primary.requests[0]
	assert.Equal(t, "be brief", req.System)
	assert.Equal(t, config.DefaultModelMaxTokens, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	body := req.Messages[0].Content
	assert.True(t, strings.HasPrefix(body, "Tell the user about the kitchen"))
	assert.Contains(t, body, "Parameters:")
	assert.Contains(t, body, `"room": "kitchen"`)
	assert.Contains(t, body, "Trigger:")
	assert.Contains(t, body, `"state": "25"`)
}

func TestInvokeExplicitModel(t *testing.T) {
	r := newTestRouter(config.ModelsConfig{Default: "primary"})
	primary := &fakeProvider{reply: "a"}
	other := &fakeProvider{reply: "b"}
	r.Register("primary", primary, time.Second, 0)
	r.Register("other", other, time.Second, 256)

	resp, err := r.Invoke(context.Background(), contract.Prompt{Model: "other", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Content)
	assert.Equal(t, 0, primary.calls())
	assert.Equal(t, 256, other.requests[0].MaxTokens)
}

func TestInvokeFallsBack(t *testing.T) {
	r := newTestRouter(config.ModelsConfig{Default: "primary", Fallback: "backup", MaxFallbackAttempts: 2})
	primary := &fakeProvider{err: errors.New("503 overloaded")}
	backup := &fakeProvider{reply: "from backup"}
	r.Register("primary", primary, time.Second, 0)
	r.Register("backup", backup, time.Second, 0)

	resp, err := r.Invoke(context.Background(), contract.Prompt{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 1, backup.calls())
}

func TestInvokeFallbackCappedByAttempts(t *testing.T) {
	r := newTestRouter(config.ModelsConfig{Default: "primary", Fallback: "backup", MaxFallbackAttempts: 1})
	primary := &fakeProvider{err: errors.New("boom")}
	backup := &fakeProvider{reply: "unused"}
	r.Register("primary", primary, time.Second, 0)
	r.Register("backup", backup, time.Second, 0)

	_, err := r.Invoke(context.Background(), contract.Prompt{Text: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrExecution))
	assert.Equal(t, 0, backup.calls())
}

func TestInvokeTimeout(t *testing.T) {
	r := newTestRouter(config.ModelsConfig{Default: "slow"})
	r.Register("slow", &fakeProvider{delay: time.Second}, 20*time.Millisecond, 0)

	_, err := r.Invoke(context.Background(), contract.Prompt{Text: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrTimeout))
}

func TestInvokeUnknownModel(t *testing.T) {
	r := newTestRouter(config.ModelsConfig{Default: "missing"})

	_, err := r.Invoke(context.Background(), contract.Prompt{Text: "hi"})
	assert.True(t, errors.Is(err, kerrors.ErrNotFound))
}

func TestInvokeEmptyPrompt(t *testing.T) {
	r := newTestRouter(config.ModelsConfig{Default: "primary"})

	_, err := r.Invoke(context.Background(), contract.Prompt{Text: "  "})
	assert.True(t, errors.Is(err, kerrors.ErrInvalidInput))
}

func TestNewRouterSkipsUnusableEntries(t *testing.T) {
	r := NewRouter(context.Background(), config.ModelsConfig{
		Default: "local",
		Registry: []config.ModelRegistry{
			{Name: "gpt", Provider: "openai"},
			{Name: "local", Provider: "ollama"},
			{Name: "odd", Provider: "carrier-pigeon"},
		},
	})
	assert.Equal(t, []string{"local"}, r.Models())
}
