package llm

import (
	"context"

	"github.com/harunnryd/karakuri/internal/llm/contract"
)

// Provider talks to one model backend.
type Provider interface {
	Generate(ctx context.Context, req contract.Request) (*contract.Response, error)
	Type() string
}

// Invoker is the LLM callback used by wake_llm actions.
type Invoker interface {
	Invoke(ctx context.Context, p contract.Prompt) (*contract.Response, error)
}
