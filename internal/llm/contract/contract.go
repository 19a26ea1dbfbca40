package contract

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one single-turn completion.
type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Prompt is what a wake_llm action hands to the assistant: the configured
// prompt, its parameters and the trigger that fired it.
type Prompt struct {
	Model      string         `json:"model,omitempty"`
	Text       string         `json:"prompt"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Trigger    map[string]any `json:"trigger,omitempty"`
}
