package adapter

import (
	"context"
	"log/slog"
)

// NullSender accepts and drops every message. It backs the "system"
// interface so automations without a chat target still run.
type NullSender struct {
	name string
}

func NewNullSender(name string) *NullSender {
	if name == "" {
		name = "null"
	}
	return &NullSender{name: name}
}

func (a *NullSender) Name() string {
	return a.name
}

func (a *NullSender) Send(ctx context.Context, conversationID string, text string) error {
	slog.Debug("Message dropped", "interface", a.name, "conversation_id", conversationID, "bytes", len(text))
	return nil
}

func (a *NullSender) Health(ctx context.Context) error {
	return nil
}
