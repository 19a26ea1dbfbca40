// Package adapter delivers wake_llm replies to chat platforms and, for
// platforms configured as inbound, turns their messages into engine events.
package adapter

import (
	"context"
	"time"
)

// Inbound is a platform message on its way to becoming an event.
type Inbound struct {
	SourceID   string
	ExternalID string
	Data       map[string]any
	At         time.Time
}

// EventHandler receives inbound messages. It is a callback so adapters do not
// depend on the ingress package.
type EventHandler func(ctx context.Context, msg Inbound) error

// Source listens on a platform and reports messages through an EventHandler.
type Source interface {
	Name() string

	// Start begins listening and must respect context cancellation.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

// Sender posts text to a conversation on one platform. conversationID is the
// platform identifier: a Slack channel, a Telegram chat id.
type Sender interface {
	Name() string
	Send(ctx context.Context, conversationID string, text string) error
	Health(ctx context.Context) error
}
