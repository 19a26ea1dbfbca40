// Package analytics keeps rolling per-trigger counters outside the main
// store so dashboards can read them without touching the database.
package analytics

import (
	"context"
	"time"
)

type Kind string

const (
	KindListener   Kind = "listener"
	KindAutomation Kind = "automation"
)

// Trigger is one decision about a listener or automation firing. Outcome is
// the task result for fired triggers or the rejection reason otherwise.
type Trigger struct {
	Kind           Kind
	ID             string
	ConversationID string
	Outcome        string
	At             time.Time
}

type Sink interface {
	RecordTrigger(ctx context.Context, t Trigger) error
	RecordRejection(ctx context.Context, t Trigger) error
}

type NoopSink struct{}

func (NoopSink) RecordTrigger(context.Context, Trigger) error   { return nil }
func (NoopSink) RecordRejection(context.Context, Trigger) error { return nil }
