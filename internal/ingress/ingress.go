// Package ingress accepts events from sources, rejects replays, stores them
// and hands them to the listener matcher.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/karakuri/internal/adapter"
	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/idempotency"
	"github.com/harunnryd/karakuri/internal/listener"
	"github.com/harunnryd/karakuri/internal/logger"
	"github.com/harunnryd/karakuri/internal/metrics"
	"github.com/harunnryd/karakuri/internal/store"
)

type Matcher interface {
	Process(ctx context.Context, e *domain.Event) (listener.MatchResult, error)
}

type RuntimeConfig struct {
	DedupTTL  time.Duration
	Retention time.Duration
}

func RuntimeConfigFrom(cfg config.EventsConfig) (RuntimeConfig, error) {
	ttl, err := config.DurationOrDefault(cfg.DedupTTL, config.DefaultEventsDedupTTL)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse events dedup ttl: %w", err)
	}
	retention, err := config.DurationOrDefault(cfg.Retention, config.DefaultEventsRetention)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse events retention: %w", err)
	}
	return RuntimeConfig{DedupTTL: ttl, Retention: retention}, nil
}

type Ingress struct {
	store   *store.Store
	matcher Matcher
	dedup   *idempotency.Store
	clock   clock.Clock
	metrics metrics.Sink

	dedupTTL  time.Duration
	retention time.Duration
}

func NewIngress(st *store.Store, m Matcher, dedup *idempotency.Store, clk clock.Clock, sink metrics.Sink, runtimeCfg RuntimeConfig) *Ingress {
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if runtimeCfg.DedupTTL <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultEventsDedupTTL)
		if err == nil {
			runtimeCfg.DedupTTL = d
		}
	}
	if runtimeCfg.Retention <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultEventsRetention)
		if err == nil {
			runtimeCfg.Retention = d
		}
	}
	return &Ingress{
		store:     st,
		matcher:   m,
		dedup:     dedup,
		clock:     clk,
		metrics:   sink,
		dedupTTL:  runtimeCfg.DedupTTL,
		retention: runtimeCfg.Retention,
	}
}

// Submit stores the event and runs the matching pass. The returned event
// carries the ids of the listeners it triggered. A replayed external id
// fails with ErrDuplicateEvent.
func (i *Ingress) Submit(ctx context.Context, sub Submission) (*domain.Event, error) {
	rcpt, err := i.SubmitDetailed(ctx, sub)
	if err != nil {
		return nil, err
	}
	return rcpt.Event, nil
}

// Receipt is the outcome of one submission.
type Receipt struct {
	Event *domain.Event        `json:"event"`
	Match listener.MatchResult `json:"match"`
}

// SubmitDetailed is Submit with the per-listener decisions.
func (i *Ingress) SubmitDetailed(ctx context.Context, sub Submission) (*Receipt, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := i.clock.Now()
	evt := NewEvent(sub, now)
	ctx = logger.WithTraceID(ctx, evt.ID)
	slog.Debug("Ingress received event", "id", evt.ID, "source", evt.SourceID, "external_id", evt.ExternalID)

	key := ""
	if evt.ExternalID != "" {
		key = GenerateIdempotencyKey(evt.SourceID, evt.ExternalID)
		if i.dedup != nil && i.dedup.CheckAndMark(key, i.dedupTTL) {
			i.metrics.EventDeduplicated(evt.SourceID)
			slog.Warn("Duplicate event detected", "key", key)
			return nil, fmt.Errorf("%s: %w", key, kerrors.ErrDuplicateEvent)
		}
	}

	if err := i.store.InsertEvent(ctx, evt); err != nil {
		if key != "" && i.dedup != nil {
			i.dedup.Forget(key)
		}
		return nil, kerrors.Wrap(err, "store event")
	}
	i.metrics.EventIngested(evt.SourceID)

	res, err := i.matcher.Process(ctx, evt)
	if err != nil {
		slog.Error("Matching pass failed", "event_id", evt.ID, "error", err)
		return &Receipt{Event: evt, Match: res}, kerrors.Wrap(err, "match event")
	}
	return &Receipt{Event: evt, Match: res}, nil
}

// HandleInbound submits a chat message received by an adapter source.
// Replays are dropped silently since platforms redeliver on slow acks.
func (i *Ingress) HandleInbound(ctx context.Context, msg adapter.Inbound) error {
	_, err := i.SubmitDetailed(ctx, Submission{
		SourceID:   msg.SourceID,
		ExternalID: msg.ExternalID,
		Data:       msg.Data,
		Timestamp:  msg.At,
	})
	if kerrors.IsCategory(err, kerrors.ErrDuplicateEvent) {
		return nil
	}
	return err
}

// PruneResult counts what Prune removed.
type PruneResult struct {
	Events    int64 `json:"events"`
	DedupKeys int   `json:"dedup_keys"`
}

// Prune deletes events older than the retention window, drops expired dedup
// keys and persists the dedup set.
func (i *Ingress) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	cutoff := i.clock.Now().Add(-i.retention)
	n, err := i.store.PruneEvents(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.Events = n

	if i.dedup != nil {
		res.DedupKeys = i.dedup.Prune()
		if err := i.dedup.Save(); err != nil {
			return res, fmt.Errorf("save dedup keys: %w", err)
		}
	}
	if res.Events > 0 || res.DedupKeys > 0 {
		slog.Info("Pruned events", "events", res.Events, "dedup_keys", res.DedupKeys, "cutoff", cutoff)
	}
	return res, nil
}

// Flush persists the dedup set.
func (i *Ingress) Flush() error {
	if i.dedup == nil {
		return nil
	}
	return i.dedup.Save()
}
