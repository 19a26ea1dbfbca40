package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/karakuri/internal/analytics"
	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/concurrency"
	"github.com/harunnryd/karakuri/internal/condition"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/domain"
	"github.com/harunnryd/karakuri/internal/metrics"
	"github.com/harunnryd/karakuri/internal/queue"
	"github.com/harunnryd/karakuri/internal/store"

	"golang.org/x/sync/errgroup"
)

// DayLayout formats the daily-limit window key.
const DayLayout = "2006-01-02"

// MatchStore is the persistence the matcher needs. *store.Store implements it.
type MatchStore interface {
	ListEnabledListenersBySource(ctx context.Context, sourceID string) ([]*domain.EventListener, error)
	AdmitListenerTrigger(ctx context.Context, p store.AdmitParams) (store.AdmitOutcome, error)
	SetEventTriggers(ctx context.Context, id string, listenerIDs []string) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, data map[string]any, spec condition.Spec) condition.Outcome
}

type MatcherOptions struct {
	DailyLimit    int
	Location      *time.Location
	MaxConcurrent int
}

func MatcherOptionsFrom(cfg config.MatcherConfig) (MatcherOptions, error) {
	loc, err := config.LocationOrUTC(cfg.ResetTimezone)
	if err != nil {
		return MatcherOptions{}, fmt.Errorf("load reset timezone: %w", err)
	}
	return MatcherOptions{
		DailyLimit:    cfg.DailyLimit,
		Location:      loc,
		MaxConcurrent: cfg.MaxConcurrentMatch,
	}, nil
}

// Decision is the matcher's verdict for one listener.
type Decision struct {
	ListenerID string             `json:"listener_id"`
	Mode       condition.Mode     `json:"mode"`
	Matched    bool               `json:"matched"`
	Outcome    store.AdmitOutcome `json:"outcome,omitempty"`
	TaskID     string             `json:"task_id,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type MatchResult struct {
	EventID   string     `json:"event_id"`
	Evaluated int        `json:"evaluated"`
	Triggered []string   `json:"triggered_listener_ids"`
	Decisions []Decision `json:"decisions"`
}

func (r MatchResult) Matched() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Matched {
			n++
		}
	}
	return n
}

// Matcher evaluates a stored event against the enabled listeners of its
// source and admits matches through the store's atomic admission.
type Matcher struct {
	store     MatchStore
	queue     *queue.Queue
	evaluator Evaluator
	clock     clock.Clock
	metrics   metrics.Sink
	analytics analytics.Sink
	opts      MatcherOptions
	locks     *concurrency.KeyedMutex
	stats     *Stats
}

func NewMatcher(st MatchStore, q *queue.Queue, ev Evaluator, clk clock.Clock, sink metrics.Sink, an analytics.Sink, opts MatcherOptions) *Matcher {
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if an == nil {
		an = analytics.NoopSink{}
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = config.DefaultMatcherDailyLimit
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = config.DefaultMatcherMaxConcurrentMatch
	}
	return &Matcher{
		store:     st,
		queue:     q,
		evaluator: ev,
		clock:     clk,
		metrics:   sink,
		analytics: an,
		opts:      opts,
		locks:     concurrency.NewKeyedMutex(),
		stats:     NewStats(),
	}
}

func (m *Matcher) Stats() *Stats {
	return m.stats
}

// Day returns the daily-limit window containing t.
func (m *Matcher) Day(t time.Time) string {
	return t.In(m.opts.Location).Format(DayLayout)
}

// Process runs the matching pass for e and records the admitted listeners
// on the event. Evaluation problems never fail the pass. A store error while
// admitting one listener does not stop the others; the triggers admitted so
// far are still recorded and the errors are returned joined.
func (m *Matcher) Process(ctx context.Context, e *domain.Event) (MatchResult, error) {
	result := MatchResult{EventID: e.ID, Triggered: []string{}}

	listeners, err := m.store.ListEnabledListenersBySource(ctx, e.SourceID)
	if err != nil {
		return result, err
	}
	result.Evaluated = len(listeners)

	outcomes := make([]condition.Outcome, len(listeners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrent)
	for i, l := range listeners {
		g.Go(func() error {
			outcomes[i] = m.evaluator.Evaluate(gctx, e.Data, condition.SpecOf(l))
			return nil
		})
	}
	_ = g.Wait()

	var admitErrs []error
	for i, l := range listeners {
		out := outcomes[i]
		d := Decision{ListenerID: l.ID, Mode: out.Mode, Matched: out.Matched}
		now := m.clock.Now()
		m.stats.evaluated(l.ID, out.Matched, out.Err, now)

		switch {
		case out.Err != nil:
			d.Error = out.Err.Error()
			m.metrics.ListenerEvaluated(string(out.Mode), metrics.EvalError)
			slog.Warn("Condition script failed, treating as no match", "listener_id", l.ID, "event_id", e.ID, "error", out.Err)
		case out.Matched:
			m.metrics.ListenerEvaluated(string(out.Mode), metrics.EvalMatched)
		default:
			m.metrics.ListenerEvaluated(string(out.Mode), metrics.EvalUnmatched)
		}

		if out.Matched {
			outcome, taskID, err := m.admit(ctx, l, e)
			if err != nil {
				slog.Error("Failed to admit listener trigger", "listener_id", l.ID, "event_id", e.ID, "error", err)
				admitErrs = append(admitErrs, fmt.Errorf("admit listener %s: %w", l.ID, err))
				d.Error = err.Error()
				result.Decisions = append(result.Decisions, d)
				continue
			}
			d.Outcome = outcome
			d.TaskID = taskID
			if outcome == store.Admitted {
				result.Triggered = append(result.Triggered, l.ID)
			}
		}
		result.Decisions = append(result.Decisions, d)
	}

	if err := m.store.SetEventTriggers(ctx, e.ID, result.Triggered); err != nil {
		return result, errors.Join(append(admitErrs, err)...)
	}
	e.TriggeredListenerIDs = result.Triggered
	if len(admitErrs) > 0 {
		return result, errors.Join(admitErrs...)
	}

	slog.Info("Event matched", "event_id", e.ID, "source_id", e.SourceID,
		"evaluated", result.Evaluated, "matched", result.Matched(), "triggered", len(result.Triggered))
	return result, nil
}

// admit applies the one-time and daily-limit checks and enqueues the task in
// a single store transaction. Admission for one listener is serialized
// in-process so concurrent events do not contend on the same row.
func (m *Matcher) admit(ctx context.Context, l *domain.EventListener, e *domain.Event) (store.AdmitOutcome, string, error) {
	m.locks.Lock(l.ID)
	defer m.locks.Unlock(l.ID)

	now := m.clock.Now()
	task := m.queue.NewTask(domain.TaskTypeListener, domain.TaskPayload{
		ActionType:     l.ActionType,
		ActionConfig:   l.ActionConfig,
		ListenerID:     l.ID,
		Name:           l.Name,
		EventID:        e.ID,
		SourceID:       e.SourceID,
		EventData:      e.Data,
		ConversationID: l.ConversationID,
		InterfaceType:  l.InterfaceType,
	}, now)

	outcome, err := m.store.AdmitListenerTrigger(ctx, store.AdmitParams{
		ListenerID: l.ID,
		Day:        m.Day(now),
		Limit:      l.EffectiveDailyLimit(m.opts.DailyLimit),
		Now:        now,
		Task:       task,
		DedupKey:   l.ID + "@" + e.ID,
	})
	if err != nil {
		return "", "", err
	}

	m.stats.admission(l.ID, outcome, now)
	m.metrics.ListenerAdmission(string(outcome))
	trig := analytics.Trigger{
		Kind:           analytics.KindListener,
		ID:             l.ID,
		ConversationID: l.ConversationID,
		Outcome:        string(outcome),
		At:             now,
	}

	if outcome != store.Admitted {
		slog.Debug("Listener match rejected", "listener_id", l.ID, "event_id", e.ID, "outcome", outcome)
		if err := m.analytics.RecordRejection(ctx, trig); err != nil {
			slog.Debug("Failed to record rejection analytics", "listener_id", l.ID, "error", err)
		}
		return outcome, "", nil
	}

	m.queue.Enqueued(task)
	if err := m.analytics.RecordTrigger(ctx, trig); err != nil {
		slog.Debug("Failed to record trigger analytics", "listener_id", l.ID, "error", err)
	}
	slog.Info("Listener triggered", "listener_id", l.ID, "event_id", e.ID, "task_id", task.ID, "one_time", l.OneTime)
	return outcome, task.ID, nil
}
