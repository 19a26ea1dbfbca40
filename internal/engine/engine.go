// Package engine wires the automation core around one store and exposes the
// operations used by the CLI and the HTTP surface: listener and automation
// CRUD, event submission, script and condition dry runs, and task control.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/karakuri/internal/analytics"
	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/condition"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/idempotency"
	"github.com/harunnryd/karakuri/internal/ingress"
	"github.com/harunnryd/karakuri/internal/listener"
	"github.com/harunnryd/karakuri/internal/metrics"
	"github.com/harunnryd/karakuri/internal/queue"
	"github.com/harunnryd/karakuri/internal/scheduler"
	"github.com/harunnryd/karakuri/internal/script"
	"github.com/harunnryd/karakuri/internal/store"
)

// Options carries the collaborators that differ between the daemon, the CLI
// and tests. Zero values fall back to the real clock and no-op sinks.
type Options struct {
	Clock     clock.Clock
	Metrics   metrics.Sink
	Analytics analytics.Sink
	Dedup     *idempotency.Store
}

type Engine struct {
	store     *store.Store
	clock     clock.Clock
	metrics   metrics.Sink
	analytics analytics.Sink

	runner      *script.Runner
	evaluator   *condition.Evaluator
	queue       *queue.Queue
	matcher     *listener.Matcher
	listeners   *listener.Registry
	automations *scheduler.Registry
	ingress     *ingress.Ingress

	actionTimeout  time.Duration
	testMaxResults int
}

func New(cfg *config.Config, st *store.Store, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.NoopSink{}
	}

	actionTimeout, err := config.DurationOrDefault(cfg.Sandbox.ActionTimeout, config.DefaultSandboxActionTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse sandbox action timeout: %w", err)
	}
	conditionTimeout, err := config.DurationOrDefault(cfg.Matcher.ConditionTimeout, config.DefaultMatcherConditionTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse matcher condition timeout: %w", err)
	}
	matcherOpts, err := listener.MatcherOptionsFrom(cfg.Matcher)
	if err != nil {
		return nil, err
	}
	loc, err := config.LocationOrUTC(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone: %w", err)
	}
	ingressCfg, err := ingress.RuntimeConfigFrom(cfg.Events)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:          st,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		analytics:      opts.Analytics,
		actionTimeout:  actionTimeout,
		testMaxResults: cfg.Events.TestMaxResults,
	}
	if e.testMaxResults <= 0 {
		e.testMaxResults = config.DefaultEventsTestMaxResults
	}

	e.runner = script.NewRunner(script.Options{
		DefaultTimeout: actionTimeout,
		MaxSteps:       cfg.Sandbox.MaxSteps,
		MaxOutputLines: cfg.Sandbox.MaxOutputLines,
	})
	e.evaluator = condition.NewEvaluator(e.runner, conditionTimeout, cfg.Matcher.ConditionMaxSteps)
	e.queue = queue.New(st, e.clock, e.metrics, cfg.Queue.MaxRetries)
	e.matcher = listener.NewMatcher(st, e.queue, e.evaluator, e.clock, e.metrics, e.analytics, matcherOpts)
	e.listeners = listener.NewRegistry(st, e.clock, e.runner)
	e.automations = scheduler.NewRegistry(st, e.clock, e.runner, loc)
	e.ingress = ingress.NewIngress(st, e.matcher, opts.Dedup, e.clock, e.metrics, ingressCfg)
	return e, nil
}

func (e *Engine) Store() *store.Store                { return e.store }
func (e *Engine) Clock() clock.Clock                 { return e.clock }
func (e *Engine) Metrics() metrics.Sink              { return e.metrics }
func (e *Engine) Analytics() analytics.Sink          { return e.analytics }
func (e *Engine) Runner() *script.Runner             { return e.runner }
func (e *Engine) Queue() *queue.Queue                { return e.queue }
func (e *Engine) Matcher() *listener.Matcher         { return e.matcher }
func (e *Engine) Listeners() *listener.Registry      { return e.listeners }
func (e *Engine) Automations() *scheduler.Registry   { return e.automations }
func (e *Engine) Ingress() *ingress.Ingress          { return e.ingress }
func (e *Engine) ActionTimeout() time.Duration       { return e.actionTimeout }
func (e *Engine) ListenerStats() []listener.Counters { return e.matcher.Stats().Snapshot() }
func (e *Engine) Ping(ctx context.Context) error     { return e.store.Ping(ctx) }
