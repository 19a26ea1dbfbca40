package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/recurrence"
	"github.com/harunnryd/karakuri/internal/script"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/oklog/ulid/v2"
)

// MaxPreview bounds Preview.
const MaxPreview = 100

type ScriptValidator interface {
	Validate(code string) script.Validation
}

// Registry is the CRUD surface for schedule automations. It owns the
// computation of next_scheduled_at outside of firing.
type Registry struct {
	store     *store.Store
	clock     clock.Clock
	validator ScriptValidator
	loc       *time.Location
}

func NewRegistry(st *store.Store, clk clock.Clock, v ScriptValidator, loc *time.Location) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{store: st, clock: clk, validator: v, loc: loc}
}

// Create stores a copy of a. A zero StartAt anchors the rule at now; the
// first occurrence is the earliest one at or after both.
func (r *Registry) Create(ctx context.Context, a *domain.ScheduleAutomation) (*domain.ScheduleAutomation, error) {
	if a == nil {
		return nil, kerrors.InvalidInput("automation is required")
	}
	out := *a
	normalize(&out)

	now := r.clock.Now()
	if out.StartAt.IsZero() {
		out.StartAt = now
	}
	rule, err := r.validate(&out)
	if err != nil {
		return nil, err
	}

	out.ID = ulid.Make().String()
	out.NextScheduledAt = r.firstOccurrence(rule, out.StartAt, now)
	out.ExecutionCount = 0
	out.LastExecutionAt = nil
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := r.store.CreateAutomation(ctx, &out); err != nil {
		return nil, err
	}
	if out.Exhausted() {
		slog.Warn("Automation created with no upcoming occurrence", "automation_id", out.ID, "rule", out.RecurrenceRule)
	}
	slog.Info("Automation created", "automation_id", out.ID, "rule", out.RecurrenceRule, "next", out.NextScheduledAt)
	return &out, nil
}

func (r *Registry) Get(ctx context.Context, id, scope string) (*domain.ScheduleAutomation, error) {
	return r.store.GetAutomation(ctx, id, scope)
}

func (r *Registry) List(ctx context.Context, f store.AutomationFilter) ([]*domain.ScheduleAutomation, error) {
	return r.store.ListAutomations(ctx, f)
}

type Patch struct {
	Name           *string
	Description    *string
	RecurrenceRule *string
	StartAt        *time.Time
	ActionType     *domain.ActionType
	ActionConfig   domain.ActionConfig
	InterfaceType  *string
	Enabled        *bool
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.RecurrenceRule == nil && p.StartAt == nil &&
		p.ActionType == nil && p.ActionConfig == nil && p.InterfaceType == nil && p.Enabled == nil
}

// Update applies p. Changing the rule or its anchor recomputes the next
// occurrence from now.
func (r *Registry) Update(ctx context.Context, id, scope string, p Patch) (*domain.ScheduleAutomation, error) {
	if p.Empty() {
		return nil, kerrors.InvalidInput("no fields to update")
	}
	a, err := r.store.GetAutomation(ctx, id, scope)
	if err != nil {
		return nil, err
	}

	observedNext := a.NextScheduledAt
	reschedule := false
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.RecurrenceRule != nil && strings.TrimSpace(*p.RecurrenceRule) != a.RecurrenceRule {
		a.RecurrenceRule = *p.RecurrenceRule
		reschedule = true
	}
	if p.StartAt != nil && !p.StartAt.Equal(a.StartAt) {
		a.StartAt = *p.StartAt
		reschedule = true
	}
	if p.ActionType != nil {
		a.ActionType = *p.ActionType
	}
	if p.ActionConfig != nil {
		a.ActionConfig = p.ActionConfig
	}
	if p.InterfaceType != nil {
		a.InterfaceType = *p.InterfaceType
	}
	normalize(a)

	rule, err := r.validate(a)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	if reschedule {
		a.NextScheduledAt = r.firstOccurrence(rule, a.StartAt, now)
	}
	a.UpdatedAt = now
	if err := r.store.UpdateAutomation(ctx, a, reschedule, observedNext); err != nil {
		return nil, err
	}

	if p.Enabled != nil && *p.Enabled != a.Enabled {
		return r.SetEnabled(ctx, id, a.ConversationID, *p.Enabled)
	}
	slog.Info("Automation updated", "automation_id", id, "rescheduled", reschedule)
	return r.store.GetAutomation(ctx, id, a.ConversationID)
}

// SetEnabled changes enablement. Enabling recomputes the next occurrence
// from now so occurrences missed while paused are never replayed.
func (r *Registry) SetEnabled(ctx context.Context, id, scope string, enabled bool) (*domain.ScheduleAutomation, error) {
	a, err := r.store.GetAutomation(ctx, id, scope)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	var next *time.Time
	if enabled {
		rule, err := recurrence.Parse(a.RecurrenceRule, a.StartAt, r.loc)
		if err != nil {
			return nil, err
		}
		next = r.firstOccurrence(rule, a.StartAt, now)
	}
	if err := r.store.SetAutomationEnabled(ctx, id, scope, enabled, next, now); err != nil {
		return nil, err
	}
	slog.Info("Automation enablement changed", "automation_id", id, "enabled", enabled, "next", next)
	return r.store.GetAutomation(ctx, id, scope)
}

func (r *Registry) Toggle(ctx context.Context, id, scope string) (*domain.ScheduleAutomation, error) {
	a, err := r.store.GetAutomation(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	return r.SetEnabled(ctx, id, scope, !a.Enabled)
}

func (r *Registry) Delete(ctx context.Context, id, scope string) error {
	if err := r.store.DeleteAutomation(ctx, id, scope); err != nil {
		return err
	}
	slog.Info("Automation deleted", "automation_id", id)
	return nil
}

// Preview lists up to n occurrences the automation will fire, starting with
// its pending next_scheduled_at.
func (r *Registry) Preview(ctx context.Context, id, scope string, n int) ([]time.Time, error) {
	a, err := r.store.GetAutomation(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	n = clampPreview(n)
	if a.NextScheduledAt == nil {
		return []time.Time{}, nil
	}
	rule, err := recurrence.Parse(a.RecurrenceRule, a.StartAt, r.loc)
	if err != nil {
		return nil, err
	}
	out := []time.Time{*a.NextScheduledAt}
	return append(out, recurrence.Upcoming(rule, *a.NextScheduledAt, n-1)...), nil
}

// PreviewRule lists up to n occurrences of an unsaved rule at or after
// start, or after now when start is zero.
func (r *Registry) PreviewRule(expr string, start time.Time, n int) ([]time.Time, error) {
	now := r.clock.Now()
	if start.IsZero() {
		start = now
	}
	rule, err := recurrence.Parse(expr, start, r.loc)
	if err != nil {
		return nil, err
	}
	n = clampPreview(n)
	first := r.firstOccurrence(rule, start, now)
	if first == nil {
		return []time.Time{}, nil
	}
	out := []time.Time{*first}
	return append(out, recurrence.Upcoming(rule, *first, n-1)...), nil
}

func (r *Registry) firstOccurrence(rule recurrence.Rule, start, now time.Time) *time.Time {
	notBefore := start
	if now.After(notBefore) {
		notBefore = now
	}
	next, ok := recurrence.First(rule, notBefore)
	if !ok {
		return nil
	}
	return &next
}

func (r *Registry) validate(a *domain.ScheduleAutomation) (recurrence.Rule, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	rule, err := recurrence.Parse(a.RecurrenceRule, a.StartAt, r.loc)
	if err != nil {
		return nil, err
	}
	if a.ActionType == domain.ActionScript && r.validator != nil {
		res := r.validator.Validate(a.ActionConfig.String(domain.ConfigScriptCode))
		if !res.Success {
			return nil, kerrors.InvalidInput(fmt.Sprintf("action_config.script_code: line %d: %s", res.Line, res.Error))
		}
	}
	return rule, nil
}

func normalize(a *domain.ScheduleAutomation) {
	a.Name = strings.TrimSpace(a.Name)
	a.RecurrenceRule = strings.TrimSpace(a.RecurrenceRule)
	a.ConversationID = strings.TrimSpace(a.ConversationID)
	a.InterfaceType = strings.ToLower(strings.TrimSpace(a.InterfaceType))
}

func clampPreview(n int) int {
	if n <= 0 {
		return 5
	}
	if n > MaxPreview {
		return MaxPreview
	}
	return n
}
