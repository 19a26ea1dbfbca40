// Package listener owns event listener definitions and the matching pass
// that turns a stored event into admitted listener tasks.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/script"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/oklog/ulid/v2"
)

type ScriptValidator interface {
	Validate(code string) script.Validation
}

// Registry is the CRUD surface for listeners. A non-empty scope restricts
// every operation to listeners owned by that conversation.
type Registry struct {
	store     *store.Store
	clock     clock.Clock
	validator ScriptValidator
}

func NewRegistry(st *store.Store, clk clock.Clock, v ScriptValidator) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{store: st, clock: clk, validator: v}
}

// Create stores a copy of l with a fresh id and zeroed trigger counters.
func (r *Registry) Create(ctx context.Context, l *domain.EventListener) (*domain.EventListener, error) {
	if l == nil {
		return nil, kerrors.InvalidInput("listener is required")
	}
	out := *l
	normalize(&out)
	if err := r.validate(&out); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	out.ID = ulid.Make().String()
	out.DailyExecutions = 0
	out.LastResetDate = ""
	out.LastExecutionAt = nil
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := r.store.CreateListener(ctx, &out); err != nil {
		return nil, err
	}
	slog.Info("Listener created", "listener_id", out.ID, "source_id", out.SourceID, "conversation_id", out.ConversationID)
	return &out, nil
}

func (r *Registry) Get(ctx context.Context, id, scope string) (*domain.EventListener, error) {
	return r.store.GetListener(ctx, id, scope)
}

func (r *Registry) List(ctx context.Context, f store.ListenerFilter) ([]*domain.EventListener, error) {
	return r.store.ListListeners(ctx, f)
}

// Patch lists the definition fields to change. Nil fields are left alone.
type Patch struct {
	Name            *string
	Description     *string
	SourceID        *string
	MatchConditions *domain.Conditions
	ConditionScript *string
	ActionType      *domain.ActionType
	ActionConfig    domain.ActionConfig
	OneTime         *bool
	DailyLimit      *int
	InterfaceType   *string
	Enabled         *bool
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.SourceID == nil &&
		p.MatchConditions == nil && p.ConditionScript == nil && p.ActionType == nil &&
		p.ActionConfig == nil && p.OneTime == nil && p.DailyLimit == nil &&
		p.InterfaceType == nil && p.Enabled == nil
}

func (p Patch) apply(l *domain.EventListener) {
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.SourceID != nil {
		l.SourceID = *p.SourceID
	}
	if p.MatchConditions != nil {
		l.MatchConditions = *p.MatchConditions
	}
	if p.ConditionScript != nil {
		l.ConditionScript = *p.ConditionScript
	}
	if p.ActionType != nil {
		l.ActionType = *p.ActionType
	}
	if p.ActionConfig != nil {
		l.ActionConfig = p.ActionConfig
	}
	if p.OneTime != nil {
		l.OneTime = *p.OneTime
	}
	if p.DailyLimit != nil {
		l.DailyLimit = *p.DailyLimit
	}
	if p.InterfaceType != nil {
		l.InterfaceType = *p.InterfaceType
	}
}

func (r *Registry) Update(ctx context.Context, id, scope string, p Patch) (*domain.EventListener, error) {
	if p.Empty() {
		return nil, kerrors.InvalidInput("no fields to update")
	}
	l, err := r.store.GetListener(ctx, id, scope)
	if err != nil {
		return nil, err
	}

	p.apply(l)
	normalize(l)
	if err := r.validate(l); err != nil {
		return nil, err
	}
	l.UpdatedAt = r.clock.Now()
	if err := r.store.UpdateListener(ctx, l); err != nil {
		return nil, err
	}
	if p.Enabled != nil && *p.Enabled != l.Enabled {
		if err := r.store.SetListenerEnabled(ctx, id, l.ConversationID, *p.Enabled, l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Enabled = *p.Enabled
	}
	slog.Info("Listener updated", "listener_id", id)
	return l, nil
}

func (r *Registry) SetEnabled(ctx context.Context, id, scope string, enabled bool) (*domain.EventListener, error) {
	if err := r.store.SetListenerEnabled(ctx, id, scope, enabled, r.clock.Now()); err != nil {
		return nil, err
	}
	slog.Info("Listener enablement changed", "listener_id", id, "enabled", enabled)
	return r.store.GetListener(ctx, id, scope)
}

func (r *Registry) Toggle(ctx context.Context, id, scope string) (*domain.EventListener, error) {
	l, err := r.store.ToggleListener(ctx, id, scope, r.clock.Now())
	if err != nil {
		return nil, err
	}
	slog.Info("Listener toggled", "listener_id", id, "enabled", l.Enabled)
	return l, nil
}

func (r *Registry) Delete(ctx context.Context, id, scope string) error {
	if err := r.store.DeleteListener(ctx, id, scope); err != nil {
		return err
	}
	slog.Info("Listener deleted", "listener_id", id)
	return nil
}

func normalize(l *domain.EventListener) {
	l.Name = strings.TrimSpace(l.Name)
	l.SourceID = strings.TrimSpace(l.SourceID)
	l.ConversationID = strings.TrimSpace(l.ConversationID)
	l.InterfaceType = strings.ToLower(strings.TrimSpace(l.InterfaceType))
	if strings.TrimSpace(l.ConditionScript) == "" {
		l.ConditionScript = ""
	}
}

// validate checks the definition and parses any condition or action script.
func (r *Registry) validate(l *domain.EventListener) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if r.validator == nil {
		return nil
	}
	if l.UsesScript() {
		if err := checkScript(r.validator, "condition_script", l.ConditionScript); err != nil {
			return err
		}
	}
	if l.ActionType == domain.ActionScript {
		if err := checkScript(r.validator, "action_config.script_code", l.ActionConfig.String(domain.ConfigScriptCode)); err != nil {
			return err
		}
	}
	return nil
}

func checkScript(v ScriptValidator, field, code string) error {
	res := v.Validate(code)
	if res.Success {
		return nil
	}
	if res.Line > 0 {
		return kerrors.InvalidInput(fmt.Sprintf("%s: line %d: %s", field, res.Line, res.Error))
	}
	return kerrors.InvalidInput(fmt.Sprintf("%s: %s", field, res.Error))
}
