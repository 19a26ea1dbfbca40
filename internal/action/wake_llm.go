package action

import (
	"context"
	"log/slog"
	"strings"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/llm"
	"github.com/harunnryd/karakuri/internal/llm/contract"
	"github.com/harunnryd/karakuri/internal/logger"
)

// Notifier delivers a message to a conversation on an interface.
type Notifier interface {
	Send(ctx context.Context, interfaceType, conversationID, text string) error
}

// WakeLLM asks the model to act on the trigger and, unless notify is false,
// sends the reply to the owning conversation.
type WakeLLM struct {
	invoker  llm.Invoker
	notifier Notifier
}

func NewWakeLLM(invoker llm.Invoker, notifier Notifier) *WakeLLM {
	return &WakeLLM{invoker: invoker, notifier: notifier}
}

func (a *WakeLLM) Type() domain.ActionType { return domain.ActionWakeLLM }

func (a *WakeLLM) Execute(ctx context.Context, task *domain.Task) (string, error) {
	if a.invoker == nil {
		return "", kerrors.Internal("no LLM invoker configured")
	}

	cfg := task.Payload.ActionConfig
	prompt := contract.Prompt{
		Model:      cfg.String(domain.ConfigModel),
		Text:       cfg.String(domain.ConfigPrompt),
		Parameters: cfg.Map(domain.ConfigParameters),
		Trigger:    Trigger(task),
	}
	if strings.TrimSpace(prompt.Text) == "" {
		return "", kerrors.InvalidInput("wake_llm action has no prompt")
	}

	ctx = logger.WithConversationID(ctx, task.Payload.ConversationID)
	resp, err := a.invoker.Invoke(ctx, prompt)
	if err != nil {
		if kerrors.IsCategory(err, kerrors.ErrTimeout) {
			return "", err
		}
		return "", kerrors.WrapWithCategory(err, "LLM callback failed", kerrors.ErrExecution)
	}

	if !cfg.Bool(domain.ConfigNotify, true) || a.notifier == nil {
		return resp.Content, nil
	}

	p := task.Payload
	if err := a.notifier.Send(ctx, p.InterfaceType, p.ConversationID, resp.Content); err != nil {
		return resp.Content, kerrors.WrapWithCategory(err, "LLM replied but delivery failed", kerrors.ErrExecution)
	}
	slog.Debug("LLM reply delivered", "task_id", task.ID, "interface", p.InterfaceType, "conversation_id", p.ConversationID)
	return resp.Content, nil
}
