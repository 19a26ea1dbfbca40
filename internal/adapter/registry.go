package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/karakuri/internal/config"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
)

// SystemInterface is the sender used when a definition names no interface.
const SystemInterface = "system"

// Registry holds the senders keyed by interface type and the inbound sources.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
	sources []Source
	slack   *SlackAdapter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	r := &Registry{senders: make(map[string]Sender)}
	r.Register(NewNullSender(SystemInterface))
	return r
}

// NewRegistryFromConfig builds the enabled platform adapters.
func NewRegistryFromConfig(cfg config.AdaptersConfig, eventHandler EventHandler) (*Registry, error) {
	r := NewRegistry()

	if cfg.Console.Enabled {
		r.Register(NewConsoleSender(os.Stdout))
	}

	if cfg.Slack.Enabled {
		if strings.TrimSpace(cfg.Slack.BotToken) == "" && strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")) == "" {
			return nil, fmt.Errorf("adapters.slack.bot_token is required when slack adapter is enabled")
		}
		if cfg.Slack.Inbound && strings.TrimSpace(cfg.Slack.SigningSecret) == "" && strings.TrimSpace(os.Getenv("SLACK_SIGNING_SECRET")) == "" {
			return nil, fmt.Errorf("adapters.slack.signing_secret is required for inbound slack events")
		}

		var handler EventHandler
		if cfg.Slack.Inbound {
			handler = eventHandler
		}
		slackAdapter := NewSlackAdapter(cfg.Slack.SigningSecret, cfg.Slack.BotToken, handler)
		r.Register(slackAdapter)
		if cfg.Slack.Inbound {
			r.slack = slackAdapter
		}
	}

	if cfg.Telegram.Enabled {
		token := strings.TrimSpace(cfg.Telegram.BotToken)
		if token == "" {
			return nil, fmt.Errorf("adapters.telegram.bot_token is required when telegram adapter is enabled")
		}
		telegramAdapter := NewTelegramAdapter(token, eventHandler, cfg.Telegram.UpdateTimeout)
		r.Register(telegramAdapter)
		if cfg.Telegram.Inbound {
			r.AddSource(telegramAdapter)
		}
	}

	return r, nil
}

// Register adds or replaces the sender for its interface name.
func (r *Registry) Register(s Sender) {
	name := strings.TrimSpace(s.Name())
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[name] = s
}

func (r *Registry) AddSource(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

// Send routes text to the sender registered for interfaceType. An empty
// interface type goes to the system sender.
func (r *Registry) Send(ctx context.Context, interfaceType, conversationID, text string) error {
	if interfaceType == "" {
		interfaceType = SystemInterface
	}

	r.mu.RLock()
	s, ok := r.senders[interfaceType]
	r.mu.RUnlock()
	if !ok {
		return kerrors.NotFound(fmt.Sprintf("no adapter for interface %q", interfaceType))
	}
	return s.Send(ctx, conversationID, text)
}

// Interfaces lists registered sender names.
func (r *Registry) Interfaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SlackHandler returns the Events API handler when inbound Slack is enabled.
func (r *Registry) SlackHandler() (http.Handler, bool) {
	if r.slack == nil {
		return nil, false
	}
	return r.slack.Handler(), true
}

// Start runs every inbound source until Stop or ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	sources := append([]Source(nil), r.sources...)
	r.mu.Unlock()

	for _, src := range sources {
		src := src
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			slog.Info("Starting inbound source", "adapter", src.Name())
			if err := src.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Inbound source stopped with error", "adapter", src.Name(), "error", err)
			}
		}()
	}
}

func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	sources := append([]Source(nil), r.sources...)
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	var errs []string
	for _, src := range sources {
		if err := src.Stop(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", src.Name(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, "timed out waiting for inbound sources")
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to stop adapters: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Registry) Health(ctx context.Context) error {
	r.mu.RLock()
	senders := make([]Sender, 0, len(r.senders))
	for _, s := range r.senders {
		senders = append(senders, s)
	}
	r.mu.RUnlock()

	for _, s := range senders {
		if err := s.Health(ctx); err != nil {
			return fmt.Errorf("adapter %s unhealthy: %w", s.Name(), err)
		}
	}
	return nil
}
