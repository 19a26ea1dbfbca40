package adapter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/harunnryd/karakuri/internal/config"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
)

type recordingSender struct {
	mu   sync.Mutex
	name string
	sent []string
	err  error
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) Send(ctx context.Context, conversationID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, conversationID+"|"+text)
	return s.err
}

func (s *recordingSender) Health(ctx context.Context) error { return s.err }

func TestRegistry_SendRoutesByInterface(t *testing.T) {
	r := NewRegistry()
	slackish := &recordingSender{name: "slack"}
	r.Register(slackish)

	if err := r.Send(context.Background(), "slack", "C1", "hello"); err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if len(slackish.sent) != 1 || slackish.sent[0] != "C1|hello" {
		t.Fatalf("sent = %v, want [C1|hello]", slackish.sent)
	}
}

func TestRegistry_EmptyInterfaceUsesSystem(t *testing.T) {
	r := NewRegistry()
	if err := r.Send(context.Background(), "", "conv-1", "dropped"); err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if got := r.Interfaces(); len(got) != 1 || got[0] != SystemInterface {
		t.Fatalf("Interfaces() = %v, want [%s]", got, SystemInterface)
	}
}

func TestRegistry_UnknownInterface(t *testing.T) {
	r := NewRegistry()
	err := r.Send(context.Background(), "carrier-pigeon", "conv-1", "hi")
	if !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("Send() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_HealthReportsFailingSender(t *testing.T) {
	r := NewRegistry()
	r.Register(&recordingSender{name: "broken", err: kerrors.Transient("offline")})
	if err := r.Health(context.Background()); err == nil {
		t.Fatal("Health() should fail when a sender is unhealthy")
	}
}

func TestNewRegistryFromConfig_RequiresTokens(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "")
	t.Setenv("SLACK_SIGNING_SECRET", "")

	_, err := NewRegistryFromConfig(config.AdaptersConfig{Slack: config.SlackConfig{Enabled: true}}, nil)
	if err == nil {
		t.Fatal("expected error for slack without bot token")
	}

	_, err = NewRegistryFromConfig(config.AdaptersConfig{Slack: config.SlackConfig{Enabled: true, BotToken: "xoxb", Inbound: true}}, nil)
	if err == nil {
		t.Fatal("expected error for inbound slack without signing secret")
	}

	_, err = NewRegistryFromConfig(config.AdaptersConfig{Telegram: config.TelegramConfig{Enabled: true}}, nil)
	if err == nil {
		t.Fatal("expected error for telegram without token")
	}
}

func TestNewRegistryFromConfig_Enabled(t *testing.T) {
	r, err := NewRegistryFromConfig(config.AdaptersConfig{
		Console:  config.ConsoleConfig{Enabled: true},
		Slack:    config.SlackConfig{Enabled: true, BotToken: "xoxb-test", SigningSecret: "s", Inbound: true},
		Telegram: config.TelegramConfig{Enabled: true, BotToken: "123:abc"},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistryFromConfig() error: %v", err)
	}

	want := []string{"console", "slack", SystemInterface, "telegram"}
	got := r.Interfaces()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Interfaces() = %v, want %v", got, want)
	}
	if _, ok := r.SlackHandler(); !ok {
		t.Fatal("SlackHandler() should be available for inbound slack")
	}
}

func TestConsoleSender_Writes(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSender(&buf)
	if err := s.Send(context.Background(), "conv-1", "water the plants"); err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "water the plants") || !strings.Contains(buf.String(), "conv-1") {
		t.Fatalf("output %q missing message or conversation", buf.String())
	}
}
