package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestTelegramAdapter_EventFlow(t *testing.T) {
	var got Inbound

	adapter := NewTelegramAdapter("test-token", func(ctx context.Context, msg Inbound) error {
		got = msg
		return nil
	}, 1)

	adapter.handleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 99,
		Message: &tgbotapi.Message{
			MessageID: 123,
			Date:      1710000000,
			Text:      "hello from telegram",
			Chat:      &tgbotapi.Chat{ID: 456},
			From:      &tgbotapi.User{ID: 789, UserName: "alice"},
		},
	})

	if got.SourceID != TelegramSourceID {
		t.Fatalf("source = %q, want %q", got.SourceID, TelegramSourceID)
	}
	if got.ExternalID != "99" {
		t.Fatalf("external id = %q, want %q", got.ExternalID, "99")
	}
	if !got.At.Equal(time.Unix(1710000000, 0)) {
		t.Fatalf("at = %v, want unix 1710000000", got.At)
	}
	if got.Data["chat_id"] != "456" {
		t.Fatalf("chat_id = %v, want %q", got.Data["chat_id"], "456")
	}
	if got.Data["text"] != "hello from telegram" {
		t.Fatalf("text = %v, want %q", got.Data["text"], "hello from telegram")
	}
	if got.Data["user_id"] != "789" {
		t.Fatalf("user_id = %v, want %q", got.Data["user_id"], "789")
	}
	if got.Data["user_name"] != "alice" {
		t.Fatalf("user_name = %v, want %q", got.Data["user_name"], "alice")
	}
}

func TestTelegramAdapter_IgnoresNonMessageUpdates(t *testing.T) {
	called := false
	adapter := NewTelegramAdapter("test-token", func(ctx context.Context, msg Inbound) error {
		called = true
		return nil
	}, 1)

	adapter.handleUpdate(context.Background(), tgbotapi.Update{UpdateID: 1})
	if called {
		t.Fatal("handler should not run for updates without a message")
	}
}

func signedSlackRequest(t *testing.T, secret string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/slack", bytes.NewReader(body))

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	base := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(base))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sig)
	return req
}

func TestSlackAdapter_EventFlow(t *testing.T) {
	secret := "test-signing-secret"

	var got Inbound
	adapter := NewSlackAdapter(secret, "xoxb-test", func(ctx context.Context, msg Inbound) error {
		got = msg
		return nil
	})

	body := []byte(`{"type":"event_callback","event":{"type":"message","user":"U123","text":"hello from slack","channel":"C123","ts":"1710000000.000100"}}`)
	rr := httptest.NewRecorder()
	adapter.Handler().ServeHTTP(rr, signedSlackRequest(t, secret, body))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got.SourceID != SlackSourceID {
		t.Fatalf("source = %q, want %q", got.SourceID, SlackSourceID)
	}
	if got.ExternalID != "C123:1710000000.000100" {
		t.Fatalf("external id = %q", got.ExternalID)
	}
	if got.Data["channel"] != "C123" || got.Data["user"] != "U123" || got.Data["text"] != "hello from slack" {
		t.Fatalf("unexpected data %v", got.Data)
	}
	want := time.Unix(1710000000, 100*int64(time.Microsecond))
	if !got.At.Equal(want) {
		t.Fatalf("at = %v, want %v", got.At, want)
	}
}

func TestSlackAdapter_RejectsBadSignature(t *testing.T) {
	called := false
	adapter := NewSlackAdapter("right-secret", "xoxb-test", func(ctx context.Context, msg Inbound) error {
		called = true
		return nil
	})

	body := []byte(`{"type":"event_callback","event":{"type":"message","user":"U1","text":"x","channel":"C1","ts":"1.0"}}`)
	rr := httptest.NewRecorder()
	adapter.Handler().ServeHTTP(rr, signedSlackRequest(t, "wrong-secret", body))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if called {
		t.Fatal("handler must not run for unsigned requests")
	}
}
