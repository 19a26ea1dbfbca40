package adapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const SlackSourceID = "slack"

// SlackAdapter posts replies with the Web API. Its HTTP handler accepts the
// Events API callbacks and reports channel messages as events.
type SlackAdapter struct {
	signingSecret string
	botToken      string
	eventHandler  EventHandler
	client        *slack.Client
}

func NewSlackAdapter(signingSecret, botToken string, eventHandler EventHandler) *SlackAdapter {
	if signingSecret == "" {
		signingSecret = os.Getenv("SLACK_SIGNING_SECRET")
	}
	if botToken == "" {
		botToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	return &SlackAdapter{
		signingSecret: signingSecret,
		botToken:      botToken,
		eventHandler:  eventHandler,
		client:        slack.New(botToken),
	}
}

func (s *SlackAdapter) Name() string {
	return "slack"
}

func (s *SlackAdapter) Send(ctx context.Context, conversationID string, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, conversationID, slack.MsgOptionText(text, false))
	if err != nil {
		return kerrors.Wrap(err, "failed to send Slack message")
	}
	slog.Debug("Slack message sent", "channel", conversationID)
	return nil
}

func (s *SlackAdapter) Health(ctx context.Context) error {
	if s.client == nil {
		return kerrors.Transient("Slack client not initialized")
	}
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return kerrors.Transient("Slack connection failed: " + err.Error())
	}
	return nil
}

// Handler serves the Events API endpoint. Requests must carry a valid
// signature for the configured signing secret.
func (s *SlackAdapter) Handler() http.Handler {
	return http.HandlerFunc(s.handleEvents)
}

func (s *SlackAdapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sv, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := sv.Write(body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := sv.Ensure(); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	apiEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if apiEvent.Type == slackevents.URLVerification {
		var challenge *slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))
		return
	}

	if apiEvent.Type == slackevents.CallbackEvent {
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok && ev.BotID == "" {
			if s.eventHandler != nil {
				if err := s.eventHandler(r.Context(), slackInbound(ev)); err != nil && !kerrors.IsCategory(err, kerrors.ErrDuplicateEvent) {
					slog.Error("Failed to submit Slack event", "channel", ev.Channel, "error", err)
				}
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

func slackInbound(ev *slackevents.MessageEvent) Inbound {
	return Inbound{
		SourceID:   SlackSourceID,
		ExternalID: ev.Channel + ":" + ev.TimeStamp,
		At:         slackTime(ev.TimeStamp),
		Data: map[string]any{
			"type":      "message",
			"channel":   ev.Channel,
			"user":      ev.User,
			"text":      ev.Text,
			"ts":        ev.TimeStamp,
			"thread_ts": ev.ThreadTimeStamp,
		},
	}
}

// slackTime parses "1710000000.000100" style timestamps; zero on failure.
func slackTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC()
}
