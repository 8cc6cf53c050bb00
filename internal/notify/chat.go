package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/slack-go/slack"

	"github.com/mr1hm/go-fire-dispatch/internal/config"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// ChatSink posts the street listing to a Slack channel.
type ChatSink struct {
	api     *slack.Client
	channel string
}

func NewChatSink(token, channel, apiURL string, client *http.Client) *ChatSink {
	opts := []slack.Option{slack.OptionHTTPClient(client)}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &ChatSink{api: slack.New(token, opts...), channel: channel}
}

func (s *ChatSink) Name() string { return "chat" }

func (s *ChatSink) Send(ctx context.Context, event models.NotificationEvent) error {
	channelID, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(event.StreetsMessage(), false),
	)
	if err != nil {
		return fmt.Errorf("error posting to %s: %w", s.channel, err)
	}
	slog.Debug("chat message posted", "channel", channelID, "ts", ts)
	return nil
}

// slackToken prefers SLACK_TOKEN and falls back to the token file.
func slackToken(cfg config.NotifyConfig) (string, error) {
	if cfg.SlackToken != "" {
		return cfg.SlackToken, nil
	}
	data, err := os.ReadFile(cfg.SlackTokenFile)
	if err != nil {
		return "", fmt.Errorf("error reading slack token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("slack token file is empty")
	}
	return token, nil
}
