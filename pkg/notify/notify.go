// Package notify delivers operational notifications. Delivery is
// fire-and-forget: failures are logged and swallowed, never escalated to
// the caller.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier posts a message somewhere an operator will see it.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Nop is used when no notification channel is configured.
type Nop struct{}

var _ Notifier = (*Nop)(nil)

func (Nop) Notify(ctx context.Context, message string) {}

type SlackConfig struct {
	Logger   *slog.Logger
	BotToken string
	Channel  string
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BotToken == "" {
		return errors.New("bot token is required")
	}
	if cfg.Channel == "" {
		return errors.New("channel is required")
	}
	return nil
}

// Slack posts notifications to a Slack channel.
type Slack struct {
	log     *slog.Logger
	api     *slack.Client
	channel string
}

var _ Notifier = (*Slack)(nil)

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{
		log:     cfg.Logger,
		api:     slack.New(cfg.BotToken),
		channel: cfg.Channel,
	}, nil
}

func (s *Slack) Notify(ctx context.Context, message string) {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(message, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		s.log.Warn("notify: failed to post slack message", "error", err)
	}
}
