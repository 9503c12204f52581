// Package escalation hands conversations over to a human operator.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	slackapi "github.com/slack-go/slack"
)

// Escalation is what an operator needs to pick a conversation up. It never
// carries message text or contact details.
type Escalation struct {
	SessionID   string
	TraceID     string
	WorkspaceID string
	Channel     string
	Reason      string
	ShipmentID  string
	At          time.Time
}

// Notifier delivers escalations.
type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// NopNotifier drops escalations. It is used when no operator channel is
// configured.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, e Escalation) error {
	log.Debug().Str("session", e.SessionID).Str("reason", e.Reason).Msg("escalation dropped, no notifier configured")
	return nil
}

// slackClient is the subset of the Slack API used here.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackNotifier posts escalations to a Slack channel.
type SlackNotifier struct {
	client  slackClient
	channel string
}

// NewSlackNotifier returns a notifier posting with the bot token.
func NewSlackNotifier(token, channel string) (*SlackNotifier, error) {
	if token == "" {
		return nil, errors.New("slack token is required")
	}
	if channel == "" {
		return nil, errors.New("slack channel is required")
	}
	return &SlackNotifier{client: slackapi.New(token), channel: channel}, nil
}

func (n *SlackNotifier) Notify(ctx context.Context, e Escalation) error {
	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slackapi.MsgOptionText("Anne richiede un operatore", false),
		slackapi.MsgOptionAttachments(attachment(e)),
	)
	if err != nil {
		return fmt.Errorf("post escalation: %w", err)
	}
	log.Info().Str("session", e.SessionID).Str("slack_ts", ts).Msg("escalation posted")
	return nil
}

func attachment(e Escalation) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    "Escalation",
		Text:     e.Reason,
		Color:    "warning",
		Fallback: "Escalation: " + e.Reason,
	}
	add := func(title, value string) {
		if value != "" {
			att.Fields = append(att.Fields, slackapi.AttachmentField{Title: title, Value: value, Short: true})
		}
	}
	add("Sessione", e.SessionID)
	add("Trace", e.TraceID)
	add("Canale", e.Channel)
	add("Workspace", e.WorkspaceID)
	add("Spedizione", e.ShipmentID)
	if !e.At.IsZero() {
		add("Ora", e.At.UTC().Format(time.RFC3339))
	}
	return att
}
