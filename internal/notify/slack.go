package notify

import (
	"context"
	"fmt"

	slacklib "github.com/slack-go/slack"
)

// SlackAPI abstracts the subset of the Slack client used by SlackChannel.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackChannel posts alerts to a Slack channel with a bot token.
type SlackChannel struct {
	api       SlackAPI
	channelID string
}

// NewSlackChannel creates a SlackChannel with the given API client.
func NewSlackChannel(api SlackAPI, channelID string) *SlackChannel {
	return &SlackChannel{api: api, channelID: channelID}
}

func (c *SlackChannel) Send(ctx context.Context, alert Alert) error {
	_, _, err := c.api.PostMessageContext(ctx, c.channelID,
		slacklib.MsgOptionText(alert.Text(), false),
		slacklib.MsgOptionBlocks(BuildAlertBlocks(alert)...),
	)
	if err != nil {
		return fmt.Errorf("notify.SlackChannel.Send: %w", err)
	}
	return nil
}

// SlackWebhook posts alerts to a Slack incoming webhook.
type SlackWebhook struct {
	url string
}

func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{url: url}
}

func (w *SlackWebhook) Send(ctx context.Context, alert Alert) error {
	msg := &slacklib.WebhookMessage{
		Text:   alert.Text(),
		Blocks: &slacklib.Blocks{BlockSet: BuildAlertBlocks(alert)},
	}
	if err := slacklib.PostWebhookContext(ctx, w.url, msg); err != nil {
		return fmt.Errorf("notify.SlackWebhook.Send: %w", err)
	}
	return nil
}

// BuildAlertBlocks builds Slack Block Kit blocks for an alert: a header
// section followed by one field per labelled value.
func BuildAlertBlocks(alert Alert) []slacklib.Block {
	header := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType, "*"+alert.Title+"*", false, false),
		nil,
		nil,
	)
	if len(alert.Fields) == 0 {
		return []slacklib.Block{header}
	}

	fields := make([]*slacklib.TextBlockObject, 0, len(alert.Fields))
	for _, f := range alert.Fields {
		fields = append(fields, slacklib.NewTextBlockObject(slacklib.MarkdownType, fmt.Sprintf("*%s:*\n`%s`", f.Label, f.Value), false, false))
	}
	body := slacklib.NewSectionBlock(nil, fields, nil)

	return []slacklib.Block{header, body}
}
