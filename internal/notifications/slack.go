// Package notifications posts batch lifecycle updates to Slack. Delivery is
// best-effort: a failed notification is logged and never affects the batch.
package notifications

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Notifier sends batch outcome messages to a Slack channel.
type Notifier struct {
	client  *slack.Client
	channel string
}

// NewSlack creates a Notifier, or nil when token or channel are unset —
// a nil Notifier is safe to call and does nothing.
func NewSlack(token, channel string) *Notifier {
	if token == "" || channel == "" {
		return nil
	}
	return &Notifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// BatchFinished reports a terminal batch status ("c" completed, "f" failed).
func (n *Notifier) BatchFinished(ctx context.Context, workerID string, batchID int64, status string, posts int) {
	if n == nil {
		return
	}

	emoji := ":x:"
	outcome := "failed"
	if status == "c" {
		emoji = ":white_check_mark:"
		outcome = "completed"
	}

	text := fmt.Sprintf("%s Batch %d %s", emoji, batchID, outcome)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *Batch %d %s*", emoji, batchID, outcome), false, false),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Worker `%s` · %d posts archived", workerID, posts), false, false),
			nil,
			nil,
		),
	}

	_, _, err := n.client.PostMessageContext(
		ctx,
		n.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Int64("batch_id", batchID).
			Str("status", status).
			Msg("Failed to send Slack notification")
		return
	}
	log.Debug().
		Int64("batch_id", batchID).
		Str("status", status).
		Msg("Slack notification sent")
}
